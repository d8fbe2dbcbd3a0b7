package braid

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AggregationStatus classifies the result of submitting a vote.
type AggregationStatus uint8

const (
	// AggregationStatusPending means the vote was recorded (or buffered)
	// without reaching quorum. Votes arriving after certification also
	// report Pending: they are accepted but change nothing.
	AggregationStatusPending AggregationStatus = iota

	// AggregationStatusCertified means this vote crossed the quorum
	// threshold and the outcome carries the freshly built certificate.
	// It is reported exactly once per header.
	AggregationStatusCertified

	// AggregationStatusRejected means the vote was discarded; the outcome
	// carries the reason.
	AggregationStatusRejected
)

func (s AggregationStatus) String() string {
	switch s {
	case AggregationStatusPending:
		return "PENDING"
	case AggregationStatusCertified:
		return "CERTIFIED"
	case AggregationStatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// AggregationOutcome is the result of SubmitVote.
type AggregationOutcome struct {
	Status      AggregationStatus
	Certificate *Certificate // set when Status is Certified
	Reason      error        // set when Status is Rejected
}

// AggregatorConfig configures the certificate aggregator.
type AggregatorConfig struct {
	Committee *Committee

	// MaxBufferedVotes bounds votes parked for not-yet-registered
	// headers. Default 1024.
	MaxBufferedVotes int

	// BufferTTL expires parked votes. Default 30s.
	BufferTTL time.Duration

	Hooks  *Hooks
	Logger *zap.Logger
}

type authorRoundKey struct {
	author AuthorityID
	round  Round
}

// voteTally accumulates votes for one header.
type voteTally struct {
	header    *Header
	votes     map[AuthorityID][]byte
	stake     uint64
	certified bool
}

type bufferedVote struct {
	vote     *Vote
	queuedAt time.Time
}

// Aggregator collects votes over headers and builds certificates at
// quorum. One header digest per (author, round) ever accumulates votes:
// the first registered header claims the slot and conflicting votes are
// rejected as equivocation evidence. Thread-safe.
type Aggregator struct {
	mu sync.Mutex

	committee *Committee

	// (author, round) -> tally; the digest inside is the accepted header
	tallies map[authorRoundKey]*voteTally

	// votes for headers we have not seen yet, keyed by header digest
	buffered      map[HeaderDigest][]bufferedVote
	bufferedCount int

	maxBuffered int
	bufferTTL   time.Duration

	gcRound Round

	hooks  *Hooks
	logger *zap.Logger

	certificatesFormed uint64
	votesRejected      uint64
	votesBuffered      uint64
	votesExpired       uint64
}

// NewAggregator creates an aggregator.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxBufferedVotes <= 0 {
		cfg.MaxBufferedVotes = 1024
	}
	if cfg.BufferTTL <= 0 {
		cfg.BufferTTL = 30 * time.Second
	}
	return &Aggregator{
		committee:   cfg.Committee,
		tallies:     make(map[authorRoundKey]*voteTally),
		buffered:    make(map[HeaderDigest][]bufferedVote),
		maxBuffered: cfg.MaxBufferedVotes,
		bufferTTL:   cfg.BufferTTL,
		hooks:       cfg.Hooks,
		logger:      cfg.Logger,
	}
}

// RegisterHeader makes a header eligible for vote aggregation. The caller
// must have validated the header, including parent resolution. Votes that
// arrived early for this header are drained through the normal submission
// path; if one of them completes a quorum the resulting Certified outcome
// is returned.
func (a *Aggregator) RegisterHeader(header *Header) (AggregationOutcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := authorRoundKey{author: header.Author, round: header.Round}
	if existing, ok := a.tallies[key]; ok {
		if existing.header.Digest != header.Digest {
			return AggregationOutcome{}, &EquivocationError{
				Author:      header.Author,
				Round:       header.Round,
				Existing:    existing.header.Digest,
				Conflicting: header.Digest,
			}
		}
		return AggregationOutcome{Status: AggregationStatusPending}, nil
	}

	a.tallies[key] = &voteTally{
		header: header,
		votes:  make(map[AuthorityID][]byte),
	}

	// Drain early votes for this header
	outcome := AggregationOutcome{Status: AggregationStatusPending}
	if parked, ok := a.buffered[header.Digest]; ok {
		delete(a.buffered, header.Digest)
		a.bufferedCount -= len(parked)
		for _, bv := range parked {
			res := a.submitLocked(bv.vote, false)
			if res.Status == AggregationStatusCertified {
				outcome = res
			}
		}
	}
	return outcome, nil
}

// SubmitVote records a vote. See AggregationStatus for the contract.
func (a *Aggregator) SubmitVote(vote *Vote) AggregationOutcome {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.submitLocked(vote, true)
}

func (a *Aggregator) submitLocked(vote *Vote, allowBuffer bool) AggregationOutcome {
	if !a.committee.Contains(vote.Voter) {
		a.votesRejected++
		return AggregationOutcome{
			Status: AggregationStatusRejected,
			Reason: fmt.Errorf("voter %d not in committee", vote.Voter),
		}
	}
	if vote.Epoch != a.committee.Epoch() {
		a.votesRejected++
		return AggregationOutcome{
			Status: AggregationStatusRejected,
			Reason: fmt.Errorf("%w: vote epoch %d, committee epoch %d",
				ErrMalformedMessage, vote.Epoch, a.committee.Epoch()),
		}
	}
	if vote.Round < a.gcRound {
		a.votesRejected++
		return AggregationOutcome{
			Status: AggregationStatusRejected,
			Reason: fmt.Errorf("vote round %d below GC watermark %d", vote.Round, a.gcRound),
		}
	}

	key := authorRoundKey{author: vote.HeaderAuthor, round: vote.Round}
	tally, ok := a.tallies[key]
	if !ok {
		// Header not seen yet; park the vote until it is registered.
		if !allowBuffer {
			a.votesRejected++
			return AggregationOutcome{
				Status: AggregationStatusRejected,
				Reason: fmt.Errorf("no header for vote: %w", ErrNotFound),
			}
		}
		if a.bufferedCount >= a.maxBuffered {
			a.votesRejected++
			return AggregationOutcome{
				Status: AggregationStatusRejected,
				Reason: fmt.Errorf("vote buffer full"),
			}
		}
		a.buffered[vote.HeaderDigest] = append(a.buffered[vote.HeaderDigest],
			bufferedVote{vote: vote, queuedAt: time.Now()})
		a.bufferedCount++
		a.votesBuffered++
		return AggregationOutcome{Status: AggregationStatusPending}
	}

	if tally.header.Digest != vote.HeaderDigest {
		a.votesRejected++
		return AggregationOutcome{
			Status: AggregationStatusRejected,
			Reason: &EquivocationError{
				Author:      vote.HeaderAuthor,
				Round:       vote.Round,
				Existing:    tally.header.Digest,
				Conflicting: vote.HeaderDigest,
			},
		}
	}

	// Duplicate vote from this voter: no-op
	if _, voted := tally.votes[vote.Voter]; voted {
		return AggregationOutcome{Status: AggregationStatusPending}
	}

	pk, err := a.committee.PublicKey(vote.Voter)
	if err != nil {
		a.votesRejected++
		return AggregationOutcome{Status: AggregationStatusRejected, Reason: err}
	}
	if !vote.Verify(pk) {
		a.votesRejected++
		return AggregationOutcome{
			Status: AggregationStatusRejected,
			Reason: &SignatureError{Voter: vote.Voter},
		}
	}

	tally.votes[vote.Voter] = vote.Signature
	tally.stake += a.committee.Stake(vote.Voter)

	// Late votes after certification are accepted but change nothing
	if tally.certified {
		return AggregationOutcome{Status: AggregationStatusPending}
	}

	if tally.stake < a.committee.QuorumThreshold() {
		return AggregationOutcome{Status: AggregationStatusPending}
	}

	cert, err := NewCertificate(tally.header, tally.votes)
	if err != nil {
		a.logger.Error("failed to build certificate at quorum",
			zap.String("header", tally.header.Digest.String()),
			zap.Error(err))
		return AggregationOutcome{Status: AggregationStatusRejected, Reason: err}
	}
	tally.certified = true
	a.certificatesFormed++

	a.logger.Info("certificate formed",
		zap.Uint64("round", cert.Round()),
		zap.Uint16("author", cert.Author()),
		zap.Uint64("stake", tally.stake),
		zap.String("digest", cert.Digest().String()))
	a.hooks.certificateFormed(CertificateFormedEvent{
		Digest:      cert.Digest(),
		Round:       cert.Round(),
		SignedStake: tally.stake,
	})

	return AggregationOutcome{Status: AggregationStatusCertified, Certificate: cert}
}

// CollectedStake reports the stake gathered so far for an author's header
// at a round, for stall diagnostics.
func (a *Aggregator) CollectedStake(author AuthorityID, round Round) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if tally, ok := a.tallies[authorRoundKey{author: author, round: round}]; ok {
		return tally.stake
	}
	return 0
}

// ExpireBuffered drops parked votes older than the buffer TTL. Returns the
// number dropped.
func (a *Aggregator) ExpireBuffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().Add(-a.bufferTTL)
	dropped := 0
	for digest, parked := range a.buffered {
		kept := parked[:0]
		for _, bv := range parked {
			if bv.queuedAt.Before(cutoff) {
				dropped++
				continue
			}
			kept = append(kept, bv)
		}
		if len(kept) == 0 {
			delete(a.buffered, digest)
		} else {
			a.buffered[digest] = kept
		}
	}
	a.bufferedCount -= dropped
	a.votesExpired += uint64(dropped)
	if dropped > 0 {
		a.logger.Debug("expired buffered votes", zap.Int("dropped", dropped))
	}
	return dropped
}

// GarbageCollect drops tallies and parked votes below the round watermark.
func (a *Aggregator) GarbageCollect(round Round) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if round <= a.gcRound {
		return
	}
	a.gcRound = round

	for key := range a.tallies {
		if key.round < round {
			delete(a.tallies, key)
		}
	}
	for digest, parked := range a.buffered {
		kept := parked[:0]
		for _, bv := range parked {
			if bv.vote.Round >= round {
				kept = append(kept, bv)
			}
		}
		a.bufferedCount -= len(parked) - len(kept)
		if len(kept) == 0 {
			delete(a.buffered, digest)
		} else {
			a.buffered[digest] = kept
		}
	}
}

// AggregatorStats contains aggregator statistics.
type AggregatorStats struct {
	ActiveTallies      int
	BufferedVotes      int
	CertificatesFormed uint64
	VotesRejected      uint64
	VotesBuffered      uint64
	VotesExpired       uint64
	GCRound            Round
}

// Stats returns current statistics.
func (a *Aggregator) Stats() AggregatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	return AggregatorStats{
		ActiveTallies:      len(a.tallies),
		BufferedVotes:      a.bufferedCount,
		CertificatesFormed: a.certificatesFormed,
		VotesRejected:      a.votesRejected,
		VotesBuffered:      a.votesBuffered,
		VotesExpired:       a.votesExpired,
		GCRound:            a.gcRound,
	}
}
