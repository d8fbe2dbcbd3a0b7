package braid

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProposerState is the header builder's position in its round cycle.
type ProposerState uint8

const (
	// ProposerStateCollecting accumulates batch refs until a proposal
	// threshold is met.
	ProposerStateCollecting ProposerState = iota

	// ProposerStateAwaitingCertification has an in-flight header and is
	// waiting for its certificate.
	ProposerStateAwaitingCertification
)

func (s ProposerState) String() string {
	switch s {
	case ProposerStateCollecting:
		return "COLLECTING"
	case ProposerStateAwaitingCertification:
		return "AWAITING_CERTIFICATION"
	default:
		return "UNKNOWN"
	}
}

// ProposerConfig configures the header builder.
type ProposerConfig struct {
	Authority AuthorityID
	Committee *Committee
	DAG       *DAG

	// MaxHeaderPayload proposes immediately at this many batch refs.
	// Default 32.
	MaxHeaderPayload int

	// MinHeaderPayload is required before the delay-based proposal fires.
	// Default 1.
	MinHeaderPayload int

	// MaxHeaderDelay proposes after this long with at least
	// MinHeaderPayload refs. Default 200ms.
	MaxHeaderDelay time.Duration

	// RoundTimeout re-broadcasts an uncertified in-flight header after
	// this long. The proposer never abandons a round on its own; it moves
	// on only when the DAG's round advances. Default 2s.
	RoundTimeout time.Duration

	// MaxPendingRefs bounds queued batch refs. Default 4096.
	MaxPendingRefs int

	// DropOnFull drops refs when the queue is full instead of blocking
	// the reporter.
	DropOnFull bool

	// StallThreshold fires the quorum-stall hook after this many
	// consecutive rounds where our proposal went uncertified. Default 3.
	StallThreshold int

	Hooks  *Hooks
	Logger *zap.Logger
}

func (cfg *ProposerConfig) applyDefaults() {
	if cfg.MaxHeaderPayload <= 0 {
		cfg.MaxHeaderPayload = 32
	}
	if cfg.MinHeaderPayload <= 0 {
		cfg.MinHeaderPayload = 1
	}
	if cfg.MaxHeaderDelay <= 0 {
		cfg.MaxHeaderDelay = 200 * time.Millisecond
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = 2 * time.Second
	}
	if cfg.MaxPendingRefs <= 0 {
		cfg.MaxPendingRefs = 4096
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

// Proposer builds at most one header per round from reported batch refs
// and a quorum of parent certificates. Proposed headers are delivered on
// Headers(); the node signs its own vote, broadcasts, and feeds round and
// certification events back in. Thread-safe.
type Proposer struct {
	cfg ProposerConfig

	mu           sync.Mutex
	state        ProposerState
	pendingRefs  []BatchRef
	current      *Header // in-flight proposal, nil while collecting
	proposedAt   time.Time
	collectSince time.Time
	retries      int

	// stalledRounds counts consecutive rounds our proposal missed
	// certification
	stalledRounds int

	headers chan *Header

	logger *zap.Logger

	headersProposed uint64
	refsIncluded    uint64
	refsDropped     uint64
	rebroadcasts    uint64
}

// NewProposer creates a proposer.
func NewProposer(cfg ProposerConfig) *Proposer {
	cfg.applyDefaults()
	return &Proposer{
		cfg:          cfg,
		state:        ProposerStateCollecting,
		collectSince: time.Now(),
		headers:      make(chan *Header, 16),
		logger:       cfg.Logger.With(zap.Uint16("authority", cfg.Authority)),
	}
}

// Headers delivers proposed headers. Re-broadcast timeouts deliver the
// same header again.
func (p *Proposer) Headers() <-chan *Header { return p.headers }

// AddBatchRef queues a durably stored batch for inclusion in the next
// header.
func (p *Proposer) AddBatchRef(msg WorkerOwnBatchMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pendingRefs) >= p.cfg.MaxPendingRefs {
		p.refsDropped++
		if !p.cfg.DropOnFull {
			p.logger.Warn("batch ref queue full",
				zap.String("digest", msg.Digest.String()))
		}
		return
	}
	p.pendingRefs = append(p.pendingRefs, BatchRef{
		Digest: msg.Digest,
		Worker: msg.Worker,
		Size:   msg.Size,
	})
}

// Run drives proposal and re-broadcast timing until the context ends.
func (p *Proposer) Run(ctx context.Context) {
	interval := p.cfg.MaxHeaderDelay / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Proposer) tick() {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case ProposerStateCollecting:
		if p.shouldProposeLocked() {
			p.proposeLocked()
		}
	case ProposerStateAwaitingCertification:
		if time.Since(p.proposedAt) >= p.cfg.RoundTimeout {
			// The committee has not certified us; push the same header
			// again in case the broadcast was lost.
			p.retries++
			p.rebroadcasts++
			p.proposedAt = time.Now()
			p.emitLocked(p.current)
		}
	}
}

func (p *Proposer) shouldProposeLocked() bool {
	if len(p.pendingRefs) >= p.cfg.MaxHeaderPayload {
		return p.parentsReadyLocked()
	}
	if len(p.pendingRefs) >= p.cfg.MinHeaderPayload &&
		time.Since(p.collectSince) >= p.cfg.MaxHeaderDelay {
		return p.parentsReadyLocked()
	}
	return false
}

func (p *Proposer) parentsReadyLocked() bool {
	if p.cfg.DAG.CurrentRound() == 0 {
		return true
	}
	_, stake := p.cfg.DAG.Parents()
	return stake >= p.cfg.Committee.QuorumThreshold()
}

// proposeLocked builds a header for the DAG's current round from pending
// refs and the previous round's certificates.
func (p *Proposer) proposeLocked() {
	round := p.cfg.DAG.CurrentRound()

	take := len(p.pendingRefs)
	if take > p.cfg.MaxHeaderPayload {
		take = p.cfg.MaxHeaderPayload
	}
	payload := make([]BatchRef, take)
	copy(payload, p.pendingRefs[:take])
	p.pendingRefs = p.pendingRefs[take:]

	var parents []CertificateDigest
	if round > 0 {
		parents, _ = p.cfg.DAG.Parents()
	}

	header := &Header{
		Author:    p.cfg.Authority,
		Round:     round,
		Epoch:     p.cfg.Committee.Epoch(),
		CreatedAt: uint64(time.Now().UnixMilli()),
		Payload:   payload,
		Parents:   parents,
	}
	header.ComputeDigest()

	p.state = ProposerStateAwaitingCertification
	p.current = header
	p.proposedAt = time.Now()
	p.retries = 0
	p.headersProposed++
	p.refsIncluded += uint64(take)

	p.logger.Info("proposed header",
		zap.Uint64("round", round),
		zap.Int("payload", len(payload)),
		zap.Int("parents", len(parents)),
		zap.String("digest", header.Digest.String()))
	p.cfg.Hooks.headerProposed(HeaderProposedEvent{
		Digest:       header.Digest,
		Round:        round,
		PayloadCount: len(payload),
		ParentCount:  len(parents),
	})

	p.emitLocked(header)
}

func (p *Proposer) emitLocked(header *Header) {
	select {
	case p.headers <- header:
	default:
		p.logger.Warn("header channel full, dropping emission",
			zap.String("digest", header.Digest.String()))
	}
}

// ForcePropose proposes immediately regardless of thresholds, provided
// parents are available. Reports whether a header was emitted.
func (p *Proposer) ForcePropose() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != ProposerStateCollecting || !p.parentsReadyLocked() {
		return false
	}
	p.proposeLocked()
	return true
}

// OnOwnCertified tells the proposer its in-flight header was certified.
func (p *Proposer) OnOwnCertified(digest HeaderDigest) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil || p.current.Digest != digest {
		return
	}
	p.current = nil
	p.stalledRounds = 0
	p.state = ProposerStateCollecting
	p.collectSince = time.Now()
}

// OnRoundAdvanced tells the proposer the DAG moved to a new round. An
// in-flight proposal for an older round is abandoned and its payload refs
// return to the queue; certification for it can no longer matter.
func (p *Proposer) OnRoundAdvanced(newRound Round) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil && p.current.Round < newRound {
		abandoned := p.current
		p.current = nil
		p.state = ProposerStateCollecting
		p.collectSince = time.Now()

		// Requeue the abandoned payload ahead of newer refs
		p.pendingRefs = append(append([]BatchRef{}, abandoned.Payload...), p.pendingRefs...)

		p.stalledRounds++
		p.logger.Warn("abandoned uncertified proposal",
			zap.Uint64("round", abandoned.Round),
			zap.Uint64("new_round", newRound),
			zap.Int("stalled_rounds", p.stalledRounds))
		if p.stalledRounds >= p.cfg.StallThreshold {
			p.cfg.Hooks.quorumStalled(QuorumStalledEvent{
				Round:         abandoned.Round,
				StalledRounds: p.stalledRounds,
				NeededStake:   p.cfg.Committee.QuorumThreshold(),
			})
		}
	}
}

// State returns the current state.
func (p *Proposer) State() ProposerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PendingCount returns the number of queued batch refs.
func (p *Proposer) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pendingRefs)
}

// ProposerStats contains proposer statistics.
type ProposerStats struct {
	State           ProposerState
	QueuedRefs      int
	HeadersProposed uint64
	RefsIncluded    uint64
	RefsDropped     uint64
	Rebroadcasts    uint64
	StalledRounds   int
}

// Stats returns current statistics.
func (p *Proposer) Stats() ProposerStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return ProposerStats{
		State:           p.state,
		QueuedRefs:      len(p.pendingRefs),
		HeadersProposed: p.headersProposed,
		RefsIncluded:    p.refsIncluded,
		RefsDropped:     p.refsDropped,
		Rebroadcasts:    p.rebroadcasts,
		StalledRounds:   p.stalledRounds,
	}
}
