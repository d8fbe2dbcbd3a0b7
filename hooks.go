package braid

import "time"

// Event payloads for observability hooks. Hooks run synchronously on the
// emitting goroutine; keep them fast or hand off.

// BatchSealedEvent fires when a local worker seals and stores a batch.
type BatchSealedEvent struct {
	Digest       BatchDigest
	Worker       WorkerID
	Transactions int
	SizeBytes    int
}

// BatchReceivedEvent fires when a peer batch is stored locally.
type BatchReceivedEvent struct {
	Digest BatchDigest
	Worker WorkerID
	Source AuthorityID
}

// HeaderProposedEvent fires when this node proposes a header.
type HeaderProposedEvent struct {
	Digest       HeaderDigest
	Round        Round
	PayloadCount int
	ParentCount  int
}

// HeaderReceivedEvent fires when a peer header passes validation.
type HeaderReceivedEvent struct {
	Digest HeaderDigest
	Author AuthorityID
	Round  Round
}

// VoteSentEvent fires after a vote is sent to a header's author.
type VoteSentEvent struct {
	HeaderDigest HeaderDigest
	Author       AuthorityID
	Round        Round
}

// VoteReceivedEvent fires for each inbound vote, with the aggregation
// outcome status.
type VoteReceivedEvent struct {
	HeaderDigest HeaderDigest
	Voter        AuthorityID
	Round        Round
	Status       AggregationStatus
}

// CertificateFormedEvent fires when local aggregation reaches quorum.
type CertificateFormedEvent struct {
	Digest      CertificateDigest
	Round       Round
	SignedStake uint64
}

// CertificateReceivedEvent fires when a peer certificate is verified and
// accepted.
type CertificateReceivedEvent struct {
	Digest CertificateDigest
	Author AuthorityID
	Round  Round
}

// CertificatePendingEvent fires when a certificate is parked awaiting
// missing parents.
type CertificatePendingEvent struct {
	Digest         CertificateDigest
	Round          Round
	MissingParents int
}

// EquivocationDetectedEvent fires when two distinct headers from one author
// at one round are observed.
type EquivocationDetectedEvent struct {
	Author      AuthorityID
	Round       Round
	Existing    HeaderDigest
	Conflicting HeaderDigest
}

// RoundAdvancedEvent fires when the DAG's current round advances.
type RoundAdvancedEvent struct {
	Round          Round
	CertifiedStake uint64
}

// QuorumStalledEvent fires when this node's proposals have gone several
// consecutive rounds without certification, pointing at partitions or
// dissemination failures.
type QuorumStalledEvent struct {
	Round          Round
	StalledRounds  int
	CollectedStake uint64
	NeededStake    uint64
}

// FetchStartedEvent fires when the synchronizer starts fetching a digest.
type FetchStartedEvent struct {
	Kind      string // "batch" or "certificate"
	Digest    string
	Target    AuthorityID
	Certified bool
}

// FetchCompletedEvent fires when a fetch finishes or gives up.
type FetchCompletedEvent struct {
	Kind     string
	Digest   string
	Attempts int
	Success  bool
	Elapsed  time.Duration
}

// GarbageCollectedEvent fires after a GC pass.
type GarbageCollectedEvent struct {
	Watermark           Round
	PrunedBelow         Round
	CertificatesRemoved int
}

// Hooks holds optional observability callbacks. All fields may be nil; a
// nil *Hooks is valid everywhere.
type Hooks struct {
	OnBatchSealed          func(BatchSealedEvent)
	OnBatchReceived        func(BatchReceivedEvent)
	OnHeaderProposed       func(HeaderProposedEvent)
	OnHeaderReceived       func(HeaderReceivedEvent)
	OnVoteSent             func(VoteSentEvent)
	OnVoteReceived         func(VoteReceivedEvent)
	OnCertificateFormed    func(CertificateFormedEvent)
	OnCertificateReceived  func(CertificateReceivedEvent)
	OnCertificatePending   func(CertificatePendingEvent)
	OnEquivocationDetected func(EquivocationDetectedEvent)
	OnRoundAdvanced        func(RoundAdvancedEvent)
	OnQuorumStalled        func(QuorumStalledEvent)
	OnFetchStarted         func(FetchStartedEvent)
	OnFetchCompleted       func(FetchCompletedEvent)
	OnGarbageCollected     func(GarbageCollectedEvent)
}

// Clone returns a shallow copy.
func (h *Hooks) Clone() *Hooks {
	if h == nil {
		return nil
	}
	cp := *h
	return &cp
}

// Nil-safe dispatch helpers, so call sites never branch.

func (h *Hooks) batchSealed(e BatchSealedEvent) {
	if h != nil && h.OnBatchSealed != nil {
		h.OnBatchSealed(e)
	}
}

func (h *Hooks) batchReceived(e BatchReceivedEvent) {
	if h != nil && h.OnBatchReceived != nil {
		h.OnBatchReceived(e)
	}
}

func (h *Hooks) headerProposed(e HeaderProposedEvent) {
	if h != nil && h.OnHeaderProposed != nil {
		h.OnHeaderProposed(e)
	}
}

func (h *Hooks) headerReceived(e HeaderReceivedEvent) {
	if h != nil && h.OnHeaderReceived != nil {
		h.OnHeaderReceived(e)
	}
}

func (h *Hooks) voteSent(e VoteSentEvent) {
	if h != nil && h.OnVoteSent != nil {
		h.OnVoteSent(e)
	}
}

func (h *Hooks) voteReceived(e VoteReceivedEvent) {
	if h != nil && h.OnVoteReceived != nil {
		h.OnVoteReceived(e)
	}
}

func (h *Hooks) certificateFormed(e CertificateFormedEvent) {
	if h != nil && h.OnCertificateFormed != nil {
		h.OnCertificateFormed(e)
	}
}

func (h *Hooks) certificateReceived(e CertificateReceivedEvent) {
	if h != nil && h.OnCertificateReceived != nil {
		h.OnCertificateReceived(e)
	}
}

func (h *Hooks) certificatePending(e CertificatePendingEvent) {
	if h != nil && h.OnCertificatePending != nil {
		h.OnCertificatePending(e)
	}
}

func (h *Hooks) equivocationDetected(e EquivocationDetectedEvent) {
	if h != nil && h.OnEquivocationDetected != nil {
		h.OnEquivocationDetected(e)
	}
}

func (h *Hooks) roundAdvanced(e RoundAdvancedEvent) {
	if h != nil && h.OnRoundAdvanced != nil {
		h.OnRoundAdvanced(e)
	}
}

func (h *Hooks) quorumStalled(e QuorumStalledEvent) {
	if h != nil && h.OnQuorumStalled != nil {
		h.OnQuorumStalled(e)
	}
}

func (h *Hooks) fetchStarted(e FetchStartedEvent) {
	if h != nil && h.OnFetchStarted != nil {
		h.OnFetchStarted(e)
	}
}

func (h *Hooks) fetchCompleted(e FetchCompletedEvent) {
	if h != nil && h.OnFetchCompleted != nil {
		h.OnFetchCompleted(e)
	}
}

func (h *Hooks) garbageCollected(e GarbageCollectedEvent) {
	if h != nil && h.OnGarbageCollected != nil {
		h.OnGarbageCollected(e)
	}
}
