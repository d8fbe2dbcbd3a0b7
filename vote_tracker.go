package braid

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// VoteRecord remembers the vote this node cast for an author's highest
// round, so equivocating headers never collect a second vote from us.
type VoteRecord struct {
	Round        Round
	Epoch        Epoch
	HeaderDigest HeaderDigest
	VotedAt      time.Time
}

// VoteTracker enforces the one-vote-per-(author, round) rule. Thread-safe.
type VoteTracker struct {
	mu sync.RWMutex

	// votes maps author -> record of the highest round we voted for
	votes map[AuthorityID]*VoteRecord

	// gcRound is the minimum round we track
	gcRound Round

	// currentEpoch invalidates records from older epochs
	currentEpoch Epoch

	logger *zap.Logger
}

// NewVoteTracker creates a VoteTracker.
func NewVoteTracker(logger *zap.Logger) *VoteTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VoteTracker{
		votes:  make(map[AuthorityID]*VoteRecord),
		logger: logger,
	}
}

// VoteDecision is the outcome of a ShouldVote check.
type VoteDecision uint8

const (
	// VoteDecisionAllow means we may vote for this header.
	VoteDecisionAllow VoteDecision = iota

	// VoteDecisionSkipOldRound means we already voted for a higher round
	// from this author.
	VoteDecisionSkipOldRound

	// VoteDecisionSkipEquivocation means we already voted for a different
	// header from this author at the same round.
	VoteDecisionSkipEquivocation

	// VoteDecisionSkipOldEpoch means the header is from an old epoch.
	VoteDecisionSkipOldEpoch

	// VoteDecisionSkipDuplicate means we already voted for this exact
	// header.
	VoteDecisionSkipDuplicate
)

func (d VoteDecision) String() string {
	switch d {
	case VoteDecisionAllow:
		return "ALLOW"
	case VoteDecisionSkipOldRound:
		return "SKIP_OLD_ROUND"
	case VoteDecisionSkipEquivocation:
		return "SKIP_EQUIVOCATION"
	case VoteDecisionSkipOldEpoch:
		return "SKIP_OLD_EPOCH"
	case VoteDecisionSkipDuplicate:
		return "SKIP_DUPLICATE"
	default:
		return "UNKNOWN"
	}
}

// ShouldVote decides whether to vote for a header. On equivocation it also
// returns the digest of the header we already voted for, as evidence.
func (vt *VoteTracker) ShouldVote(author AuthorityID, round Round, epoch Epoch, headerDigest HeaderDigest) (VoteDecision, *HeaderDigest) {
	vt.mu.RLock()
	defer vt.mu.RUnlock()

	if epoch < vt.currentEpoch {
		return VoteDecisionSkipOldEpoch, nil
	}

	record, exists := vt.votes[author]
	if !exists {
		return VoteDecisionAllow, nil
	}

	// Stale epoch record, treat as no vote
	if record.Epoch < vt.currentEpoch {
		return VoteDecisionAllow, nil
	}

	if round < record.Round {
		return VoteDecisionSkipOldRound, nil
	}

	if round == record.Round {
		if record.HeaderDigest == headerDigest {
			return VoteDecisionSkipDuplicate, nil
		}
		existing := record.HeaderDigest
		return VoteDecisionSkipEquivocation, &existing
	}

	return VoteDecisionAllow, nil
}

// RecordVote records that we voted for a header. Call only after the vote
// was actually sent.
func (vt *VoteTracker) RecordVote(author AuthorityID, round Round, epoch Epoch, headerDigest HeaderDigest) {
	vt.mu.Lock()
	defer vt.mu.Unlock()

	if epoch < vt.currentEpoch {
		return
	}

	existing, exists := vt.votes[author]
	if exists && existing.Epoch == epoch && existing.Round >= round {
		return
	}

	vt.votes[author] = &VoteRecord{
		Round:        round,
		Epoch:        epoch,
		HeaderDigest: headerDigest,
		VotedAt:      time.Now(),
	}

	vt.logger.Debug("recorded vote",
		zap.Uint16("author", author),
		zap.Uint64("round", round),
		zap.Uint64("epoch", epoch),
		zap.String("digest", headerDigest.String()))
}

// SetEpoch advances the epoch and drops records from older epochs.
func (vt *VoteTracker) SetEpoch(epoch Epoch) {
	vt.mu.Lock()
	defer vt.mu.Unlock()

	if epoch <= vt.currentEpoch {
		return
	}

	for author, record := range vt.votes {
		if record.Epoch < epoch {
			delete(vt.votes, author)
		}
	}

	vt.currentEpoch = epoch
	vt.logger.Info("vote tracker epoch updated",
		zap.Uint64("epoch", epoch),
		zap.Int("remaining_records", len(vt.votes)))
}

// GarbageCollect removes records for rounds below gcRound.
func (vt *VoteTracker) GarbageCollect(gcRound Round) {
	vt.mu.Lock()
	defer vt.mu.Unlock()

	if gcRound <= vt.gcRound {
		return
	}

	removed := 0
	for author, record := range vt.votes {
		if record.Round < gcRound {
			delete(vt.votes, author)
			removed++
		}
	}

	vt.gcRound = gcRound
	if removed > 0 {
		vt.logger.Debug("vote tracker garbage collected",
			zap.Uint64("gc_round", gcRound),
			zap.Int("removed", removed))
	}
}

// Clear removes all records.
func (vt *VoteTracker) Clear() {
	vt.mu.Lock()
	defer vt.mu.Unlock()

	vt.votes = make(map[AuthorityID]*VoteRecord)
	vt.gcRound = 0
}

// VoteTrackerStats contains statistics for monitoring.
type VoteTrackerStats struct {
	TrackedAuthors int
	CurrentEpoch   Epoch
	GCRound        Round
}

// Stats returns current statistics.
func (vt *VoteTracker) Stats() VoteTrackerStats {
	vt.mu.RLock()
	defer vt.mu.RUnlock()

	return VoteTrackerStats{
		TrackedAuthors: len(vt.votes),
		CurrentEpoch:   vt.currentEpoch,
		GCRound:        vt.gcRound,
	}
}
