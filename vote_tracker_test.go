package braid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func makeDigest(b byte) HeaderDigest {
	var d HeaderDigest
	d[0] = b
	return d
}

func TestVoteTracker_NewVoteTracker(t *testing.T) {
	t.Run("with logger", func(t *testing.T) {
		vt := NewVoteTracker(zap.NewNop())
		require.NotNil(t, vt)
		assert.NotNil(t, vt.votes)
		assert.Equal(t, Epoch(0), vt.currentEpoch)
	})

	t.Run("with nil logger", func(t *testing.T) {
		vt := NewVoteTracker(nil)
		require.NotNil(t, vt)
		assert.NotNil(t, vt.logger)
	})
}

func TestVoteTracker_ShouldVote_Allow(t *testing.T) {
	vt := NewVoteTracker(nil)

	decision, existing := vt.ShouldVote(0, 1, 0, makeDigest(1))
	assert.Equal(t, VoteDecisionAllow, decision)
	assert.Nil(t, existing)
}

func TestVoteTracker_ShouldVote_AllowNewRound(t *testing.T) {
	vt := NewVoteTracker(nil)
	vt.RecordVote(0, 1, 0, makeDigest(1))

	decision, existing := vt.ShouldVote(0, 2, 0, makeDigest(2))
	assert.Equal(t, VoteDecisionAllow, decision)
	assert.Nil(t, existing)
}

func TestVoteTracker_ShouldVote_SkipDuplicate(t *testing.T) {
	vt := NewVoteTracker(nil)
	digest := makeDigest(1)
	vt.RecordVote(0, 1, 0, digest)

	decision, existing := vt.ShouldVote(0, 1, 0, digest)
	assert.Equal(t, VoteDecisionSkipDuplicate, decision)
	assert.Nil(t, existing)
}

func TestVoteTracker_ShouldVote_SkipOldRound(t *testing.T) {
	vt := NewVoteTracker(nil)
	vt.RecordVote(0, 5, 0, makeDigest(5))

	decision, existing := vt.ShouldVote(0, 3, 0, makeDigest(3))
	assert.Equal(t, VoteDecisionSkipOldRound, decision)
	assert.Nil(t, existing)
}

func TestVoteTracker_ShouldVote_SkipEquivocation(t *testing.T) {
	vt := NewVoteTracker(nil)
	existingDigest := makeDigest(1)
	vt.RecordVote(0, 1, 0, existingDigest)

	decision, existing := vt.ShouldVote(0, 1, 0, makeDigest(2))
	assert.Equal(t, VoteDecisionSkipEquivocation, decision)
	require.NotNil(t, existing)
	assert.Equal(t, existingDigest, *existing)
}

func TestVoteTracker_ShouldVote_SkipOldEpoch(t *testing.T) {
	vt := NewVoteTracker(nil)
	vt.SetEpoch(5)

	decision, existing := vt.ShouldVote(0, 1, 3, makeDigest(1))
	assert.Equal(t, VoteDecisionSkipOldEpoch, decision)
	assert.Nil(t, existing)
}

func TestVoteTracker_ShouldVote_StaleRecordAfterEpochBump(t *testing.T) {
	vt := NewVoteTracker(nil)
	vt.RecordVote(0, 9, 0, makeDigest(9))
	vt.SetEpoch(1)

	// The old-epoch record no longer binds us.
	decision, _ := vt.ShouldVote(0, 1, 1, makeDigest(1))
	assert.Equal(t, VoteDecisionAllow, decision)
}

func TestVoteTracker_RecordVote_KeepsHighestRound(t *testing.T) {
	vt := NewVoteTracker(nil)
	vt.RecordVote(0, 5, 0, makeDigest(5))
	vt.RecordVote(0, 3, 0, makeDigest(3))

	// The round-5 record stays; round 3 must not regress it.
	decision, _ := vt.ShouldVote(0, 4, 0, makeDigest(4))
	assert.Equal(t, VoteDecisionSkipOldRound, decision)
}

func TestVoteTracker_RecordVote_IgnoresOldEpoch(t *testing.T) {
	vt := NewVoteTracker(nil)
	vt.SetEpoch(2)
	vt.RecordVote(0, 1, 1, makeDigest(1))

	assert.Equal(t, 0, vt.Stats().TrackedAuthors)
}

func TestVoteTracker_SetEpoch_DropsOldRecords(t *testing.T) {
	vt := NewVoteTracker(nil)
	vt.RecordVote(0, 1, 0, makeDigest(1))
	vt.RecordVote(1, 2, 0, makeDigest(2))
	assert.Equal(t, 2, vt.Stats().TrackedAuthors)

	vt.SetEpoch(1)
	assert.Equal(t, 0, vt.Stats().TrackedAuthors)
	assert.Equal(t, Epoch(1), vt.Stats().CurrentEpoch)

	// Moving backwards is a no-op.
	vt.SetEpoch(0)
	assert.Equal(t, Epoch(1), vt.Stats().CurrentEpoch)
}

func TestVoteTracker_GarbageCollect(t *testing.T) {
	vt := NewVoteTracker(nil)
	vt.RecordVote(0, 1, 0, makeDigest(1))
	vt.RecordVote(1, 10, 0, makeDigest(10))

	vt.GarbageCollect(5)
	stats := vt.Stats()
	assert.Equal(t, 1, stats.TrackedAuthors)
	assert.Equal(t, Round(5), stats.GCRound)

	// Watermark never regresses.
	vt.GarbageCollect(3)
	assert.Equal(t, Round(5), vt.Stats().GCRound)
}

func TestVoteTracker_Clear(t *testing.T) {
	vt := NewVoteTracker(nil)
	vt.RecordVote(0, 1, 0, makeDigest(1))
	vt.GarbageCollect(1)

	vt.Clear()
	stats := vt.Stats()
	assert.Equal(t, 0, stats.TrackedAuthors)
	assert.Equal(t, Round(0), stats.GCRound)
}
