package braid_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftlake/braid"
	"github.com/driftlake/braid/internal/testutil"
)

func newTestProposer(t *testing.T, tc *testutil.TestCommittee, d *braid.DAG) *braid.Proposer {
	t.Helper()
	return braid.NewProposer(braid.ProposerConfig{
		Authority: 0,
		Committee: tc.Committee,
		DAG:       d,
		Logger:    zap.NewNop(),
	})
}

func refMsg(b byte, size uint32) braid.WorkerOwnBatchMessage {
	return braid.WorkerOwnBatchMessage{
		Digest: braid.BatchDigest{b},
		Worker: 0,
		Size:   size,
	}
}

func TestProposer_ForceProposeGenesis(t *testing.T) {
	tc, err := testutil.NewTestCommittee(4)
	require.NoError(t, err)
	p := newTestProposer(t, tc, newTestDAG(t, tc))

	p.AddBatchRef(refMsg(1, 10))
	p.AddBatchRef(refMsg(2, 20))
	assert.Equal(t, 2, p.PendingCount())

	require.True(t, p.ForcePropose())

	var header *braid.Header
	select {
	case header = <-p.Headers():
	default:
		t.Fatal("no header emitted")
	}

	assert.Equal(t, braid.AuthorityID(0), header.Author)
	assert.Equal(t, braid.Round(0), header.Round)
	assert.Empty(t, header.Parents)
	require.Len(t, header.Payload, 2)
	assert.Equal(t, braid.BatchDigest{1}, header.Payload[0].Digest)
	assert.NoError(t, header.VerifyDigest())

	assert.Equal(t, 0, p.PendingCount())
	assert.Equal(t, braid.ProposerStateAwaitingCertification, p.State())

	// One header per round: a second force is refused while in flight.
	assert.False(t, p.ForcePropose())
}

func TestProposer_PayloadCap(t *testing.T) {
	tc, err := testutil.NewTestCommittee(4)
	require.NoError(t, err)
	p := braid.NewProposer(braid.ProposerConfig{
		Authority:        0,
		Committee:        tc.Committee,
		DAG:              newTestDAG(t, tc),
		MaxHeaderPayload: 2,
		Logger:           zap.NewNop(),
	})

	for b := byte(1); b <= 5; b++ {
		p.AddBatchRef(refMsg(b, 1))
	}

	require.True(t, p.ForcePropose())
	header := <-p.Headers()
	assert.Len(t, header.Payload, 2)

	// The overflow stays queued for the next round.
	assert.Equal(t, 3, p.PendingCount())
}

func TestProposer_CertificationCycle(t *testing.T) {
	tc, err := testutil.NewTestCommittee(4)
	require.NoError(t, err)
	p := newTestProposer(t, tc, newTestDAG(t, tc))

	p.AddBatchRef(refMsg(1, 1))
	require.True(t, p.ForcePropose())
	header := <-p.Headers()

	// Certification of an unrelated digest is ignored.
	p.OnOwnCertified(braid.HeaderDigest{0xff})
	assert.Equal(t, braid.ProposerStateAwaitingCertification, p.State())

	p.OnOwnCertified(header.Digest)
	assert.Equal(t, braid.ProposerStateCollecting, p.State())
	assert.Equal(t, 0, p.Stats().StalledRounds)
}

func TestProposer_RoundAdvanceAbandonsProposal(t *testing.T) {
	tc, err := testutil.NewTestCommittee(4)
	require.NoError(t, err)
	p := newTestProposer(t, tc, newTestDAG(t, tc))

	p.AddBatchRef(refMsg(1, 1))
	p.AddBatchRef(refMsg(2, 1))
	require.True(t, p.ForcePropose())
	header := <-p.Headers()
	require.Len(t, header.Payload, 2)

	// Others certified round 0 without us; our round-0 proposal is dead.
	p.OnRoundAdvanced(1)

	assert.Equal(t, braid.ProposerStateCollecting, p.State())
	// The abandoned payload is requeued.
	assert.Equal(t, 2, p.PendingCount())
	assert.Equal(t, 1, p.Stats().StalledRounds)

	// Late certification of the abandoned header is a no-op.
	p.OnOwnCertified(header.Digest)
	assert.Equal(t, braid.ProposerStateCollecting, p.State())
}

func TestProposer_RequeuedRefsComeFirst(t *testing.T) {
	tc, err := testutil.NewTestCommittee(4)
	require.NoError(t, err)
	p := newTestProposer(t, tc, newTestDAG(t, tc))

	p.AddBatchRef(refMsg(1, 1))
	require.True(t, p.ForcePropose())
	<-p.Headers()

	// A newer ref arrives while the old proposal is in flight.
	p.AddBatchRef(refMsg(2, 1))
	p.OnRoundAdvanced(1)

	// DAG is still at round 0 from the proposer's point of view, so the
	// next proposal carries no parents and leads with the requeued ref.
	require.True(t, p.ForcePropose())
	header := <-p.Headers()
	require.Len(t, header.Payload, 2)
	assert.Equal(t, braid.BatchDigest{1}, header.Payload[0].Digest)
	assert.Equal(t, braid.BatchDigest{2}, header.Payload[1].Digest)
}

func TestProposer_QuorumStallHook(t *testing.T) {
	tc, err := testutil.NewTestCommittee(4)
	require.NoError(t, err)

	var stalls []braid.QuorumStalledEvent
	p := braid.NewProposer(braid.ProposerConfig{
		Authority:      0,
		Committee:      tc.Committee,
		DAG:            newTestDAG(t, tc),
		StallThreshold: 2,
		Hooks: &braid.Hooks{
			OnQuorumStalled: func(e braid.QuorumStalledEvent) {
				stalls = append(stalls, e)
			},
		},
		Logger: zap.NewNop(),
	})

	for round := braid.Round(1); round <= 2; round++ {
		p.AddBatchRef(refMsg(byte(round), 1))
		require.True(t, p.ForcePropose())
		<-p.Headers()
		p.OnRoundAdvanced(round)
	}

	require.Len(t, stalls, 1)
	assert.Equal(t, 2, stalls[0].StalledRounds)
	assert.Equal(t, uint64(3), stalls[0].NeededStake)
}

func TestProposer_ParentGating(t *testing.T) {
	tc, err := testutil.NewTestCommittee(4)
	require.NoError(t, err)
	d := newTestDAG(t, tc)

	genesis, err := tc.CertifyRound(0, nil, 0, 1, 2)
	require.NoError(t, err)
	for _, cert := range genesis {
		require.NoError(t, d.Insert(cert))
	}
	require.Equal(t, braid.Round(1), d.CurrentRound())

	p := newTestProposer(t, tc, d)
	p.AddBatchRef(refMsg(1, 1))

	require.True(t, p.ForcePropose())
	header := <-p.Headers()
	assert.Equal(t, braid.Round(1), header.Round)
	assert.ElementsMatch(t, testutil.Digests(genesis), header.Parents)
}

func TestProposer_DelayBasedProposal(t *testing.T) {
	tc, err := testutil.NewTestCommittee(4)
	require.NoError(t, err)
	p := braid.NewProposer(braid.ProposerConfig{
		Authority:      0,
		Committee:      tc.Committee,
		DAG:            newTestDAG(t, tc),
		MaxHeaderDelay: 20 * time.Millisecond,
		Logger:         zap.NewNop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.AddBatchRef(refMsg(1, 1))

	select {
	case header := <-p.Headers():
		assert.Len(t, header.Payload, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("no header proposed within deadline")
	}
}

func TestProposer_RebroadcastOnRoundTimeout(t *testing.T) {
	tc, err := testutil.NewTestCommittee(4)
	require.NoError(t, err)
	p := braid.NewProposer(braid.ProposerConfig{
		Authority:      0,
		Committee:      tc.Committee,
		DAG:            newTestDAG(t, tc),
		MaxHeaderDelay: 20 * time.Millisecond,
		RoundTimeout:   30 * time.Millisecond,
		Logger:         zap.NewNop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.AddBatchRef(refMsg(1, 1))
	first := <-p.Headers()

	select {
	case again := <-p.Headers():
		// Same uncertified header is pushed again.
		assert.Equal(t, first.Digest, again.Digest)
	case <-time.After(2 * time.Second):
		t.Fatal("no re-broadcast within deadline")
	}
	assert.GreaterOrEqual(t, p.Stats().Rebroadcasts, uint64(1))
}
