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

// syncHarness wires a two-peer loopback network where peer 1 serves its
// storage and peer 0 runs the synchronizer.
type syncHarness struct {
	tc          *testutil.TestCommittee
	sync        *braid.Synchronizer
	local       braid.Storage
	peerStorage braid.Storage
}

func newSyncHarness(t *testing.T) *syncHarness {
	t.Helper()
	tc, err := testutil.NewTestCommittee(4)
	require.NoError(t, err)

	local := testutil.NewMemStorage()
	peerStorage := testutil.NewMemStorage()

	self := testutil.NewTestNetwork(0)
	peer := testutil.NewTestNetwork(1)
	peer.ServeFrom(peerStorage)
	self.Connect(peer)

	s := braid.NewSynchronizer(braid.SynchronizerConfig{
		Authority:              0,
		Committee:              tc.Committee,
		Network:                self,
		Storage:                local,
		RetryDelay:             time.Millisecond,
		MaxUncertifiedAttempts: 2,
		Logger:                 zap.NewNop(),
	})

	return &syncHarness{tc: tc, sync: s, local: local, peerStorage: peerStorage}
}

func TestSynchronizer_FetchBatch_LocalFirst(t *testing.T) {
	h := newSyncHarness(t)

	batch := testutil.MakeBatch("tx1")
	require.NoError(t, h.local.PutBatch(batch))

	got, err := h.sync.FetchBatch(context.Background(), batch.Digest, 1, false)
	require.NoError(t, err)
	assert.Equal(t, batch.Digest, got.Digest)

	// Local hits never touch the network.
	assert.Zero(t, h.sync.Stats().BatchFetches)
}

func TestSynchronizer_FetchBatch_FromPeer(t *testing.T) {
	h := newSyncHarness(t)

	batch := testutil.MakeBatch("tx1", "tx2")
	require.NoError(t, h.peerStorage.PutBatch(batch))

	got, err := h.sync.FetchBatch(context.Background(), batch.Digest, 1, false)
	require.NoError(t, err)
	assert.Equal(t, batch.Digest, got.Digest)
	assert.NotZero(t, got.Metadata.ReceivedAt)

	// The fetched batch lands in local storage.
	stored, err := h.local.GetBatch(batch.Digest)
	require.NoError(t, err)
	assert.Equal(t, batch.Transactions, stored.Transactions)
	assert.Equal(t, uint64(1), h.sync.Stats().BatchFetches)
}

func TestSynchronizer_FetchBatch_UncertifiedGivesUp(t *testing.T) {
	h := newSyncHarness(t)

	missing := braid.BatchDigest{0xaa}
	start := time.Now()
	_, err := h.sync.FetchBatch(context.Background(), missing, 1, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, braid.ErrNotFound)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, uint64(1), h.sync.Stats().FetchFailures)
}

func TestSynchronizer_FetchBatch_CertifiedRetriesUntilCancel(t *testing.T) {
	h := newSyncHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := h.sync.FetchBatch(ctx, braid.BatchDigest{0xbb}, 1, true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSynchronizer_SyncBatches(t *testing.T) {
	h := newSyncHarness(t)

	b1 := testutil.MakeBatch("tx1")
	b2 := testutil.MakeBatch("tx2")
	require.NoError(t, h.peerStorage.PutBatch(b1))
	require.NoError(t, h.peerStorage.PutBatch(b2))

	req := &braid.WorkerSynchronizeMessage{
		Digests:     []braid.BatchDigest{b1.Digest, b2.Digest},
		Target:      1,
		IsCertified: true,
		From:        1,
	}
	require.NoError(t, h.sync.SyncBatches(context.Background(), req))

	for _, digest := range req.Digests {
		_, err := h.local.GetBatch(digest)
		assert.NoError(t, err)
	}
}

func TestSynchronizer_SyncBatches_ReportsFailures(t *testing.T) {
	h := newSyncHarness(t)

	good := testutil.MakeBatch("tx1")
	require.NoError(t, h.peerStorage.PutBatch(good))

	req := &braid.WorkerSynchronizeMessage{
		Digests: []braid.BatchDigest{good.Digest, {0xcc}},
		Target:  1,
	}
	err := h.sync.SyncBatches(context.Background(), req)
	require.Error(t, err)

	// The available digest still landed.
	_, err = h.local.GetBatch(good.Digest)
	assert.NoError(t, err)
}

func TestSynchronizer_FetchCertificate(t *testing.T) {
	h := newSyncHarness(t)

	cert, err := h.tc.CertifyHeader(testutil.MakeHeader(1, 0, nil, nil), 0, 1, 2)
	require.NoError(t, err)
	require.NoError(t, h.peerStorage.PutCertificate(cert))

	got, err := h.sync.FetchCertificate(context.Background(), cert.Digest(), 1, true)
	require.NoError(t, err)
	assert.Equal(t, cert.Digest(), got.Digest())
	// Fetched certificates are verified before storage sees them.
	assert.Equal(t, braid.VerificationStateVerifiedDirectly, got.VerificationState)

	stored, err := h.local.GetCertificate(cert.Digest())
	require.NoError(t, err)
	assert.Equal(t, cert.Digest(), stored.Digest())
	assert.Equal(t, uint64(1), h.sync.Stats().CertificateFetches)
}

func TestSynchronizer_FetchCertificate_LocalFirst(t *testing.T) {
	h := newSyncHarness(t)

	cert, err := h.tc.CertifyHeader(testutil.MakeHeader(2, 0, nil, nil), 0, 1, 2)
	require.NoError(t, err)
	require.NoError(t, h.local.PutCertificate(cert))

	got, err := h.sync.FetchCertificate(context.Background(), cert.Digest(), 1, true)
	require.NoError(t, err)
	assert.Equal(t, cert.Digest(), got.Digest())
	assert.Zero(t, h.sync.Stats().CertificateFetches)
}

func TestSynchronizer_RejectsUnderSignedCertificate(t *testing.T) {
	h := newSyncHarness(t)

	// The peer serves a certificate below quorum; verification rejects it
	// and the bounded attempt budget runs out.
	weak, err := h.tc.CertifyHeader(testutil.MakeHeader(1, 0, nil, nil), 0, 1)
	require.NoError(t, err)
	require.NoError(t, h.peerStorage.PutCertificate(weak))

	_, err = h.sync.FetchCertificate(context.Background(), weak.Digest(), 1, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, braid.ErrNotFound)

	_, err = h.local.GetCertificate(weak.Digest())
	assert.ErrorIs(t, err, braid.ErrNotFound)
}

func TestSynchronizer_FetchHooks(t *testing.T) {
	tc, err := testutil.NewTestCommittee(4)
	require.NoError(t, err)

	local := testutil.NewMemStorage()
	peerStorage := testutil.NewMemStorage()
	self := testutil.NewTestNetwork(0)
	peer := testutil.NewTestNetwork(1)
	peer.ServeFrom(peerStorage)
	self.Connect(peer)

	var started []braid.FetchStartedEvent
	var completed []braid.FetchCompletedEvent
	s := braid.NewSynchronizer(braid.SynchronizerConfig{
		Authority:  0,
		Committee:  tc.Committee,
		Network:    self,
		Storage:    local,
		RetryDelay: time.Millisecond,
		Hooks: &braid.Hooks{
			OnFetchStarted:   func(e braid.FetchStartedEvent) { started = append(started, e) },
			OnFetchCompleted: func(e braid.FetchCompletedEvent) { completed = append(completed, e) },
		},
		Logger: zap.NewNop(),
	})

	batch := testutil.MakeBatch("tx1")
	require.NoError(t, peerStorage.PutBatch(batch))

	_, err = s.FetchBatch(context.Background(), batch.Digest, 1, false)
	require.NoError(t, err)

	require.Len(t, started, 1)
	assert.Equal(t, "batch", started[0].Kind)
	assert.Equal(t, braid.AuthorityID(1), started[0].Target)
	require.Len(t, completed, 1)
	assert.True(t, completed[0].Success)
	assert.Equal(t, 1, completed[0].Attempts)
}
