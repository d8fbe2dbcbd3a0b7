package braid_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftlake/braid"
	"github.com/driftlake/braid/internal/testutil"
)

// failingStorage rejects batch writes while delegating everything else.
type failingStorage struct {
	braid.Storage
	fail bool
}

func (s *failingStorage) PutBatch(batch *braid.Batch) error {
	if s.fail {
		return fmt.Errorf("disk full")
	}
	return s.Storage.PutBatch(batch)
}

func newTestWorker(t *testing.T, cfg braid.WorkerConfig) *braid.Worker {
	t.Helper()
	tc, err := testutil.NewTestCommittee(4)
	require.NoError(t, err)
	cfg.Committee = tc.Committee
	if cfg.Storage == nil {
		cfg.Storage = testutil.NewMemStorage()
	}
	cfg.Logger = zap.NewNop()
	w, err := braid.NewWorker(cfg)
	require.NoError(t, err)
	return w
}

func TestNewWorker_RequiresStorageAndCommittee(t *testing.T) {
	tc, err := testutil.NewTestCommittee(4)
	require.NoError(t, err)

	_, err = braid.NewWorker(braid.WorkerConfig{Committee: tc.Committee})
	assert.Error(t, err)

	_, err = braid.NewWorker(braid.WorkerConfig{Storage: testutil.NewMemStorage()})
	assert.Error(t, err)
}

func TestWorker_SealsAtCountThreshold(t *testing.T) {
	storage := testutil.NewMemStorage()
	var sealed []braid.WorkerOwnBatchMessage
	w := newTestWorker(t, braid.WorkerConfig{
		ID:          3,
		Authority:   1,
		Storage:     storage,
		MaxBatchTxs: 3,
		OnOwnBatch:  func(msg braid.WorkerOwnBatchMessage) { sealed = append(sealed, msg) },
	})

	require.NoError(t, w.AddTransaction([]byte("tx1")))
	require.NoError(t, w.AddTransaction([]byte("tx2")))
	assert.Empty(t, sealed)
	assert.Equal(t, 2, w.PendingCount())

	require.NoError(t, w.AddTransaction([]byte("tx3")))

	require.Len(t, sealed, 1)
	assert.Equal(t, braid.WorkerID(3), sealed[0].Worker)
	assert.Equal(t, braid.AuthorityID(1), sealed[0].From)
	assert.Equal(t, 0, w.PendingCount())

	// The announced digest is backed by stored bytes.
	batch, err := storage.GetBatch(sealed[0].Digest)
	require.NoError(t, err)
	assert.Len(t, batch.Transactions, 3)
}

func TestWorker_SealsAtByteThreshold(t *testing.T) {
	var sealed int
	w := newTestWorker(t, braid.WorkerConfig{
		BatchSizeLimit: 10,
		OnOwnBatch:     func(braid.WorkerOwnBatchMessage) { sealed++ },
	})

	require.NoError(t, w.AddTransaction([]byte("aaaa")))
	assert.Zero(t, sealed)
	require.NoError(t, w.AddTransaction([]byte("bbbbbbb")))
	assert.Equal(t, 1, sealed)
}

func TestWorker_ForceSeal(t *testing.T) {
	w := newTestWorker(t, braid.WorkerConfig{})

	// Nothing pending, nothing sealed.
	ok, err := w.ForceSeal()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, w.AddTransaction([]byte("tx")))
	ok, err = w.ForceSeal()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), w.Stats().SealedBatches)
}

func TestWorker_RejectsEmptyTransaction(t *testing.T) {
	w := newTestWorker(t, braid.WorkerConfig{})
	assert.ErrorIs(t, w.AddTransaction(nil), braid.ErrMalformedMessage)
}

func TestWorker_QueueFull(t *testing.T) {
	t.Run("errors by default", func(t *testing.T) {
		w := newTestWorker(t, braid.WorkerConfig{MaxPendingTxs: 2, MaxBatchTxs: 100})

		require.NoError(t, w.AddTransaction([]byte("a")))
		require.NoError(t, w.AddTransaction([]byte("b")))
		assert.Error(t, w.AddTransaction([]byte("c")))
		assert.Equal(t, uint64(1), w.Stats().DroppedTxs)
	})

	t.Run("drops silently with DropOnFull", func(t *testing.T) {
		w := newTestWorker(t, braid.WorkerConfig{
			MaxPendingTxs: 2,
			MaxBatchTxs:   100,
			DropOnFull:    true,
		})

		require.NoError(t, w.AddTransaction([]byte("a")))
		require.NoError(t, w.AddTransaction([]byte("b")))
		require.NoError(t, w.AddTransaction([]byte("c")))
		assert.Equal(t, 2, w.PendingCount())
		assert.Equal(t, uint64(1), w.Stats().DroppedTxs)
	})
}

func TestWorker_StorageFailureKeepsTransactions(t *testing.T) {
	storage := &failingStorage{Storage: testutil.NewMemStorage(), fail: true}
	var announced int
	w := newTestWorker(t, braid.WorkerConfig{
		Storage:    storage,
		OnOwnBatch: func(braid.WorkerOwnBatchMessage) { announced++ },
	})

	require.NoError(t, w.AddTransaction([]byte("tx")))
	ok, err := w.ForceSeal()
	require.Error(t, err)
	assert.False(t, ok)

	// Nothing announced for an unstored digest; transactions stay queued.
	assert.Zero(t, announced)
	assert.Equal(t, 1, w.PendingCount())
	assert.Equal(t, uint64(1), w.Stats().StoreFailures)

	// The next seal succeeds once storage recovers.
	storage.fail = false
	ok, err = w.ForceSeal()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, announced)
}

func TestWorker_ReceivePeerBatch(t *testing.T) {
	storage := testutil.NewMemStorage()
	var reported []braid.WorkerOthersBatchMessage
	w := newTestWorker(t, braid.WorkerConfig{
		Storage:       storage,
		OnOthersBatch: func(msg braid.WorkerOthersBatchMessage) { reported = append(reported, msg) },
	})

	batch := testutil.MakeBatch("tx1", "tx2")
	require.NoError(t, w.ReceivePeerBatch(batch, 2))

	require.Len(t, reported, 1)
	assert.Equal(t, batch.Digest, reported[0].Digest)
	assert.Equal(t, braid.AuthorityID(2), reported[0].Source)
	assert.NotZero(t, batch.Metadata.ReceivedAt)

	stored, err := storage.GetBatch(batch.Digest)
	require.NoError(t, err)
	assert.Equal(t, batch.Transactions, stored.Transactions)
	assert.Equal(t, uint64(1), w.Stats().ReceivedBatches)
}

func TestWorker_ReceivePeerBatch_TamperedDigest(t *testing.T) {
	w := newTestWorker(t, braid.WorkerConfig{})

	batch := testutil.MakeBatch("tx1")
	batch.Digest[0] ^= 0xff

	assert.ErrorIs(t, w.ReceivePeerBatch(batch, 2), braid.ErrMalformedMessage)
	assert.Zero(t, w.Stats().ReceivedBatches)
}

func TestWorker_ServeBatchRequest(t *testing.T) {
	storage := testutil.NewMemStorage()
	w := newTestWorker(t, braid.WorkerConfig{Storage: storage})

	batch := testutil.MakeBatch("tx1")
	require.NoError(t, storage.PutBatch(batch))

	got, err := w.ServeBatchRequest(1, batch.Digest)
	require.NoError(t, err)
	assert.Equal(t, batch.Digest, got.Digest)

	_, err = w.ServeBatchRequest(1, braid.BatchDigest{0xaa})
	assert.ErrorIs(t, err, braid.ErrNotFound)
}

func TestWorker_ServeBatchRequest_RateLimited(t *testing.T) {
	storage := testutil.NewMemStorage()
	w := newTestWorker(t, braid.WorkerConfig{
		Storage:      storage,
		RequestRate:  0.001,
		RequestBurst: 1,
	})

	batch := testutil.MakeBatch("tx1")
	require.NoError(t, storage.PutBatch(batch))

	_, err := w.ServeBatchRequest(1, batch.Digest)
	require.NoError(t, err)

	_, err = w.ServeBatchRequest(1, batch.Digest)
	assert.Error(t, err)

	// Another peer has an independent budget.
	_, err = w.ServeBatchRequest(2, batch.Digest)
	assert.NoError(t, err)
}
