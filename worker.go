package braid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WorkerConfig configures a batching worker.
type WorkerConfig struct {
	ID        WorkerID
	Authority AuthorityID
	Committee *Committee
	Storage   Storage
	Network   Network

	// BatchSizeLimit seals a batch once pending payload reaches this many
	// bytes. Default 512 KB.
	BatchSizeLimit int

	// MaxBatchTxs seals a batch once this many transactions are pending.
	// Default 500.
	MaxBatchTxs int

	// BatchTimeout seals a non-empty pending set after this long even if
	// thresholds were not reached. Default 100ms.
	BatchTimeout time.Duration

	// MaxPendingTxs bounds the ingestion queue. Default 100000.
	MaxPendingTxs int

	// DropOnFull drops new transactions when the queue is full instead of
	// returning an error.
	DropOnFull bool

	// DisseminationRetries is the per-peer send retry budget. Default 3.
	DisseminationRetries int

	// DisseminationBackoff is the initial retry delay, doubled per
	// attempt. Default 50ms.
	DisseminationBackoff time.Duration

	// RequestRate and RequestBurst bound per-peer batch request serving.
	// Defaults: 100 req/s, burst 200.
	RequestRate  float64
	RequestBurst int

	// OnOwnBatch reports a sealed, durably stored local batch. Called
	// only after storage acknowledged the write.
	OnOwnBatch func(WorkerOwnBatchMessage)

	// OnOthersBatch reports a stored peer batch.
	OnOthersBatch func(WorkerOthersBatchMessage)

	Hooks  *Hooks
	Logger *zap.Logger
}

func (cfg *WorkerConfig) applyDefaults() {
	if cfg.BatchSizeLimit <= 0 {
		cfg.BatchSizeLimit = 512 * 1024
	}
	if cfg.MaxBatchTxs <= 0 {
		cfg.MaxBatchTxs = 500
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}
	if cfg.MaxPendingTxs <= 0 {
		cfg.MaxPendingTxs = 100000
	}
	if cfg.DisseminationRetries <= 0 {
		cfg.DisseminationRetries = 3
	}
	if cfg.DisseminationBackoff <= 0 {
		cfg.DisseminationBackoff = 50 * time.Millisecond
	}
	if cfg.RequestRate <= 0 {
		cfg.RequestRate = 100
	}
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = 200
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

// Worker accumulates client transactions into batches. A batch seals on
// the size, count or time threshold; it is durably stored before the
// primary hears about it or any peer receives it, so a digest referenced
// in a header is always backed by stored bytes. Thread-safe.
type Worker struct {
	cfg WorkerConfig

	mu           sync.Mutex
	pendingTxs   [][]byte
	pendingBytes int
	lastSeal     time.Time

	requestLimiter *PerPeerRateLimiter

	logger *zap.Logger

	sealedBatches   uint64
	receivedBatches uint64
	droppedTxs      uint64
	storeFailures   uint64
}

// NewWorker creates a worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	cfg.applyDefaults()
	if cfg.Storage == nil {
		return nil, fmt.Errorf("worker requires storage")
	}
	if cfg.Committee == nil {
		return nil, fmt.Errorf("worker requires a committee")
	}
	return &Worker{
		cfg:            cfg,
		lastSeal:       time.Now(),
		requestLimiter: NewPerPeerRateLimiter(cfg.RequestRate, cfg.RequestBurst),
		logger: cfg.Logger.With(
			zap.Uint16("worker", cfg.ID),
			zap.Uint16("authority", cfg.Authority)),
	}, nil
}

// AddTransaction queues a transaction, sealing a batch inline when a
// threshold is crossed.
func (w *Worker) AddTransaction(tx []byte) error {
	if len(tx) == 0 {
		return fmt.Errorf("%w: empty transaction", ErrMalformedMessage)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pendingTxs) >= w.cfg.MaxPendingTxs {
		w.droppedTxs++
		if w.cfg.DropOnFull {
			return nil
		}
		return fmt.Errorf("worker queue full (%d transactions)", len(w.pendingTxs))
	}

	w.pendingTxs = append(w.pendingTxs, tx)
	w.pendingBytes += len(tx)

	if len(w.pendingTxs) >= w.cfg.MaxBatchTxs || w.pendingBytes >= w.cfg.BatchSizeLimit {
		return w.sealLocked()
	}
	return nil
}

// Run seals pending transactions on the time threshold until the context
// ends.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.BatchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			if len(w.pendingTxs) > 0 && time.Since(w.lastSeal) >= w.cfg.BatchTimeout {
				if err := w.sealLocked(); err != nil {
					w.logger.Error("batch seal failed", zap.Error(err))
				}
			}
			w.mu.Unlock()
		}
	}
}

// sealLocked builds a batch from pending transactions, persists it, then
// reports and disseminates it. On a storage failure the transactions stay
// queued; nothing is announced for a digest the store has not
// acknowledged.
func (w *Worker) sealLocked() error {
	txs := w.pendingTxs
	batch := NewBatch(txs)

	if err := w.cfg.Storage.PutBatch(batch); err != nil {
		w.storeFailures++
		return fmt.Errorf("failed to store batch %s: %w", batch.Digest, err)
	}

	w.pendingTxs = nil
	w.pendingBytes = 0
	w.lastSeal = time.Now()
	w.sealedBatches++

	size := batch.Size()
	w.logger.Debug("sealed batch",
		zap.String("digest", batch.Digest.String()),
		zap.Int("transactions", len(txs)),
		zap.Int("bytes", size))
	w.cfg.Hooks.batchSealed(BatchSealedEvent{
		Digest:       batch.Digest,
		Worker:       w.cfg.ID,
		Transactions: len(txs),
		SizeBytes:    size,
	})

	if w.cfg.OnOwnBatch != nil {
		w.cfg.OnOwnBatch(WorkerOwnBatchMessage{
			Digest:   batch.Digest,
			Worker:   w.cfg.ID,
			Size:     uint32(size),
			Metadata: batch.Metadata,
			From:     w.cfg.Authority,
		})
	}

	w.disseminate(batch)
	return nil
}

// disseminate pushes the batch to every peer's same-id worker with a
// bounded retry budget. Best effort: peers that stay unreachable recover
// the batch through synchronization later.
func (w *Worker) disseminate(batch *Batch) {
	if w.cfg.Network == nil {
		return
	}
	for _, peer := range w.cfg.Committee.Others(w.cfg.Authority) {
		peer := peer
		SafeGo(w.logger, func() {
			backoff := w.cfg.DisseminationBackoff
			for attempt := 0; attempt < w.cfg.DisseminationRetries; attempt++ {
				if err := w.cfg.Network.SendBatch(peer, batch); err == nil {
					return
				}
				time.Sleep(backoff)
				backoff *= 2
			}
			w.logger.Debug("batch dissemination gave up",
				zap.Uint16("peer", peer),
				zap.String("digest", batch.Digest.String()))
		})
	}
}

// ReceivePeerBatch stores a batch pushed by a peer worker and reports it
// to the primary. Identical content is stored idempotently.
func (w *Worker) ReceivePeerBatch(batch *Batch, source AuthorityID) error {
	if err := batch.VerifyDigest(); err != nil {
		return err
	}

	batch.Metadata.ReceivedAt = uint64(time.Now().UnixMilli())
	if err := w.cfg.Storage.PutBatch(batch); err != nil {
		return fmt.Errorf("failed to store peer batch %s: %w", batch.Digest, err)
	}

	w.mu.Lock()
	w.receivedBatches++
	w.mu.Unlock()

	w.logger.Debug("stored peer batch",
		zap.String("digest", batch.Digest.String()),
		zap.Uint16("source", source))
	w.cfg.Hooks.batchReceived(BatchReceivedEvent{
		Digest: batch.Digest,
		Worker: w.cfg.ID,
		Source: source,
	})

	if w.cfg.OnOthersBatch != nil {
		w.cfg.OnOthersBatch(WorkerOthersBatchMessage{
			Digest: batch.Digest,
			Worker: w.cfg.ID,
			Source: source,
			From:   w.cfg.Authority,
		})
	}
	return nil
}

// ServeBatchRequest answers a peer's batch request, subject to the
// per-peer rate limit.
func (w *Worker) ServeBatchRequest(from AuthorityID, digest BatchDigest) (*Batch, error) {
	if !w.requestLimiter.Allow(from) {
		return nil, fmt.Errorf("peer %d rate limited", from)
	}
	return w.cfg.Storage.GetBatch(digest)
}

// ForceSeal seals whatever is pending regardless of thresholds. Reports
// whether a batch was produced.
func (w *Worker) ForceSeal() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pendingTxs) == 0 {
		return false, nil
	}
	if err := w.sealLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// PendingCount returns the number of queued transactions.
func (w *Worker) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pendingTxs)
}

// WorkerStats contains worker statistics.
type WorkerStats struct {
	PendingTxs      int
	PendingBytes    int
	SealedBatches   uint64
	ReceivedBatches uint64
	DroppedTxs      uint64
	StoreFailures   uint64
}

// Stats returns current statistics.
func (w *Worker) Stats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return WorkerStats{
		PendingTxs:      len(w.pendingTxs),
		PendingBytes:    w.pendingBytes,
		SealedBatches:   w.sealedBatches,
		ReceivedBatches: w.receivedBatches,
		DroppedTxs:      w.droppedTxs,
		StoreFailures:   w.storeFailures,
	}
}
