package braid

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// GarbageCollectorConfig configures round-based pruning.
type GarbageCollectorConfig struct {
	DAG         *DAG
	Storage     Storage
	Aggregator  *Aggregator
	VoteTracker *VoteTracker

	// RetainRounds keeps this many rounds below the committed round so
	// lagging peers can still fetch recent history. Default 50.
	RetainRounds uint64

	// Interval between pruning passes in Run. Default 5s.
	Interval time.Duration

	// KeepBatch, when set, exempts a batch digest from pruning. Wired to
	// the synchronizer's in-flight set so a fetch never races its own GC.
	KeepBatch func(BatchDigest) bool

	Hooks  *Hooks
	Logger *zap.Logger
}

func (cfg *GarbageCollectorConfig) applyDefaults() {
	if cfg.RetainRounds == 0 {
		cfg.RetainRounds = 50
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

// GarbageCollector prunes DAG vertices, vote state and stored content
// below a watermark derived from the consumer's committed round. The
// watermark only moves forward; content at or above it is never touched.
// Thread-safe.
type GarbageCollector struct {
	cfg GarbageCollectorConfig

	mu             sync.Mutex
	committedRound Round
	watermark      Round

	logger *zap.Logger

	passes              uint64
	certificatesRemoved uint64
	storageErrors       uint64
}

// NewGarbageCollector creates a garbage collector.
func NewGarbageCollector(cfg GarbageCollectorConfig) *GarbageCollector {
	cfg.applyDefaults()
	return &GarbageCollector{cfg: cfg, logger: cfg.Logger}
}

// SetCommittedRound records the consumer's commit progress. Pruning never
// reaches above committed - RetainRounds. Moves only forward.
func (gc *GarbageCollector) SetCommittedRound(round Round) {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	if round > gc.committedRound {
		gc.committedRound = round
	}
}

// CommittedRound returns the last committed round reported.
func (gc *GarbageCollector) CommittedRound() Round {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.committedRound
}

// Watermark returns the current pruning watermark. Everything below it
// has been released.
func (gc *GarbageCollector) Watermark() Round {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.watermark
}

// Run prunes periodically until the context ends.
func (gc *GarbageCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(gc.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gc.Collect()
		}
	}
}

// Collect runs one pruning pass. Returns the number of certificates
// removed from the DAG.
func (gc *GarbageCollector) Collect() int {
	gc.mu.Lock()
	committed := gc.committedRound
	if committed <= Round(gc.cfg.RetainRounds) {
		gc.mu.Unlock()
		return 0
	}
	watermark := committed - Round(gc.cfg.RetainRounds)
	if watermark <= gc.watermark {
		gc.mu.Unlock()
		return 0
	}
	gc.watermark = watermark
	gc.passes++
	gc.mu.Unlock()

	removed := gc.cfg.DAG.GarbageCollect(watermark)
	if gc.cfg.Aggregator != nil {
		gc.cfg.Aggregator.GarbageCollect(watermark)
	}
	if gc.cfg.VoteTracker != nil {
		gc.cfg.VoteTracker.GarbageCollect(watermark)
	}

	if gc.cfg.Storage != nil {
		keep := gc.cfg.KeepBatch
		if keep == nil {
			keep = func(BatchDigest) bool { return false }
		}
		if err := gc.cfg.Storage.DeleteRoundsBelow(watermark, keep); err != nil {
			gc.mu.Lock()
			gc.storageErrors++
			gc.mu.Unlock()
			gc.logger.Error("storage pruning failed",
				zap.Uint64("watermark", watermark),
				zap.Error(err))
		}
	}

	gc.mu.Lock()
	gc.certificatesRemoved += uint64(removed)
	gc.mu.Unlock()

	gc.logger.Info("pruned rounds",
		zap.Uint64("watermark", watermark),
		zap.Int("certificates_removed", removed))
	gc.cfg.Hooks.garbageCollected(GarbageCollectedEvent{
		Watermark:           watermark,
		PrunedBelow:         watermark,
		CertificatesRemoved: removed,
	})

	return removed
}

// GarbageCollectorStats contains garbage collector statistics.
type GarbageCollectorStats struct {
	CommittedRound      Round
	Watermark           Round
	Passes              uint64
	CertificatesRemoved uint64
	StorageErrors       uint64
}

// Stats returns current statistics.
func (gc *GarbageCollector) Stats() GarbageCollectorStats {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	return GarbageCollectorStats{
		CommittedRound:      gc.committedRound,
		Watermark:           gc.watermark,
		Passes:              gc.passes,
		CertificatesRemoved: gc.certificatesRemoved,
		StorageErrors:       gc.storageErrors,
	}
}
