package braid

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PendingHeader is a header waiting for missing parent certificates.
type PendingHeader struct {
	Header *Header

	// From is the authority that sent this header.
	From AuthorityID

	// MissingParents are parent certificate digests not yet in the DAG.
	MissingParents []CertificateDigest

	ReceivedAt time.Time
	RetryCount int
}

// HeaderWaiterConfig configures the HeaderWaiter.
type HeaderWaiterConfig struct {
	// MaxPendingHeaders is the maximum number of headers to queue.
	// Beyond this limit the oldest header is dropped. Default 1000.
	MaxPendingHeaders int

	// RetryInterval is how often Run retries pending headers. Default 1s.
	RetryInterval time.Duration

	// MaxRetries drops a header after this many attempts. Default 10.
	MaxRetries int

	// MaxAge drops a header after waiting this long. Default 30s.
	MaxAge time.Duration

	// FetchParents enables proactive fetching of missing parents from the
	// header's sender.
	FetchParents bool
}

// DefaultHeaderWaiterConfig returns sensible defaults.
func DefaultHeaderWaiterConfig() HeaderWaiterConfig {
	return HeaderWaiterConfig{
		MaxPendingHeaders: 1000,
		RetryInterval:     time.Second,
		MaxRetries:        10,
		MaxAge:            30 * time.Second,
	}
}

// HeaderWaiter parks headers whose parent certificates have not arrived
// yet and retries them as parents become available. Headers referencing
// uncertified content carry a bounded retry budget; nothing vouches they
// will ever resolve. Thread-safe.
type HeaderWaiter struct {
	mu sync.Mutex

	cfg HeaderWaiterConfig

	pending map[HeaderDigest]*PendingHeader

	// byMissingParent maps a parent digest to headers waiting for it
	byMissingParent map[CertificateDigest][]*PendingHeader

	// processFunc runs when a header's parents are all available
	processFunc func(header *Header, from AuthorityID) error

	// checkParentFunc reports whether a parent certificate exists
	checkParentFunc func(digest CertificateDigest) bool

	// fetchParentFunc fetches a missing parent certificate (optional)
	fetchParentFunc func(digest CertificateDigest, from AuthorityID) error

	logger *zap.Logger

	totalReceived  uint64
	totalProcessed uint64
	totalDropped   uint64
	totalExpired   uint64
	totalFetched   uint64
}

// NewHeaderWaiter creates a HeaderWaiter.
func NewHeaderWaiter(
	cfg HeaderWaiterConfig,
	processFunc func(header *Header, from AuthorityID) error,
	checkParentFunc func(digest CertificateDigest) bool,
	logger *zap.Logger,
) *HeaderWaiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPendingHeaders <= 0 {
		cfg.MaxPendingHeaders = 1000
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * time.Second
	}

	return &HeaderWaiter{
		cfg:             cfg,
		pending:         make(map[HeaderDigest]*PendingHeader),
		byMissingParent: make(map[CertificateDigest][]*PendingHeader),
		processFunc:     processFunc,
		checkParentFunc: checkParentFunc,
		logger:          logger.With(zap.String("component", "header_waiter")),
	}
}

// SetFetchParentFunc sets the fetcher for missing parent certificates.
// Used only when FetchParents is enabled.
func (hw *HeaderWaiter) SetFetchParentFunc(fn func(digest CertificateDigest, from AuthorityID) error) {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	hw.fetchParentFunc = fn
}

// Run starts the periodic retry loop.
func (hw *HeaderWaiter) Run(ctx context.Context) {
	ticker := time.NewTicker(hw.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hw.retryPending()
		}
	}
}

// Add queues a header with missing parents. Returns false for duplicates.
func (hw *HeaderWaiter) Add(header *Header, from AuthorityID, missingParents []CertificateDigest) bool {
	hw.mu.Lock()
	defer hw.mu.Unlock()

	hw.totalReceived++

	if _, exists := hw.pending[header.Digest]; exists {
		return false
	}

	if len(hw.pending) >= hw.cfg.MaxPendingHeaders {
		hw.dropOldestLocked()
		hw.totalDropped++
	}

	pending := &PendingHeader{
		Header:         header,
		From:           from,
		MissingParents: missingParents,
		ReceivedAt:     time.Now(),
	}
	hw.pending[header.Digest] = pending

	for _, parent := range missingParents {
		hw.byMissingParent[parent] = append(hw.byMissingParent[parent], pending)
	}

	if hw.cfg.FetchParents && hw.fetchParentFunc != nil {
		go hw.fetchMissingParents(missingParents, from)
	}

	hw.logger.Debug("queued header with missing parents",
		zap.String("header", header.Digest.String()),
		zap.Int("missing_parents", len(missingParents)),
		zap.Int("pending_count", len(hw.pending)))

	return true
}

// OnParentAvailable should be called when a certificate enters the DAG.
// Headers waiting only for this parent get retried.
func (hw *HeaderWaiter) OnParentAvailable(parentDigest CertificateDigest) {
	hw.mu.Lock()
	defer hw.mu.Unlock()

	waiting := hw.byMissingParent[parentDigest]
	if len(waiting) == 0 {
		return
	}
	delete(hw.byMissingParent, parentDigest)

	for _, pending := range waiting {
		newMissing := pending.MissingParents[:0]
		for _, p := range pending.MissingParents {
			if p != parentDigest {
				newMissing = append(newMissing, p)
			}
		}
		pending.MissingParents = newMissing

		if len(pending.MissingParents) == 0 {
			hw.tryProcessLocked(pending)
		}
	}
}

// retryPending attempts to process all pending headers.
func (hw *HeaderWaiter) retryPending() {
	hw.mu.Lock()
	defer hw.mu.Unlock()

	now := time.Now()
	var toRemove []HeaderDigest

	for digest, pending := range hw.pending {
		if now.Sub(pending.ReceivedAt) > hw.cfg.MaxAge {
			toRemove = append(toRemove, digest)
			hw.totalExpired++
			hw.logger.Debug("pending header expired",
				zap.String("header", digest.String()),
				zap.Duration("age", now.Sub(pending.ReceivedAt)))
			continue
		}
		if pending.RetryCount >= hw.cfg.MaxRetries {
			toRemove = append(toRemove, digest)
			hw.totalDropped++
			hw.logger.Debug("pending header dropped after max retries",
				zap.String("header", digest.String()),
				zap.Int("retries", pending.RetryCount))
			continue
		}

		stillMissing := pending.MissingParents[:0]
		for _, parent := range pending.MissingParents {
			if !hw.checkParentFunc(parent) {
				stillMissing = append(stillMissing, parent)
			}
		}
		pending.MissingParents = stillMissing

		if len(stillMissing) == 0 {
			hw.tryProcessLocked(pending)
			if _, exists := hw.pending[digest]; !exists {
				continue
			}
		}

		pending.RetryCount++
	}

	for _, digest := range toRemove {
		hw.removePendingLocked(digest)
	}
}

func (hw *HeaderWaiter) tryProcessLocked(pending *PendingHeader) {
	digest := pending.Header.Digest

	if _, exists := hw.pending[digest]; !exists {
		return
	}

	if err := hw.processFunc(pending.Header, pending.From); err != nil {
		hw.logger.Debug("failed to process pending header",
			zap.String("header", digest.String()),
			zap.Error(err))
		return
	}

	hw.removePendingLocked(digest)
	hw.totalProcessed++

	hw.logger.Debug("processed pending header",
		zap.String("header", digest.String()),
		zap.Int("retry_count", pending.RetryCount),
		zap.Duration("wait_time", time.Since(pending.ReceivedAt)))
}

func (hw *HeaderWaiter) removePendingLocked(digest HeaderDigest) {
	pending, exists := hw.pending[digest]
	if !exists {
		return
	}

	for _, parent := range pending.MissingParents {
		waiting := hw.byMissingParent[parent]
		kept := waiting[:0]
		for _, p := range waiting {
			if p.Header.Digest != digest {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(hw.byMissingParent, parent)
		} else {
			hw.byMissingParent[parent] = kept
		}
	}

	delete(hw.pending, digest)
}

func (hw *HeaderWaiter) dropOldestLocked() {
	var oldest *PendingHeader
	var oldestKey HeaderDigest

	for key, pending := range hw.pending {
		if oldest == nil || pending.ReceivedAt.Before(oldest.ReceivedAt) {
			oldest = pending
			oldestKey = key
		}
	}
	if oldest != nil {
		hw.removePendingLocked(oldestKey)
		hw.logger.Debug("dropped oldest pending header",
			zap.String("header", oldestKey.String()))
	}
}

// fetchMissingParents runs off the caller's goroutine so queuing never
// blocks on the network.
func (hw *HeaderWaiter) fetchMissingParents(parents []CertificateDigest, from AuthorityID) {
	for _, parent := range parents {
		if hw.checkParentFunc(parent) {
			continue
		}

		if err := hw.fetchParentFunc(parent, from); err != nil {
			hw.logger.Debug("failed to fetch missing parent",
				zap.String("parent", parent.String()),
				zap.Uint16("from", from),
				zap.Error(err))
			continue
		}

		hw.mu.Lock()
		hw.totalFetched++
		hw.mu.Unlock()

		hw.OnParentAvailable(parent)
	}
}

// HeaderWaiterStats contains statistics for monitoring.
type HeaderWaiterStats struct {
	PendingCount   int
	TotalReceived  uint64
	TotalProcessed uint64
	TotalDropped   uint64
	TotalExpired   uint64
	TotalFetched   uint64
}

// Stats returns current statistics.
func (hw *HeaderWaiter) Stats() HeaderWaiterStats {
	hw.mu.Lock()
	defer hw.mu.Unlock()

	return HeaderWaiterStats{
		PendingCount:   len(hw.pending),
		TotalReceived:  hw.totalReceived,
		TotalProcessed: hw.totalProcessed,
		TotalDropped:   hw.totalDropped,
		TotalExpired:   hw.totalExpired,
		TotalFetched:   hw.totalFetched,
	}
}

// PendingCount returns the number of headers currently waiting.
func (hw *HeaderWaiter) PendingCount() int {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	return len(hw.pending)
}
