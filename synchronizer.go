package braid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SynchronizerConfig configures cross-authority fetching.
type SynchronizerConfig struct {
	Authority AuthorityID
	Committee *Committee
	Network   Network
	Storage   Storage

	// RetryDelay is the initial backoff between attempts, doubled each
	// attempt. Default 200ms.
	RetryDelay time.Duration

	// MaxRetryDelay caps the backoff. Default 10s.
	MaxRetryDelay time.Duration

	// MaxUncertifiedAttempts bounds attempts for content nothing vouches
	// for yet. Certified content retries until the context ends. Default 5.
	MaxUncertifiedAttempts int

	// MaxConcurrent bounds in-flight fetches. Default 16.
	MaxConcurrent int

	Hooks  *Hooks
	Logger *zap.Logger
}

func (cfg *SynchronizerConfig) applyDefaults() {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 10 * time.Second
	}
	if cfg.MaxUncertifiedAttempts <= 0 {
		cfg.MaxUncertifiedAttempts = 5
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

type batchWaiter struct {
	batch *Batch
	err   error
	done  chan struct{}
}

type certWaiter struct {
	cert *Certificate
	err  error
	done chan struct{}
}

// Synchronizer fetches missing batches and certificates from peers.
// Concurrent requests for the same digest coalesce into one fetch.
// Certified content (a quorum vouches for its availability) retries
// indefinitely with capped exponential backoff, rotating over peers;
// uncertified content gets a bounded attempt budget. Fetched content is
// digest-verified, and certificates quorum-verified, before storage sees
// it. The set of batch digests still being fetched is exposed so GC never
// prunes content a pending request is about to rely on. Thread-safe.
type Synchronizer struct {
	cfg SynchronizerConfig

	mu              sync.Mutex
	inflightBatches map[BatchDigest]*batchWaiter
	inflightCerts   map[CertificateDigest]*certWaiter

	sem chan struct{}

	logger *zap.Logger

	batchFetches   uint64
	certFetches    uint64
	fetchFailures  uint64
	coalescedWaits uint64
}

// NewSynchronizer creates a synchronizer.
func NewSynchronizer(cfg SynchronizerConfig) *Synchronizer {
	cfg.applyDefaults()
	return &Synchronizer{
		cfg:             cfg,
		inflightBatches: make(map[BatchDigest]*batchWaiter),
		inflightCerts:   make(map[CertificateDigest]*certWaiter),
		sem:             make(chan struct{}, cfg.MaxConcurrent),
		logger:          cfg.Logger,
	}
}

// SyncBatches fetches every digest in a synchronize command, preferring
// the target authority. Returns the joined errors of failed digests.
func (s *Synchronizer) SyncBatches(ctx context.Context, msg *WorkerSynchronizeMessage) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, digest := range msg.Digests {
		digest := digest
		wg.Add(1)
		SafeGo(s.logger, func() {
			defer wg.Done()
			if _, err := s.FetchBatch(ctx, digest, msg.Target, msg.IsCertified); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("batch %s: %w", digest, err))
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}

// FetchBatch returns the batch for a digest, fetching from peers when it
// is not local.
func (s *Synchronizer) FetchBatch(ctx context.Context, digest BatchDigest, target AuthorityID, certified bool) (*Batch, error) {
	if batch, err := s.cfg.Storage.GetBatch(digest); err == nil {
		return batch, nil
	}

	s.mu.Lock()
	if w, ok := s.inflightBatches[digest]; ok {
		s.coalescedWaits++
		s.mu.Unlock()
		select {
		case <-w.done:
			return w.batch, w.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	w := &batchWaiter{done: make(chan struct{})}
	s.inflightBatches[digest] = w
	s.mu.Unlock()

	w.batch, w.err = s.fetchBatchRemote(ctx, digest, target, certified)

	s.mu.Lock()
	delete(s.inflightBatches, digest)
	s.mu.Unlock()
	close(w.done)

	return w.batch, w.err
}

func (s *Synchronizer) fetchBatchRemote(ctx context.Context, digest BatchDigest, target AuthorityID, certified bool) (*Batch, error) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.cfg.Hooks.fetchStarted(FetchStartedEvent{
		Kind:      "batch",
		Digest:    digest.String(),
		Target:    target,
		Certified: certified,
	})
	start := time.Now()

	peers := s.peerRotation(target)
	backoff := s.cfg.RetryDelay
	attempts := 0

	for {
		for _, peer := range peers {
			attempts++
			batch, err := s.cfg.Network.FetchBatch(peer, digest)
			if err == nil && batch != nil {
				if verr := batch.VerifyDigest(); verr != nil || batch.Digest != digest {
					s.logger.Warn("fetched batch failed digest check",
						zap.Uint16("peer", peer),
						zap.String("digest", digest.String()))
					continue
				}
				batch.Metadata.ReceivedAt = uint64(time.Now().UnixMilli())
				if perr := s.cfg.Storage.PutBatch(batch); perr != nil {
					s.finish("batch", digest.String(), attempts, false, start)
					return nil, fmt.Errorf("failed to store fetched batch: %w", perr)
				}
				s.mu.Lock()
				s.batchFetches++
				s.mu.Unlock()
				s.finish("batch", digest.String(), attempts, true, start)
				return batch, nil
			}
			if !certified && attempts >= s.cfg.MaxUncertifiedAttempts {
				s.finish("batch", digest.String(), attempts, false, start)
				return nil, fmt.Errorf("batch %s after %d attempts: %w",
					digest, attempts, ErrNotFound)
			}
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			s.finish("batch", digest.String(), attempts, false, start)
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > s.cfg.MaxRetryDelay {
			backoff = s.cfg.MaxRetryDelay
		}
	}
}

// FetchCertificate returns the certificate for a digest, fetching and
// quorum-verifying it when it is not local. Fetched certificates are
// stored marked VerifiedDirectly.
func (s *Synchronizer) FetchCertificate(ctx context.Context, digest CertificateDigest, target AuthorityID, certified bool) (*Certificate, error) {
	if cert, err := s.cfg.Storage.GetCertificate(digest); err == nil {
		return cert, nil
	}

	s.mu.Lock()
	if w, ok := s.inflightCerts[digest]; ok {
		s.coalescedWaits++
		s.mu.Unlock()
		select {
		case <-w.done:
			return w.cert, w.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	w := &certWaiter{done: make(chan struct{})}
	s.inflightCerts[digest] = w
	s.mu.Unlock()

	w.cert, w.err = s.fetchCertRemote(ctx, digest, target, certified)

	s.mu.Lock()
	delete(s.inflightCerts, digest)
	s.mu.Unlock()
	close(w.done)

	return w.cert, w.err
}

func (s *Synchronizer) fetchCertRemote(ctx context.Context, digest CertificateDigest, target AuthorityID, certified bool) (*Certificate, error) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.cfg.Hooks.fetchStarted(FetchStartedEvent{
		Kind:      "certificate",
		Digest:    digest.String(),
		Target:    target,
		Certified: certified,
	})
	start := time.Now()

	peers := s.peerRotation(target)
	backoff := s.cfg.RetryDelay
	attempts := 0

	for {
		for _, peer := range peers {
			attempts++
			cert, err := s.cfg.Network.FetchCertificate(peer, digest)
			if err == nil && cert != nil {
				if cert.Digest() != digest {
					s.logger.Warn("fetched certificate digest mismatch",
						zap.Uint16("peer", peer),
						zap.String("digest", digest.String()))
					continue
				}
				if verr := cert.Verify(s.cfg.Committee); verr != nil {
					s.logger.Warn("fetched certificate failed verification",
						zap.Uint16("peer", peer),
						zap.String("digest", digest.String()),
						zap.Error(verr))
					continue
				}
				cert.VerificationState = VerificationStateVerifiedDirectly
				if perr := s.cfg.Storage.PutCertificate(cert); perr != nil {
					s.finish("certificate", digest.String(), attempts, false, start)
					return nil, fmt.Errorf("failed to store fetched certificate: %w", perr)
				}
				s.mu.Lock()
				s.certFetches++
				s.mu.Unlock()
				s.finish("certificate", digest.String(), attempts, true, start)
				return cert, nil
			}
			if !certified && attempts >= s.cfg.MaxUncertifiedAttempts {
				s.finish("certificate", digest.String(), attempts, false, start)
				return nil, fmt.Errorf("certificate %s after %d attempts: %w",
					digest, attempts, ErrNotFound)
			}
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			s.finish("certificate", digest.String(), attempts, false, start)
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > s.cfg.MaxRetryDelay {
			backoff = s.cfg.MaxRetryDelay
		}
	}
}

// peerRotation orders peers starting with the preferred target.
func (s *Synchronizer) peerRotation(target AuthorityID) []AuthorityID {
	peers := make([]AuthorityID, 0, s.cfg.Committee.Size())
	if target != s.cfg.Authority && s.cfg.Committee.Contains(target) {
		peers = append(peers, target)
	}
	for _, peer := range s.cfg.Committee.Others(s.cfg.Authority) {
		if peer != target {
			peers = append(peers, peer)
		}
	}
	return peers
}

func (s *Synchronizer) finish(kind, digest string, attempts int, success bool, start time.Time) {
	if !success {
		s.mu.Lock()
		s.fetchFailures++
		s.mu.Unlock()
	}
	s.cfg.Hooks.fetchCompleted(FetchCompletedEvent{
		Kind:     kind,
		Digest:   digest,
		Attempts: attempts,
		Success:  success,
		Elapsed:  time.Since(start),
	})
}

// ReferencesBatch reports whether a fetch for this digest is in flight.
// GC keeps such batches out of a pruning pass.
func (s *Synchronizer) ReferencesBatch(digest BatchDigest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflightBatches[digest]
	return ok
}

// SynchronizerStats contains synchronizer statistics.
type SynchronizerStats struct {
	InflightBatches      int
	InflightCertificates int
	BatchFetches         uint64
	CertificateFetches   uint64
	FetchFailures        uint64
	CoalescedWaits       uint64
}

// Stats returns current statistics.
func (s *Synchronizer) Stats() SynchronizerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SynchronizerStats{
		InflightBatches:      len(s.inflightBatches),
		InflightCertificates: len(s.inflightCerts),
		BatchFetches:         s.batchFetches,
		CertificateFetches:   s.certFetches,
		FetchFailures:        s.fetchFailures,
		CoalescedWaits:       s.coalescedWaits,
	}
}
