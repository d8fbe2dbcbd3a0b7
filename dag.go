package braid

import (
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// sortCertificates orders certificates by (round, author) so read surfaces
// are deterministic.
func sortCertificates(certs []*Certificate) {
	slices.SortFunc(certs, func(a, b *Certificate) int {
		if a.Header.Round != b.Header.Round {
			if a.Header.Round < b.Header.Round {
				return -1
			}
			return 1
		}
		if a.Header.Author < b.Header.Author {
			return -1
		}
		if a.Header.Author > b.Header.Author {
			return 1
		}
		return 0
	})
}

// EquivocationEvidence is proof of an author producing two certified
// headers at the same round.
type EquivocationEvidence struct {
	Author       AuthorityID
	Round        Round
	Certificate1 *Certificate
	Certificate2 *Certificate
}

// PendingCertificate is a certificate parked until its missing parents
// arrive.
type PendingCertificate struct {
	Certificate    *Certificate
	MissingParents []CertificateDigest
}

// DAG indexes certificates by (round, author) and by digest, enforcing the
// parent-quorum invariant: a certificate at round r > 0 enters only when
// all its parents from round r-1 are present and their combined stake
// reaches the committee's quorum threshold. Certificates with unresolved
// parents are parked; certificates whose resolved parents fall short of
// quorum are rejected. Thread-safe.
type DAG struct {
	mu sync.RWMutex

	// round -> author -> certificate
	vertices map[Round]map[AuthorityID]*Certificate

	byDigest map[CertificateDigest]*Certificate

	// uncommitted holds certificates the ordering layer has not consumed
	uncommitted map[CertificateDigest]*Certificate

	// pending holds certificates waiting for parents
	pending map[CertificateDigest]*PendingCertificate

	// highestByAuthor tracks each author's highest certified round
	highestByAuthor map[AuthorityID]Round

	// currentRound advances when certified stake at the current round
	// reaches quorum
	currentRound Round

	// gcRound is the pruning watermark; rounds below it are gone
	gcRound Round

	committee *Committee
	hooks     *Hooks
	logger    *zap.Logger

	// certCache keeps hot certificates for lock-free digest lookups
	certCache *CertificateCache

	// roundEvents collects round advances under the lock; Insert fires
	// them after unlocking so hook callbacks may call back into the DAG
	roundEvents []RoundAdvancedEvent
}

// DAGCacheConfig configures the optional certificate lookup cache.
type DAGCacheConfig struct {
	Enabled  bool
	Capacity int // default 10000 when enabled
}

// DefaultDAGCacheConfig returns the default cache configuration.
func DefaultDAGCacheConfig() DAGCacheConfig {
	return DAGCacheConfig{Enabled: true, Capacity: 10000}
}

// NewDAG creates a DAG for a committee.
func NewDAG(committee *Committee, logger *zap.Logger) *DAG {
	return NewDAGWithOptions(committee, nil, nil, logger)
}

// NewDAGWithOptions creates a DAG with hooks and an optional lookup cache.
func NewDAGWithOptions(committee *Committee, hooks *Hooks, cacheConfig *DAGCacheConfig, logger *zap.Logger) *DAG {
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &DAG{
		vertices:        make(map[Round]map[AuthorityID]*Certificate),
		byDigest:        make(map[CertificateDigest]*Certificate),
		uncommitted:     make(map[CertificateDigest]*Certificate),
		pending:         make(map[CertificateDigest]*PendingCertificate),
		highestByAuthor: make(map[AuthorityID]Round),
		committee:       committee,
		hooks:           hooks,
		logger:          logger,
	}

	if cacheConfig != nil && cacheConfig.Enabled {
		capacity := cacheConfig.Capacity
		if capacity <= 0 {
			capacity = 10000
		}
		d.certCache = NewCertificateCache(capacity)
		logger.Debug("DAG certificate cache enabled", zap.Int("capacity", capacity))
	}

	return d
}

// Insert adds a certificate to the DAG. Duplicates are no-ops. A
// certificate with unresolved parents is parked and retried as parents
// arrive. Equivocations and parent sets below quorum stake are rejected
// without mutating state.
func (d *DAG) Insert(cert *Certificate) error {
	d.mu.Lock()
	err := d.insertLocked(cert)
	events := d.roundEvents
	d.roundEvents = nil
	d.mu.Unlock()

	for _, e := range events {
		d.hooks.roundAdvanced(e)
	}
	return err
}

func (d *DAG) insertLocked(cert *Certificate) error {
	digest := cert.Digest()
	round := cert.Round()
	author := cert.Author()

	if _, exists := d.byDigest[digest]; exists {
		return nil
	}
	if _, exists := d.pending[digest]; exists {
		return nil
	}
	if round < d.gcRound {
		// Below the pruning watermark, no longer interesting
		return nil
	}

	if existing := d.vertices[round][author]; existing != nil {
		if existing.Digest() != digest {
			d.logger.Warn("equivocation detected",
				zap.Uint16("author", author),
				zap.Uint64("round", round),
				zap.String("existing", existing.Digest().String()),
				zap.String("conflicting", digest.String()))
			d.hooks.equivocationDetected(EquivocationDetectedEvent{
				Author:      author,
				Round:       round,
				Existing:    existing.Header.Digest,
				Conflicting: cert.Header.Digest,
			})
			return &EquivocationError{
				Author:      author,
				Round:       round,
				Existing:    existing.Header.Digest,
				Conflicting: cert.Header.Digest,
			}
		}
	}

	if round > 0 {
		var missing []CertificateDigest
		var parentStake uint64
		for _, parentDigest := range cert.Header.Parents {
			parent, exists := d.byDigest[parentDigest]
			if !exists {
				missing = append(missing, parentDigest)
				continue
			}
			if parent.Round() != round-1 {
				return fmt.Errorf("%w: parent %s at round %d, expected %d",
					ErrMalformedMessage, parentDigest, parent.Round(), round-1)
			}
			parentStake += d.committee.Stake(parent.Author())
		}

		if len(missing) > 0 {
			d.pending[digest] = &PendingCertificate{
				Certificate:    cert,
				MissingParents: missing,
			}
			d.logger.Debug("certificate pending on missing parents",
				zap.Uint64("round", round),
				zap.Uint16("author", author),
				zap.Int("missing", len(missing)))
			d.hooks.certificatePending(CertificatePendingEvent{
				Digest:         digest,
				Round:          round,
				MissingParents: len(missing),
			})
			return nil
		}

		if quorum := d.committee.QuorumThreshold(); parentStake < quorum {
			return fmt.Errorf("certificate %s parent set below quorum: %w",
				digest, &QuorumError{Have: parentStake, Need: quorum})
		}
	}

	if d.vertices[round] == nil {
		d.vertices[round] = make(map[AuthorityID]*Certificate)
	}
	d.vertices[round][author] = cert
	d.byDigest[digest] = cert
	d.uncommitted[digest] = cert
	if prev, ok := d.highestByAuthor[author]; !ok || round > prev {
		d.highestByAuthor[author] = round
	}
	if d.certCache != nil {
		d.certCache.Put(cert)
	}

	d.maybeAdvanceRoundLocked()

	d.logger.Debug("inserted certificate",
		zap.Uint64("round", round),
		zap.Uint16("author", author),
		zap.String("digest", digest.String()))

	d.processPendingLocked()

	return nil
}

// processPendingLocked retries parked certificates whose parents may have
// just arrived.
func (d *DAG) processPendingLocked() {
	for {
		progress := false
		for digest, p := range d.pending {
			resolved := true
			for _, parent := range p.MissingParents {
				if _, exists := d.byDigest[parent]; !exists {
					resolved = false
					break
				}
			}
			if !resolved {
				continue
			}

			delete(d.pending, digest)
			if err := d.insertLocked(p.Certificate); err != nil {
				d.logger.Warn("dropping previously pending certificate",
					zap.String("digest", digest.String()),
					zap.Error(err))
			}
			progress = true
			break // map was modified, restart iteration
		}
		if !progress {
			return
		}
	}
}

// maybeAdvanceRoundLocked advances while the certified stake at the
// current round reaches quorum.
func (d *DAG) maybeAdvanceRoundLocked() {
	quorum := d.committee.QuorumThreshold()
	for {
		roundCerts := d.vertices[d.currentRound]
		if roundCerts == nil {
			return
		}
		var stake uint64
		for author := range roundCerts {
			stake += d.committee.Stake(author)
		}
		if stake < quorum {
			return
		}

		d.currentRound++
		d.logger.Info("advanced to round",
			zap.Uint64("round", d.currentRound),
			zap.Uint64("certified_stake", stake))
		d.roundEvents = append(d.roundEvents, RoundAdvancedEvent{
			Round:          d.currentRound,
			CertifiedStake: stake,
		})
	}
}

// IsCertified reports whether a certificate with this digest is in the DAG.
func (d *DAG) IsCertified(digest CertificateDigest) bool {
	if d.certCache != nil && d.certCache.Contains(digest) {
		return true
	}

	d.mu.RLock()
	_, exists := d.byDigest[digest]
	d.mu.RUnlock()
	return exists
}

// Certificate retrieves a certificate by digest, or nil.
func (d *DAG) Certificate(digest CertificateDigest) *Certificate {
	if d.certCache != nil {
		if cert, ok := d.certCache.Get(digest); ok {
			return cert
		}
	}

	d.mu.RLock()
	cert := d.byDigest[digest]
	d.mu.RUnlock()

	if cert != nil && d.certCache != nil {
		d.certCache.Put(cert)
	}
	return cert
}

// CurrentRound returns the round this node is collecting certificates for.
func (d *DAG) CurrentRound() Round {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.currentRound
}

// Parents returns the certificate digests from the round before the
// current one, in author order, together with their combined stake. A
// proposer uses them as the parent set once the stake reaches quorum.
func (d *DAG) Parents() ([]CertificateDigest, uint64) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.currentRound == 0 {
		return nil, 0
	}

	certs := d.vertices[d.currentRound-1]
	if certs == nil {
		return nil, 0
	}

	parents := make([]CertificateDigest, 0, len(certs))
	var stake uint64
	for i := 0; i < d.committee.Size(); i++ {
		if cert, exists := certs[AuthorityID(i)]; exists {
			parents = append(parents, cert.Digest())
			stake += d.committee.Stake(AuthorityID(i))
		}
	}
	return parents, stake
}

// CertificatesForRound returns the round's certificates in author order.
func (d *DAG) CertificatesForRound(round Round) []*Certificate {
	d.mu.RLock()
	defer d.mu.RUnlock()

	roundCerts := d.vertices[round]
	if roundCerts == nil {
		return nil
	}

	certs := make([]*Certificate, 0, len(roundCerts))
	for i := 0; i < d.committee.Size(); i++ {
		if cert, exists := roundCerts[AuthorityID(i)]; exists {
			certs = append(certs, cert)
		}
	}
	return certs
}

// HighestCertifiedRound returns the highest round at which the author has
// a certificate in the DAG, and whether any exists.
func (d *DAG) HighestCertifiedRound(author AuthorityID) (Round, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	round, ok := d.highestByAuthor[author]
	return round, ok
}

// Uncommitted returns certificates the ordering layer has not yet
// consumed, sorted by (round, author).
func (d *DAG) Uncommitted() []*Certificate {
	d.mu.RLock()
	defer d.mu.RUnlock()

	certs := make([]*Certificate, 0, len(d.uncommitted))
	for _, cert := range d.uncommitted {
		certs = append(certs, cert)
	}
	sortCertificates(certs)
	return certs
}

// MarkCommitted removes certificates from the uncommitted view once the
// ordering layer has consumed them.
func (d *DAG) MarkCommitted(certs []*Certificate) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, cert := range certs {
		delete(d.uncommitted, cert.Digest())
	}
}

// PendingCertificates returns the certificates parked on missing parents.
func (d *DAG) PendingCertificates() []*PendingCertificate {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]*PendingCertificate, 0, len(d.pending))
	for _, p := range d.pending {
		result = append(result, p)
	}
	return result
}

// MissingParents returns the distinct parent digests the parked
// certificates are waiting for.
func (d *DAG) MissingParents() []CertificateDigest {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := make(map[CertificateDigest]bool)
	var missing []CertificateDigest
	for _, p := range d.pending {
		for _, parent := range p.MissingParents {
			if seen[parent] {
				continue
			}
			seen[parent] = true
			if _, exists := d.byDigest[parent]; !exists {
				missing = append(missing, parent)
			}
		}
	}
	return missing
}

// GarbageCollect removes all rounds strictly below beforeRound, including
// parked certificates from those rounds.
func (d *DAG) GarbageCollect(beforeRound Round) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for round := d.gcRound; round < beforeRound; round++ {
		roundCerts := d.vertices[round]
		if roundCerts == nil {
			continue
		}
		for author, cert := range roundCerts {
			digest := cert.Digest()
			delete(d.byDigest, digest)
			delete(d.uncommitted, digest)
			if d.certCache != nil {
				d.certCache.Remove(digest)
			}
			if d.highestByAuthor[author] == round {
				delete(d.highestByAuthor, author)
			}
			removed++
		}
		delete(d.vertices, round)
	}
	for digest, p := range d.pending {
		if p.Certificate.Round() < beforeRound {
			delete(d.pending, digest)
		}
	}
	if beforeRound > d.gcRound {
		d.gcRound = beforeRound
	}

	d.logger.Info("garbage collected",
		zap.Uint64("before_round", beforeRound),
		zap.Int("removed", removed))
	return removed
}

// DAGStats contains DAG statistics for monitoring.
type DAGStats struct {
	CurrentRound     Round
	GCRound          Round
	TotalVertices    int
	UncommittedCount int
	PendingCount     int
	RoundCounts      map[Round]int
	CacheStats       *LRUCacheStats // nil when caching is disabled
}

// Stats returns current statistics.
func (d *DAG) Stats() DAGStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	roundCounts := make(map[Round]int)
	for round, certs := range d.vertices {
		roundCounts[round] = len(certs)
	}

	stats := DAGStats{
		CurrentRound:     d.currentRound,
		GCRound:          d.gcRound,
		TotalVertices:    len(d.byDigest),
		UncommittedCount: len(d.uncommitted),
		PendingCount:     len(d.pending),
		RoundCounts:      roundCounts,
	}

	if d.certCache != nil {
		cacheStats := d.certCache.Stats()
		stats.CacheStats = &cacheStats
	}

	return stats
}
