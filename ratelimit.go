package braid

import (
	"sync"
	"sync/atomic"
	"time"
)

// RateLimiter is a token bucket. Thread-safe.
type RateLimiter struct {
	rate       float64 // tokens per second
	burst      int64
	tokens     float64
	lastUpdate time.Time

	mu sync.Mutex

	allowed  atomic.Uint64
	rejected atomic.Uint64
}

// NewRateLimiter creates a limiter refilling at rate tokens per second with
// the given burst capacity. The bucket starts full.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		burst:      int64(burst),
		tokens:     float64(burst),
		lastUpdate: time.Now(),
	}
}

// Allow consumes one token if available.
func (r *RateLimiter) Allow() bool {
	return r.AllowN(1)
}

// AllowN consumes n tokens if available.
func (r *RateLimiter) AllowN(n int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(r.lastUpdate).Seconds()
	r.lastUpdate = now

	r.tokens += elapsed * r.rate
	if r.tokens > float64(r.burst) {
		r.tokens = float64(r.burst)
	}

	if r.tokens >= float64(n) {
		r.tokens -= float64(n)
		r.allowed.Add(1)
		return true
	}

	r.rejected.Add(1)
	return false
}

// RateLimiterStats contains limiter statistics.
type RateLimiterStats struct {
	Allowed  uint64
	Rejected uint64
	Rate     float64
	Burst    int64
}

// Stats returns current statistics.
func (r *RateLimiter) Stats() RateLimiterStats {
	return RateLimiterStats{
		Allowed:  r.allowed.Load(),
		Rejected: r.rejected.Load(),
		Rate:     r.rate,
		Burst:    r.burst,
	}
}

// PerPeerRateLimiter maintains an independent token bucket per peer, used
// to guard batch and certificate request serving.
type PerPeerRateLimiter struct {
	mu       sync.RWMutex
	limiters map[AuthorityID]*RateLimiter
	rate     float64
	burst    int
}

// NewPerPeerRateLimiter creates a per-peer limiter factory.
func NewPerPeerRateLimiter(rate float64, burst int) *PerPeerRateLimiter {
	return &PerPeerRateLimiter{
		limiters: make(map[AuthorityID]*RateLimiter),
		rate:     rate,
		burst:    burst,
	}
}

// Allow consumes one token for the peer if available.
func (p *PerPeerRateLimiter) Allow(peer AuthorityID) bool {
	return p.AllowN(peer, 1)
}

// AllowN consumes n tokens for the peer if available.
func (p *PerPeerRateLimiter) AllowN(peer AuthorityID, n int) bool {
	return p.getLimiter(peer).AllowN(n)
}

func (p *PerPeerRateLimiter) getLimiter(peer AuthorityID) *RateLimiter {
	p.mu.RLock()
	limiter, exists := p.limiters[peer]
	p.mu.RUnlock()

	if exists {
		return limiter
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if limiter, exists = p.limiters[peer]; exists {
		return limiter
	}

	limiter = NewRateLimiter(p.rate, p.burst)
	p.limiters[peer] = limiter
	return limiter
}

// Reset drops all peer state.
func (p *PerPeerRateLimiter) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limiters = make(map[AuthorityID]*RateLimiter)
}
