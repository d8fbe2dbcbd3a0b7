package braid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Burst(t *testing.T) {
	// Negligible refill rate: only the initial burst is spendable.
	r := NewRateLimiter(0.001, 3)

	assert.True(t, r.Allow())
	assert.True(t, r.Allow())
	assert.True(t, r.Allow())
	assert.False(t, r.Allow())

	stats := r.Stats()
	assert.Equal(t, uint64(3), stats.Allowed)
	assert.Equal(t, uint64(1), stats.Rejected)
}

func TestRateLimiter_AllowN(t *testing.T) {
	r := NewRateLimiter(0.001, 5)

	assert.True(t, r.AllowN(5))
	assert.False(t, r.AllowN(1))
}

func TestRateLimiter_Refills(t *testing.T) {
	r := NewRateLimiter(1000, 1)

	assert.True(t, r.Allow())
	assert.False(t, r.Allow())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, r.Allow())
}

func TestPerPeerRateLimiter_Isolation(t *testing.T) {
	p := NewPerPeerRateLimiter(0.001, 1)

	assert.True(t, p.Allow(0))
	assert.False(t, p.Allow(0))

	// Peer 1 has its own bucket.
	assert.True(t, p.Allow(1))
	assert.False(t, p.Allow(1))
}

func TestPerPeerRateLimiter_Reset(t *testing.T) {
	p := NewPerPeerRateLimiter(0.001, 1)

	assert.True(t, p.Allow(0))
	assert.False(t, p.Allow(0))

	p.Reset()
	assert.True(t, p.Allow(0))
}
