package braid

import (
	"container/list"
	"sync"
)

// LRUCache is a generic thread-safe LRU cache.
type LRUCache[K comparable, V any] struct {
	mu       sync.RWMutex
	capacity int
	items    map[K]*list.Element
	order    *list.List // Front = most recent, Back = least recent

	hits   uint64
	misses uint64
	evicts uint64
}

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// NewLRUCache creates an LRU cache. Capacity must be at least 1.
func NewLRUCache[K comparable, V any](capacity int) *LRUCache[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &LRUCache[K, V]{
		capacity: capacity,
		items:    make(map[K]*list.Element),
		order:    list.New(),
	}
}

// Get retrieves a value, promoting it to most recently used.
func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		c.hits++
		return elem.Value.(*lruEntry[K, V]).value, true
	}

	c.misses++
	var zero V
	return zero, false
}

// Peek retrieves a value without touching the LRU order.
func (c *LRUCache[K, V]) Peek(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if elem, ok := c.items[key]; ok {
		return elem.Value.(*lruEntry[K, V]).value, true
	}

	var zero V
	return zero, false
}

// Put adds or updates a value, evicting the least recently used entry when
// at capacity. Reports the eviction if one occurred.
func (c *LRUCache[K, V]) Put(key K, value V) (evictedKey K, evictedValue V, evicted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*lruEntry[K, V]).value = value
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			entry := oldest.Value.(*lruEntry[K, V])
			delete(c.items, entry.key)
			c.order.Remove(oldest)
			c.evicts++
			evictedKey = entry.key
			evictedValue = entry.value
			evicted = true
		}
	}

	entry := &lruEntry[K, V]{key: key, value: value}
	c.items[key] = c.order.PushFront(entry)
	return
}

// Remove deletes an entry, reporting whether it existed.
func (c *LRUCache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		delete(c.items, key)
		c.order.Remove(elem)
		return true
	}
	return false
}

// Contains checks membership without touching the LRU order.
func (c *LRUCache[K, V]) Contains(key K) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.items[key]
	return ok
}

// Len returns the current number of entries.
func (c *LRUCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}

// Clear removes all entries.
func (c *LRUCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[K]*list.Element)
	c.order = list.New()
}

// LRUCacheStats contains cache statistics.
type LRUCacheStats struct {
	Size     int
	Capacity int
	Hits     uint64
	Misses   uint64
	Evicts   uint64
	HitRate  float64
}

// Stats returns current statistics.
func (c *LRUCache[K, V]) Stats() LRUCacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.hits + c.misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	return LRUCacheStats{
		Size:     c.order.Len(),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
		Evicts:   c.evicts,
		HitRate:  hitRate,
	}
}

// CertificateCache keeps recently touched certificates in memory so DAG
// lookups for hot digests avoid storage round-trips.
type CertificateCache struct {
	cache *LRUCache[CertificateDigest, *Certificate]
}

// NewCertificateCache creates a certificate cache with the given capacity.
func NewCertificateCache(capacity int) *CertificateCache {
	return &CertificateCache{
		cache: NewLRUCache[CertificateDigest, *Certificate](capacity),
	}
}

// Get retrieves a certificate by digest.
func (c *CertificateCache) Get(digest CertificateDigest) (*Certificate, bool) {
	return c.cache.Get(digest)
}

// Put adds a certificate.
func (c *CertificateCache) Put(cert *Certificate) {
	c.cache.Put(cert.Digest(), cert)
}

// Contains checks membership.
func (c *CertificateCache) Contains(digest CertificateDigest) bool {
	return c.cache.Contains(digest)
}

// Remove evicts a certificate.
func (c *CertificateCache) Remove(digest CertificateDigest) bool {
	return c.cache.Remove(digest)
}

// Len returns the number of cached certificates.
func (c *CertificateCache) Len() int { return c.cache.Len() }

// Stats returns cache statistics.
func (c *CertificateCache) Stats() LRUCacheStats { return c.cache.Stats() }

// Clear removes all cached certificates.
func (c *CertificateCache) Clear() { c.cache.Clear() }
