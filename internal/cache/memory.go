package cache

import (
	"context"
	"sync"
	"time"
)

// InMemoryCache implements Cache using a map with TTL-based lazy expiration.
// Expired entries count as misses on read and are removed on access;
// Sweep may additionally be run periodically to bound memory. An optional
// capacity cap evicts the entry closest to expiry when full.
type InMemoryCache struct {
	mu         sync.RWMutex
	data       map[string]entry
	hits       uint64
	misses     uint64
	maxEntries int // 0 = unbounded
	now        func() time.Time
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// NewInMemoryCache creates an unbounded in-memory cache.
func NewInMemoryCache() *InMemoryCache {
	return NewInMemoryCacheWithCapacity(0)
}

// NewInMemoryCacheWithCapacity creates an in-memory cache holding at most
// maxEntries entries (0 = unbounded).
func NewInMemoryCacheWithCapacity(maxEntries int) *InMemoryCache {
	return &InMemoryCache{
		data:       make(map[string]entry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns the cached payload for key if present and unexpired.
// Every call increments either the hit or the miss counter.
func (c *InMemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	e, ok := c.data[key]
	c.mu.RUnlock()

	now := c.now()
	if ok && now.Before(e.expiresAt) {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return e.value, true, nil
	}

	c.mu.Lock()
	c.misses++
	if ok {
		// Expired; remove lazily unless it was replaced since the read.
		if cur, still := c.data[key]; still && !now.Before(cur.expiresAt) {
			delete(c.data, key)
		}
	}
	c.mu.Unlock()
	return nil, false, nil
}

// Set inserts or overwrites the entry for key with expiry now+ttl.
// A non-positive ttl stores nothing.
func (c *InMemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxEntries > 0 && len(c.data) >= c.maxEntries {
		if _, exists := c.data[key]; !exists {
			c.evictSoonestLocked()
		}
	}
	c.data[key] = entry{value: value, expiresAt: c.now().Add(ttl)}
	return nil
}

// Stats returns the current counters. Entries counts stored entries
// including any not yet lazily evicted.
func (c *InMemoryCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Hits:    c.hits,
		Misses:  c.misses,
		Entries: len(c.data),
		HitRate: hitRate(c.hits, c.misses),
	}
}

// Sweep removes all expired entries and returns how many were removed.
// Optional; correctness does not depend on it.
func (c *InMemoryCache) Sweep(ctx context.Context) int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.data {
		if !now.Before(e.expiresAt) {
			delete(c.data, k)
			removed++
		}
	}
	return removed
}

// evictSoonestLocked removes the entry with the earliest expiry.
// Must be called with the write lock held.
func (c *InMemoryCache) evictSoonestLocked() {
	var victim string
	var soonest time.Time
	first := true
	for k, e := range c.data {
		if first || e.expiresAt.Before(soonest) {
			victim, soonest = k, e.expiresAt
			first = false
		}
	}
	if !first {
		delete(c.data, victim)
	}
}

var _ Cache = (*InMemoryCache)(nil)
