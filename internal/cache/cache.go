package cache

import (
	"context"
	"time"
)

// Cache stores canonical (metric) response payloads keyed by request
// fingerprint, with per-entry TTL. Get reports a hit only for an unexpired
// entry; expired entries are treated as absent. Implementations must be safe
// for concurrent use, and a Get/Set pair on the same key must never observe
// a torn payload.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Stats() Stats
}

// Stats is a read-only snapshot of cache effectiveness counters.
// HitRate is 0 when no lookups have occurred.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Entries int     `json:"totalEntries"`
	HitRate float64 `json:"hitRate"`
}

// hitRate computes hits/(hits+misses), avoiding division by zero.
func hitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
