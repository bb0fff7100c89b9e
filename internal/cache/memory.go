package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter"

	"github.com/konote/surveyengine/internal/observability"
	"github.com/konote/surveyengine/internal/triggers"
)

type memoryEntry struct {
	generation uint64
	rules      []triggers.RuleRecord
}

// MemoryCache is the L1 tier: an otter (S3-FIFO) cache of rule lists per
// filter key. Purge invalidates every entry at once by bumping a generation,
// so a load that raced with the purge can never be served afterwards.
type MemoryCache struct {
	store      otter.Cache[string, memoryEntry]
	generation atomic.Uint64
}

// NewMemoryCache builds an L1 cache holding at most capacity filter keys for ttl.
func NewMemoryCache(capacity int, ttl time.Duration) (*MemoryCache, error) {
	store, err := otter.MustBuilder[string, memoryEntry](capacity).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, err
	}
	return &MemoryCache{store: store}, nil
}

// Generation returns the token a loader must pass to Set.
func (c *MemoryCache) Generation() uint64 {
	return c.generation.Load()
}

// Get returns the cached rules for key, if present and not purged.
func (c *MemoryCache) Get(key string) ([]triggers.RuleRecord, bool) {
	e, ok := c.store.Get(key)
	if !ok || e.generation != c.generation.Load() {
		observability.CacheRequests.WithLabelValues("l1", "miss").Inc()
		return nil, false
	}
	observability.CacheRequests.WithLabelValues("l1", "hit").Inc()
	return e.rules, true
}

// Set stores rules loaded under generation. A stale generation is dropped.
func (c *MemoryCache) Set(key string, generation uint64, rules []triggers.RuleRecord) {
	if generation != c.generation.Load() {
		return
	}
	c.store.Set(key, memoryEntry{generation: generation, rules: rules})
}

// Purge invalidates every entry.
func (c *MemoryCache) Purge() {
	c.generation.Add(1)
	c.store.Clear()
}

// Len returns the number of stored entries, including purged ones not yet evicted.
func (c *MemoryCache) Len() int {
	return c.store.Size()
}

// RunMetricsCollector publishes the L1 size every interval until ctx is done.
func (c *MemoryCache) RunMetricsCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		observability.CacheItems.Set(float64(c.store.Size()))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close stops otter's background goroutines.
func (c *MemoryCache) Close() {
	c.store.Close()
}
