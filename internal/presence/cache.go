package presence

import (
	"sync"
	"time"

	"github.com/example/rider-sync/internal/models"
)

// queryCache memoizes nearby-query results for a short TTL.
type queryCache struct {
	mu    sync.Mutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  []models.DriverListing
	ts time.Time
}

func newQueryCache(ttl time.Duration) *queryCache {
	return &queryCache{store: make(map[string]cacheEntry), ttl: ttl}
}

// get returns the cached value if present and younger than the TTL.
func (c *queryCache) get(key string, now time.Time) ([]models.DriverListing, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.store[key]
	if !ok {
		return nil, false
	}
	if now.Sub(e.ts) >= c.ttl {
		delete(c.store, key)
		return nil, false
	}
	return e.v, true
}

func (c *queryCache) set(key string, v []models.DriverListing, now time.Time) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.store[key] = cacheEntry{v: v, ts: now}
	c.mu.Unlock()
}

func (c *queryCache) invalidate() {
	c.mu.Lock()
	clear(c.store)
	c.mu.Unlock()
}

func (c *queryCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.store)
}
