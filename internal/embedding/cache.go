package embedding

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheEntry is one cached embedding result.
type cacheEntry struct {
	embedding  []float32
	model      string
	insertedAt time.Time
}

// resultCache is a bounded LRU of embedding results with TTL expiry. A
// background sweeper removes entries older than the TTL; gets also check age
// so an expired entry never serves a hit between sweeps.
type resultCache struct {
	lru  *lru.Cache[string, cacheEntry]
	ttl  time.Duration
	stop chan struct{}
}

func newResultCache(size int, ttl time.Duration) *resultCache {
	c, err := lru.New[string, cacheEntry](size)
	if err != nil {
		// Only possible with a non-positive size, which NewService guards.
		panic(err)
	}
	rc := &resultCache{lru: c, ttl: ttl, stop: make(chan struct{})}
	go rc.sweep()
	return rc
}

func (c *resultCache) get(key string) (cacheEntry, bool) {
	entry, ok := c.lru.Get(key)
	if !ok {
		return cacheEntry{}, false
	}
	if time.Since(entry.insertedAt) > c.ttl {
		c.lru.Remove(key)
		return cacheEntry{}, false
	}
	return entry, true
}

func (c *resultCache) put(key string, entry cacheEntry) {
	c.lru.Add(key, entry)
}

func (c *resultCache) len() int { return c.lru.Len() }

// sweep removes expired entries periodically. The interval is a fraction of
// the TTL so staleness is bounded without hot looping.
func (c *resultCache) sweep() {
	interval := c.ttl / 10
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-c.ttl)
			for _, key := range c.lru.Keys() {
				if entry, ok := c.lru.Peek(key); ok && entry.insertedAt.Before(cutoff) {
					c.lru.Remove(key)
				}
			}
		}
	}
}

func (c *resultCache) close() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}
