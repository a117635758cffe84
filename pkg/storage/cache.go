package storage

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// entityCache is a bounded read-through cache in front of a Store. It wraps
// go-cache with a FIFO key list so the entry count never exceeds maxSize.
// Writes replace entries rather than invalidating them, so a read that
// follows a write sees the written value.
type entityCache struct {
	mu      sync.Mutex
	backing *gocache.Cache
	order   []string
	maxSize int

	hits   uint64
	misses uint64
}

func newEntityCache(maxSize int, ttl time.Duration) *entityCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &entityCache{
		backing: gocache.New(ttl, 2*ttl),
		maxSize: maxSize,
	}
}

func (c *entityCache) get(key string) (any, bool) {
	v, ok := c.backing.Get(key)
	c.mu.Lock()
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
	return v, ok
}

func (c *entityCache) put(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.backing.Get(key); !exists {
		c.order = append(c.order, key)
		for len(c.order) > c.maxSize {
			evict := c.order[0]
			c.order = c.order[1:]
			c.backing.Delete(evict)
		}
	}
	c.backing.SetDefault(key, v)
}

func (c *entityCache) drop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backing.Delete(key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *entityCache) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backing.Flush()
	c.order = nil
}

func (c *entityCache) stats() (hits, misses uint64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.backing.ItemCount()
}
