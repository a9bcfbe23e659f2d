package cache

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Cache is an explicit cache-aside wrapper: Get returns the cached value for
// a key if it is younger than the TTL, otherwise it calls the loader and
// caches the result. Loader errors are never cached.
type Cache[K comparable, V any] struct {
	ttl  time.Duration
	load func(K) (V, error)

	mu      sync.Mutex
	entries map[K]entry[V]

	hits   atomic.Int64
	misses atomic.Int64

	now func() time.Time
}

type entry[V any] struct {
	val     V
	expires time.Time
}

// New creates a cache around the loader.
func New[K comparable, V any](ttl time.Duration, load func(K) (V, error)) *Cache[K, V] {
	return &Cache[K, V]{
		ttl:     ttl,
		load:    load,
		entries: make(map[K]entry[V]),
		now:     time.Now,
	}
}

// Get returns the value for key, loading it on a miss or after expiry.
// The loader runs under the cache lock, serializing concurrent misses for
// the same and different keys; loaders here are cheap metric reads.
func (c *Cache[K, V]) Get(key K) (V, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && c.now().Before(e.expires) {
		c.hits.Add(1)
		return e.val, nil
	}
	c.misses.Add(1)

	val, err := c.load(key)
	if err != nil {
		var zero V
		log.Debugf("cache load failed for %v: %v", key, err)
		return zero, err
	}

	c.entries[key] = entry[V]{val: val, expires: c.now().Add(c.ttl)}
	return val, nil
}

// Invalidate drops the entry for key.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Stats returns lifetime hit and miss counts.
func (c *Cache[K, V]) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
