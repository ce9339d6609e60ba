// Package cache stores raw upstream response bodies so idempotent reads
// can be replayed without touching an endpoint.
package cache

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// DefaultMaxBytes bounds the total cost of cached bodies when Config
// leaves MaxBytes unset.
const DefaultMaxBytes = 64 << 20

// Key builds the lookup key for one cacheable response. The NUL separator
// keeps crafted paths from colliding across services.
func Key(service, method, path string) string {
	return service + "\x00" + method + "\x00" + path
}

// Config sizes the cache.
type Config struct {
	// MaxBytes is the summed size of stored bodies the cache may hold.
	MaxBytes int64
	// NumCounters sizes the admission sketch. Zero derives it from
	// MaxBytes assuming ~4KiB bodies.
	NumCounters int64
}

// Cache is a TTL-bounded response store. Entries are admitted by
// frequency, so a cold key may be dropped instead of stored; callers must
// treat Set as best effort.
type Cache struct {
	inner *ristretto.Cache
}

// New builds a cache. The returned cache must be Closed when done.
func New(cfg Config) (*Cache, error) {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = cfg.MaxBytes / 4096 * 10
		if cfg.NumCounters < 1024 {
			cfg.NumCounters = 1024
		}
	}
	inner, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{inner: inner}, nil
}

// Get returns the body stored under key. The returned slice is shared;
// callers must not mutate it.
func (c *Cache) Get(key string) ([]byte, bool) {
	val, found := c.inner.Get(key)
	if !found {
		return nil, false
	}
	body, ok := val.([]byte)
	return body, ok
}

// Set stores body under key for ttl. A non-positive ttl stores nothing.
// The cache takes ownership of body.
func (c *Cache) Set(key string, body []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.inner.SetWithTTL(key, body, int64(len(body)), ttl)
}

// Delete drops the entry under key if present.
func (c *Cache) Delete(key string) {
	c.inner.Del(key)
}

// Wait blocks until buffered writes have been applied. Mostly for tests.
func (c *Cache) Wait() {
	c.inner.Wait()
}

// Close releases the cache's resources.
func (c *Cache) Close() {
	c.inner.Close()
}

// Stats reports cumulative hit/miss counts and the hit ratio.
func (c *Cache) Stats() (hits, misses uint64, ratio float64) {
	m := c.inner.Metrics
	return m.Hits(), m.Misses(), m.Ratio()
}
