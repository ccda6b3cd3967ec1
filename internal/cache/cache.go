// Package cache memoizes similarity results keyed by fingerprint and result size.
package cache

import (
	"container/list"
	"strconv"
	"sync"
	"time"

	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/phash"
)

const (
	// DefaultTTL is how long an entry stays valid when no TTL is configured.
	DefaultTTL = 10 * time.Minute
	// MinTTL is the smallest accepted TTL.
	MinTTL = time.Second
	// DefaultCapacity is the number of entries kept when no capacity is configured.
	DefaultCapacity = 256
	// MinCapacity is the smallest accepted capacity.
	MinCapacity = 32
)

// ResultCache stores ranked results. Implementations need not be linearizable:
// concurrent misses for one key may both compute and the last Put wins.
type ResultCache interface {
	Get(key string) ([]models.ScoredProduct, bool)
	Put(key string, results []models.ScoredProduct)
}

// Key builds the cache key for a query fingerprint and result size.
func Key(fp phash.Fingerprint, k int) string {
	return string(fp) + "|k=" + strconv.Itoa(k)
}

// MemoryCache is an in-process ResultCache with per-entry TTL. When full, the
// oldest inserted entry is evicted regardless of how recently it was read.
type MemoryCache struct {
	ttl      time.Duration
	capacity int
	now      func() time.Time
	entries  map[string]*list.Element
	order    *list.List // front = oldest insertion
	mu       sync.Mutex
}

type cacheEntry struct {
	key       string
	value     []models.ScoredProduct
	expiresAt time.Time
}

// Option configures a MemoryCache.
type Option func(*MemoryCache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *MemoryCache) { c.now = now }
}

// NewMemoryCache creates a cache. ttl below MinTTL and capacity below
// MinCapacity are raised to the minimum; zero values select the defaults.
func NewMemoryCache(ttl time.Duration, capacity int, opts ...Option) *MemoryCache {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if ttl < MinTTL {
		ttl = MinTTL
	}
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	c := &MemoryCache{
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the cached results for key if present and not expired.
// An entry is valid while now <= expiresAt.
func (c *MemoryCache) Get(key string) ([]models.ScoredProduct, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.now().After(entry.expiresAt) {
		c.order.Remove(elem)
		delete(c.entries, key)
		return nil, false
	}
	return clone(entry.value), true
}

// Put stores results for key. Overwriting an existing key refreshes its value
// and expiry but keeps its original insertion position.
func (c *MemoryCache) Put(key string, results []models.ScoredProduct) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value = clone(results)
		entry.expiresAt = expiresAt
		return
	}

	for c.order.Len() >= c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
	c.entries[key] = c.order.PushBack(&cacheEntry{key: key, value: clone(results), expiresAt: expiresAt})
}

// Len returns the number of stored entries, including expired ones not yet purged.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// TTL returns the configured entry lifetime.
func (c *MemoryCache) TTL() time.Duration {
	return c.ttl
}

// Capacity returns the maximum number of entries.
func (c *MemoryCache) Capacity() int {
	return c.capacity
}

func clone(in []models.ScoredProduct) []models.ScoredProduct {
	out := make([]models.ScoredProduct, len(in))
	copy(out, in)
	return out
}
