package cache

import (
	"sync"
	"time"
)

// CacheItem represents a cached item with expiration
type CacheItem[V any] struct {
	Value     V
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (item *CacheItem[V]) expired(now time.Time) bool {
	return !now.Before(item.ExpiresAt)
}

// Cache is a thread-safe in-memory cache with TTL support.
// Expired entries are swept lazily on writes, so no background goroutine is needed.
type Cache[V any] struct {
	items      map[string]*CacheItem[V]
	mu         sync.Mutex
	defaultTTL time.Duration
	now        func() time.Time
	writes     int
}

// NewCache creates a new cache with default TTL
func NewCache[V any](defaultTTL time.Duration) *Cache[V] {
	return &Cache[V]{
		items:      make(map[string]*CacheItem[V]),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// SetClock replaces the time source; used by tests.
func (c *Cache[V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get retrieves a value from cache
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	item, exists := c.items[key]
	if !exists || item.expired(c.now()) {
		return zero, false
	}
	return item.Value, true
}

// Set stores a value in cache with default TTL
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, c.defaultTTL)
}

// SeenWithin records key and reports whether an unexpired entry already existed.
// The window is not extended by repeated hits.
func (c *Cache[V]) SeenWithin(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, exists := c.items[key]; exists && !item.expired(c.now()) {
		return true
	}
	var zero V
	c.setLocked(key, zero, c.defaultTTL)
	return false
}

func (c *Cache[V]) setLocked(key string, value V, ttl time.Duration) {
	now := c.now()
	c.items[key] = &CacheItem[V]{
		Value:     value,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}

	c.writes++
	if c.writes%64 == 0 {
		c.sweepLocked(now)
	}
}

func (c *Cache[V]) sweepLocked(now time.Time) {
	for key, item := range c.items {
		if item.expired(now) {
			delete(c.items, key)
		}
	}
}

// Delete removes a key from cache
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear removes all items from cache
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*CacheItem[V])
}

// Size returns the number of unexpired items in cache
func (c *Cache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(c.now())
	return len(c.items)
}
