package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value      V
	expiresAt  time.Time
	insertedAt time.Time
}

// TTL is a minimal in-memory cache with per-entry expiry and oldest-first
// eviction once max size is exceeded.
type TTL[K comparable, V any] struct {
	mu       sync.Mutex
	maxItems int
	data     map[K]entry[V]
}

// NewTTL constructs a TTL cache holding at most maxItems entries.
func NewTTL[K comparable, V any](maxItems int) *TTL[K, V] {
	if maxItems < 1 {
		maxItems = 1
	}
	return &TTL[K, V]{
		maxItems: maxItems,
		data:     make(map[K]entry[V]),
	}
}

// Get returns the cached value if present and not expired.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !e.expiresAt.After(time.Now()) {
		delete(c.data, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for ttl. A non-positive ttl expires immediately.
func (c *TTL[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if ttl < 0 {
		ttl = 0
	}
	c.data[key] = entry[V]{value: value, expiresAt: now.Add(ttl), insertedAt: now}
	c.evictLocked()
}

// Delete removes key if present.
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// Len reports the number of entries, expired ones included.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func (c *TTL[K, V]) evictLocked() {
	for len(c.data) > c.maxItems {
		var oldest K
		var oldestAt time.Time
		first := true
		for k, e := range c.data {
			if first || e.insertedAt.Before(oldestAt) {
				oldest, oldestAt = k, e.insertedAt
				first = false
			}
		}
		delete(c.data, oldest)
	}
}
