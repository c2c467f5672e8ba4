// Package dedup provides the TTL set that suppresses replayed frame ids.
package dedup

import (
	"sync"
	"time"
)

const (
	minTTL = time.Second
	// sweepRatio is the fill fraction that triggers a full expired-entry
	// sweep after a mutation.
	sweepRatio = 0.9
)

// Cache is a TTL set keyed by opaque strings. Expired entries are evicted
// lazily on lookup, plus in bulk once the set fills past 90% of cap. A
// disabled cache never reports membership, so every frame passes.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	cap     int
	entries map[string]time.Time
	enabled bool

	now func() time.Time
}

// New creates an enabled cache. TTL below one second and cap below one are
// raised to those minimums.
func New(ttl time.Duration, capacity int) *Cache {
	if ttl < minTTL {
		ttl = minTTL
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		ttl:     ttl,
		cap:     capacity,
		entries: make(map[string]time.Time),
		enabled: true,
		now:     time.Now,
	}
}

// Disabled returns a no-op cache: Has is always false, Add always true.
func Disabled() *Cache {
	return &Cache{now: time.Now}
}

func (c *Cache) expiredLocked(insertedAt, now time.Time) bool {
	return now.Sub(insertedAt) > c.ttl
}

func (c *Cache) maybeSweepLocked(now time.Time) {
	if float64(len(c.entries)) < sweepRatio*float64(c.cap) {
		return
	}
	for k, t := range c.entries {
		if c.expiredLocked(t, now) {
			delete(c.entries, k)
		}
	}
}

// Has reports membership, lazily evicting the entry when its TTL lapsed.
func (c *Cache) Has(key string) bool {
	if !c.enabled {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	insertedAt, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.expiredLocked(insertedAt, now) {
		delete(c.entries, key)
		return false
	}
	return true
}

// Add records the key and returns true, or returns false when the key is
// already present and live. Check and insert happen under one lock, so
// concurrent adds of the same key admit exactly one caller.
func (c *Cache) Add(key string) bool {
	if !c.enabled {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if insertedAt, ok := c.entries[key]; ok && !c.expiredLocked(insertedAt, now) {
		return false
	}
	c.entries[key] = now
	c.maybeSweepLocked(now)
	return true
}

// Delete removes a key.
func (c *Cache) Delete(key string) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear empties the set.
func (c *Cache) Clear() {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]time.Time)
}

// Size returns the number of stored entries, expired ones included until a
// lookup or sweep removes them.
func (c *Cache) Size() int {
	if !c.enabled {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Enabled reports whether the cache tracks anything at all.
func (c *Cache) Enabled() bool { return c.enabled }
