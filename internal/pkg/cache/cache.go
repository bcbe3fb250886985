// Package cache provides an in-memory snapshot cache that is reloaded as a whole.
package cache

import (
	"sync"
	"time"
)

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

// Cache holds a keyed snapshot with a single load timestamp.
// Entries are never refreshed one by one: Replace swaps the whole snapshot.
type Cache[K comparable, V any] struct {
	mu       sync.RWMutex
	items    map[K]V
	order    []K
	loadedAt time.Time
	loaded   bool
	ttl      time.Duration
	now      Clock
}

// New creates a cache whose snapshot goes stale after ttl.
func New[K comparable, V any](ttl time.Duration, now Clock) *Cache[K, V] {
	if now == nil {
		now = time.Now
	}
	return &Cache[K, V]{items: map[K]V{}, ttl: ttl, now: now}
}

// Replace installs a new snapshot. keys preserves the load order for Values.
func (c *Cache[K, V]) Replace(keys []K, items map[K]V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = items
	c.order = keys
	c.loadedAt = c.now()
	c.loaded = true
}

// Get returns the value for key and the age of the snapshot it came from.
func (c *Cache[K, V]) Get(key K) (V, time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, c.now().Sub(c.loadedAt), ok
}

// Values returns every cached value in load order.
func (c *Cache[K, V]) Values() []V {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]V, 0, len(c.order))
	for _, k := range c.order {
		if v, ok := c.items[k]; ok {
			out = append(out, v)
		}
	}
	return out
}

// Find returns the first value in load order matching pred.
func (c *Cache[K, V]) Find(pred func(V) bool) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, k := range c.order {
		if v, ok := c.items[k]; ok && pred(v) {
			return v, true
		}
	}
	var zero V
	return zero, false
}

// Fresh reports whether a snapshot is loaded and younger than the TTL.
func (c *Cache[K, V]) Fresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded && c.now().Sub(c.loadedAt) < c.ttl
}

// Age returns the time since the last Replace, or false if nothing was loaded yet.
func (c *Cache[K, V]) Age() (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded {
		return 0, false
	}
	return c.now().Sub(c.loadedAt), true
}

// Clear drops the snapshot so the next access reloads.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = map[K]V{}
	c.order = nil
	c.loaded = false
}
