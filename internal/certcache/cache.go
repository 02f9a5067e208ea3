// Package certcache implements the generic cache container behind the
// engine's four certificate/session caches, and the manager that owns
// and garbage-collects all four together.
package certcache

import "sync"

// Cache is a generic, thread-safe map-backed cache parameterized by a
// comparable key type K and a value type V, plus two policy hooks that
// carry the behavior the original twelve-hook design needed:
//
//   - FreeVal releases ownership of a value being evicted (a refcount
//     decrement for reference-counted values, a no-op otherwise).
//   - Verify is consulted both on Get (to decide whether a found entry
//     is still good to hand out) and on GC (to decide whether an
//     entry should survive a sweep). The forRetain flag distinguishes
//     the two call sites, since a cache may apply different checks to
//     each (the forged-cert cache accepts any non-nil bundle on Get but
//     on GC keeps only bundles still referenced outside the cache).
//
// Go's native map already provides the begin/end/exist/iterate/get/put/
// del primitives the original's generic cache needed hooks for; only
// the two policy hooks remain as actual decision points.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]V

	FreeVal func(V)
	Verify  func(v V, forRetain bool) (V, bool)
}

// New creates an empty Cache. FreeVal and Verify may be nil, in which
// case FreeVal is a no-op and Verify always accepts the stored value.
func New[K comparable, V any](freeVal func(V), verify func(V, bool) (V, bool)) *Cache[K, V] {
	c := &Cache[K, V]{
		entries: make(map[K]V),
		FreeVal: freeVal,
		Verify:  verify,
	}
	if c.FreeVal == nil {
		c.FreeVal = func(V) {}
	}
	if c.Verify == nil {
		c.Verify = func(v V, _ bool) (V, bool) { return v, true }
	}
	return c
}

// Get looks up key. If found, the value is passed through Verify(v,
// true); a failing verify deletes the entry (after releasing it via
// FreeVal) and Get reports a miss.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	verified, ok := c.Verify(v, true)
	if !ok {
		c.FreeVal(v)
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return verified, true
}

// Set inserts or overwrites the entry for key. Overwriting releases
// the previous value via FreeVal first.
func (c *Cache[K, V]) Set(key K, val V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.FreeVal(old)
	}
	c.entries[key] = val
}

// Del removes the entry for key, if present, releasing its value via FreeVal.
func (c *Cache[K, V]) Del(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.FreeVal(old)
		delete(c.entries, key)
	}
}

// GC sweeps every entry, passing each value through Verify(v, false);
// entries that fail are released via FreeVal and removed. It returns
// the number of entries evicted.
func (c *Cache[K, V]) GC() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for key, v := range c.entries {
		if _, ok := c.Verify(v, false); !ok {
			c.FreeVal(v)
			delete(c.entries, key)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of entries currently cached.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close releases every remaining entry via FreeVal and empties the cache.
func (c *Cache[K, V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, v := range c.entries {
		c.FreeVal(v)
		delete(c.entries, key)
	}
}
