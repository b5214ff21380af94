// This module implements a CLOCK (second-chance) cache.
// The cache keeps its entries on a circular list and a "hand" sweeps over them when room is needed:
//   - If the entry under the hand is referenced, its reference bit is cleared and the hand moves on.
//   - Otherwise, the entry is evicted and its node is reused for the incoming key.
//
// Values read from SSTables never change for a given location until a compaction renames the tables, at which point
// the whole cache is purged; hence there is no expiry.

package cache

import (
	"maps"
	"slices"
	"sync"

	"github.com/nobletooth/strata/pkg/utils"
)

// clockEntry is a single cached item with its CLOCK reference bit.
type clockEntry[K comparable, V any] struct {
	key   K
	value V
	ref   bool // Set on Get; gives the entry a second chance before eviction.
}

// Clock is a thread-safe, fixed-capacity, in-memory cache with CLOCK eviction.
type Clock[K comparable, V any] struct {
	mux      sync.Mutex
	capacity int
	hand     *linkedListNode[*clockEntry[K, V]] // Next candidate for eviction.
	index    map[K]*linkedListNode[*clockEntry[K, V]]
	ring     *linkedList[*clockEntry[K, V]]
	// evictionCallback runs while the cache lock is held; it must not call back into the cache.
	evictionCallback func(K, V)
}

var _ Layer[int, int] = (*Clock[int, int])(nil)

// NewClock is the constructor for Clock. Non-positive capacities are raised to 1.
func NewClock[K comparable, V any](capacity int, evictionCallback func(K, V)) *Clock[K, V] {
	if capacity <= 0 {
		utils.RaiseInvariant("clock", "non_positive_cache_capacity",
			"Invalid capacity has been given to clock cache.", "capacity", capacity)
		capacity = 1
	}
	return &Clock[K, V]{
		capacity:         capacity,
		index:            make(map[K]*linkedListNode[*clockEntry[K, V]], capacity),
		ring:             new(linkedList[*clockEntry[K, V]]),
		evictionCallback: evictionCallback,
	}
}

// Get retrieves a value from the cache and marks it as recently used.
func (c *Clock[K, V]) Get(key K) (V, bool /*found*/) {
	c.mux.Lock()
	defer c.mux.Unlock()

	entry, found := c.index[key]
	if !found {
		return *new(V), false
	}
	entry.Value.ref = true
	return entry.Value.value, true
}

// Add inserts or updates a key-value pair, evicting an unreferenced entry when the cache is full.
func (c *Clock[K, V]) Add(key K, value V) /*evictionOccurred*/ bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	if entry, found := c.index[key]; found {
		entry.Value.value = value
		return false
	}

	if c.ring.Len() < c.capacity {
		entry := c.ring.PushBack(&clockEntry[K, V]{key: key, value: value})
		c.index[key] = entry
		if c.hand == nil {
			c.hand = entry
		}
		return false
	}

	for {
		entry := c.hand
		c.hand = c.ring.NextCircular(entry)
		if entry.Value.ref {
			entry.Value.ref = false
			continue
		}
		evictedKey, evictedValue := entry.Value.key, entry.Value.value
		delete(c.index, evictedKey)
		entry.Value.key, entry.Value.value = key, value
		c.index[key] = entry
		if c.evictionCallback != nil {
			c.evictionCallback(evictedKey, evictedValue)
		}
		return true
	}
}

// Len returns the number of cached entries.
func (c *Clock[K, V]) Len() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.ring.Len()
}

func (c *Clock[K, V]) Keys() []K {
	c.mux.Lock()
	defer c.mux.Unlock()
	return slices.Collect(maps.Keys(c.index))
}

// Purge drops every entry; the eviction callback is not called for purged entries.
func (c *Clock[K, V]) Purge() {
	c.mux.Lock()
	defer c.mux.Unlock()
	clear(c.index)
	c.ring.Clear()
	c.hand = nil
}
