// Strata caches SSTable value reads in memory to avoid repeated seeks into value files.
// This module provides an interface on caching, making single shard cache
// and multi shard caches have the same API.

package cache

// Layer defines the interface for a generic key-value cache. This allows different cache implementations
// (e.g., CLOCK, simple map-based) to be used as shards within the Sharded.
type Layer[K comparable, V any] interface {
	// Get returns value from cache for given key and a boolean indicating whether key was found.
	Get(key K) (V, bool)
	// Add inserts a key-value pair into the cache. It returns true if an item was evicted.
	Add(key K, value V) bool
	Keys() []K // Returns a slice of all keys currently in the cache.
	Purge()    // Removes all items from the cache.
}

// NoOp is a cache layer that doesn't store any items.
// It is used when cache is disabled.
type NoOp[K comparable, V any] struct { // Implements Layer.
}

var _ Layer[int, int] = (*NoOp[int, int])(nil)

// NewNoOp returns a no-operation cache layer that does not store any items.
func NewNoOp[K comparable, V any]() *NoOp[K, V] {
	return &NoOp[K, V]{}
}

func (n *NoOp[K, V]) Get(K) (V, bool) {
	var zero V
	return zero, false
}

func (n *NoOp[K, V]) Add(K, V) bool { return false }

func (n *NoOp[K, V]) Keys() []K { return nil }

func (n *NoOp[K, V]) Purge() {}
