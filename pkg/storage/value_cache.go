// Strata caches value reads to reduce IO operations for frequently read keys.
// Cache is enabled by default but users may decide to disable the cache or adjust its capacity.
// Entries are addressed by their location, so a compaction or a reset, which renumber tables, purges the cache.

package storage

import (
	"bytes"
	"flag"
	"runtime"

	"github.com/nobletooth/strata/pkg/cache"
)

var (
	cacheEnabled  = flag.Bool("enable_value_cache", true, "Enable the SSTable value cache.")
	cacheCapacity = flag.Int("value_cache_capacity", 1024,
		"The maximum number of values to keep in each value cache shard; 0 or negative disables the cache.")
	cacheShardCount = flag.Int("value_cache_shard_count", runtime.NumCPU(),
		"The number of shards to keep in the value cache; 0 or negative disables the cache.")
)

// ValueCacheOptions configures a ValueCache.
type ValueCacheOptions struct {
	Enabled    bool
	Capacity   int // Per shard.
	ShardCount int
}

// valueLocation is the cache key of a value: the table holding it and its extent in the value file.
// An empty value shares its offset with the value written after it, so the length is part of the key.
type valueLocation struct{ level, table, offset, length uint64 }

// ValueCache is an in-memory cache of values read from SSTables.
type ValueCache struct {
	internalCache cache.Layer[valueLocation, []byte]
}

// NewValueCache instantiates a new ValueCache.
func NewValueCache(opts ValueCacheOptions) *ValueCache {
	// newCache builds a new CLOCK cache shard.
	newCache := func() cache.Layer[valueLocation, []byte] {
		return cache.NewClock(opts.Capacity, func(valueLocation, []byte) { valueCacheEvictions.Inc() })
	}

	var cacheLayer cache.Layer[valueLocation, []byte] = cache.NewNoOp[valueLocation, []byte]()
	if opts.Enabled && opts.Capacity > 0 && opts.ShardCount > 0 {
		if opts.ShardCount > 1 { // Sharded cache.
			cacheLayer = cache.NewSharded(newCache, opts.ShardCount, func(key valueLocation) uint64 {
				return cache.HashUint64(key.level, key.table, key.offset, key.length)
			})
		} else { // Single shard cache.
			cacheLayer = newCache()
		}
	}

	return &ValueCache{internalCache: cacheLayer}
}

// Get returns a copy of the cached value stored in `length` bytes at `offset` of the given table.
func (c *ValueCache) Get(level, table, offset, length uint64) ([]byte, bool) {
	value, found := c.internalCache.Get(valueLocation{level: level, table: table, offset: offset, length: length})
	if !found {
		valueCacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	valueCacheLookups.WithLabelValues("hit").Inc()
	return bytes.Clone(value), true
}

// Add caches a copy of `value`.
func (c *ValueCache) Add(level, table, offset uint64, value []byte) {
	location := valueLocation{level: level, table: table, offset: offset, length: uint64(len(value))}
	c.internalCache.Add(location, bytes.Clone(value))
}

// Purge drops every cached value.
func (c *ValueCache) Purge() {
	c.internalCache.Purge()
}
