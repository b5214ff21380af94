// This module implements cache sharding which distributes keys uniformly across cache shards. Each shard has its own
// mutex, so readers hitting different shards don't contend on a single lock.

package cache

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/nobletooth/strata/pkg/utils"
)

// Sharded distributes keys across multiple underlying cache layers (shards).
type Sharded[K comparable, V any] struct { // Implements Layer.
	shards []Layer[K, V]
	hash   func(key K) uint64 // Helps choose the shards index.
}

var _ Layer[int, int] = (*Sharded[int, int])(nil)

// NewSharded is the constructor for Sharded. `newShard` builds each shard; `hash` may be nil, in which case a
// hash is picked by the key type.
func NewSharded[K comparable, V any](newShard func() Layer[K, V], shardCount int,
	hash func(key K) uint64) *Sharded[K, V] {
	if shardCount <= 0 {
		utils.RaiseInvariant("shard", "non_positive_shard_count",
			"Invalid shard count has been given to sharded cache.", "shardCount", shardCount)
		shardCount = 1
	}
	sharded := &Sharded[K, V]{shards: make([]Layer[K, V], shardCount), hash: hash}
	for i := range shardCount {
		sharded.shards[i] = newShard()
	}
	if sharded.hash == nil {
		sharded.hash = defaultHash[K]()
	}
	return sharded
}

// defaultHash returns an xxhash based hash function for the key type K.
func defaultHash[K comparable]() func(key K) uint64 {
	switch any(*new(K)).(type) {
	case string:
		return func(key K) uint64 { return xxhash.Sum64String(any(key).(string)) }
	case uint64:
		return func(key K) uint64 { return HashUint64(any(key).(uint64)) }
	case int:
		return func(key K) uint64 {
			// Since int's size is architecture-dependent, we cast it to a fixed-size type before hashing.
			return HashUint64(uint64(any(key).(int)))
		}
	default:
		// Works for any printable type (e.g. structs) at the cost of an allocation.
		return func(key K) uint64 { return xxhash.Sum64String(fmt.Sprintf("%#v", key)) }
	}
}

// HashUint64 hashes the little-endian encoding of `words`.
func HashUint64(words ...uint64) uint64 {
	digest := xxhash.New()
	var b [8]byte
	for _, word := range words {
		binary.LittleEndian.PutUint64(b[:], word)
		_, _ = digest.Write(b[:])
	}
	return digest.Sum64()
}

// getShard maps the key's hash to a shard.
func (c *Sharded[K, V]) getShard(key K) Layer[K, V] {
	return c.shards[c.hash(key)%uint64(len(c.shards))]
}

func (c *Sharded[K, V]) Get(key K) (V, bool /*found*/) {
	return c.getShard(key).Get(key)
}

func (c *Sharded[K, V]) Add(key K, value V) /*evictionOccurred*/ bool {
	return c.getShard(key).Add(key, value)
}

// Keys aggregates the keys from all shards into a single slice.
func (c *Sharded[K, V]) Keys() []K {
	keys := make([]K, 0)
	for _, shard := range c.shards {
		keys = append(keys, shard.Keys()...)
	}
	return keys
}

func (c *Sharded[K, V]) Purge() {
	for _, shard := range c.shards {
		shard.Purge()
	}
}
