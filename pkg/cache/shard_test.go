package cache

import (
	"fmt"
	"maps"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

// fakeCache is a simple map-based implementation of the Layer interface for testing purposes. It is not thread-safe.
type fakeCache[K comparable, V any] struct {
	items map[K]V
}

func newFakeCache[K comparable, V any]() Layer[K, V] {
	return &fakeCache[K, V]{items: make(map[K]V)}
}

func (m *fakeCache[K, V]) Get(key K) (V, bool /*found*/) {
	val, found := m.items[key]
	return val, found
}

func (m *fakeCache[K, V]) Add(key K, value V) bool {
	m.items[key] = value
	return false
}

func (m *fakeCache[K, V]) Keys() []K {
	return slices.Collect(maps.Keys(m.items))
}

func (m *fakeCache[K, V]) Purge() {
	m.items = make(map[K]V)
}

func TestSharded_AddAndGet(t *testing.T) {
	sc := NewSharded(newFakeCache[string, int], 10, nil /*hash*/)
	t.Run("existing_key", func(t *testing.T) {
		sc.Add("hello", 123)
		got, found := sc.Get("hello")
		assert.True(t, found, "Expected to find key %q", "hello")
		assert.Equal(t, 123, got)
	})
	t.Run("non_existent_key", func(t *testing.T) {
		_, found := sc.Get("non-existent")
		assert.False(t, found)
	})
}

func TestSharded_KeyTypes(t *testing.T) {
	type location struct{ level, table, offset uint64 }

	t.Run("uint64", func(t *testing.T) {
		sc := NewSharded(newFakeCache[uint64, string], 8, nil /*hash*/)
		sc.Add(42, "v")
		got, found := sc.Get(42)
		assert.True(t, found)
		assert.Equal(t, "v", got)
	})
	t.Run("struct", func(t *testing.T) {
		sc := NewSharded(newFakeCache[location, string], 8, nil /*hash*/)
		sc.Add(location{level: 1, table: 2, offset: 3}, "v")
		got, found := sc.Get(location{level: 1, table: 2, offset: 3})
		assert.True(t, found)
		assert.Equal(t, "v", got)
		_, found = sc.Get(location{level: 1, table: 2, offset: 4})
		assert.False(t, found)
	})
	t.Run("custom_hash", func(t *testing.T) {
		sc := NewSharded(newFakeCache[location, string], 8, func(l location) uint64 {
			return HashUint64(l.level, l.table, l.offset)
		})
		sc.Add(location{level: 0, table: 1, offset: 0}, "v")
		_, found := sc.Get(location{level: 0, table: 1, offset: 0})
		assert.True(t, found)
	})
}

func TestSharded_KeysAndPurge(t *testing.T) {
	sc := NewSharded(newFakeCache[string, int], 4 /*shardCount*/, nil /*hash*/)
	expectedKeys := []string{"a", "b", "c", "d", "e", "f", "g"}
	for i, key := range expectedKeys {
		sc.Add(key, i)
	}
	assert.ElementsMatch(t, expectedKeys, sc.Keys())

	sc.Purge()
	assert.Empty(t, sc.Keys(), "Expected keys to be empty after purge")
	_, found := sc.Get("a")
	assert.False(t, found)
}

// TestSharded_Distribution verifies that keys are distributed across multiple shards.
func TestSharded_Distribution(t *testing.T) {
	shardCount := 10
	sc := NewSharded(newFakeCache[string, int], shardCount, nil /*hash*/)
	// keyCount should be large enough compared to shardCount so it becomes virtually impossible to have a shard with
	// less than 50% of `keyCount/shardCount` keys.
	keyCount := 100_000
	for i := range keyCount {
		sc.Add(fmt.Sprintf("key-%d", i), i)
	}
	for _, shard := range sc.shards {
		assert.Greater(t, len(shard.Keys()), keyCount/(2*shardCount))
	}
}

func TestHashUint64(t *testing.T) {
	assert.Equal(t, HashUint64(1, 2, 3), HashUint64(1, 2, 3))
	assert.NotEqual(t, HashUint64(1, 2, 3), HashUint64(3, 2, 1))
}
