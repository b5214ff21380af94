package storage

import (
	"cmp"
	"fmt"
	"math/rand"
	"slices"
	"testing"

	"github.com/nobletooth/strata/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestSkipList builds a skip list with pinned coin flips so failures are reproducible.
func newTestSkipList[K cmp.Ordered, V any](t *testing.T) *SkipList[K, V] {
	t.Helper()
	return newSkipListWithSource[K, V](cmp.Compare[K], rand.NewSource(42))
}

// assertHasKey checks the given `skipList` contains the given `key` corresponding to given `expectedVal`.
func assertHasKey[K any, V any](t *testing.T, skipList *SkipList[K, V], key K, expectedVal V) {
	t.Helper()
	gotValue, err := skipList.Get(key)
	assert.NoError(t, err)
	assert.Equal(t, expectedVal, gotValue)
}

// setNewKey puts the given `key` and `value` into the `skipList` and asserts that the key was not present before.
func setNewKey[K any, V any](t *testing.T, skipList *SkipList[K, V], key K, value V) {
	t.Helper()
	_, replaced := skipList.Set(key, value)
	assert.Falsef(t, replaced, "Expected key %s to be new.", fmt.Sprint(key))
}

func TestSkipList_EmptyGet(t *testing.T) {
	skipList := newTestSkipList[uint64, string](t)
	_, err := skipList.Get(42)
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, 1, skipList.Layers())
	assert.Zero(t, skipList.Len())
	assert.Empty(t, slices.Collect(skipList.Iterate()))
}

func TestSkipList_SetAndGet_Simple(t *testing.T) {
	skipList := newTestSkipList[uint64, string](t)
	setNewKey(t, skipList, 2, "two")
	setNewKey(t, skipList, 1, "one")
	setNewKey(t, skipList, 3, "three")

	assertHasKey(t, skipList, 1, "one")
	assertHasKey(t, skipList, 2, "two")
	assertHasKey(t, skipList, 3, "three")
	_, err := skipList.Get(0)
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = skipList.Get(4)
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.NoError(t, skipList.checkStructure())
}

func TestSkipList_ReplaceOnEqualKey(t *testing.T) {
	skipList := newTestSkipList[uint64, string](t)
	setNewKey(t, skipList, 10, "ten")
	previous, replaced := skipList.Set(10, "TEN")
	assert.True(t, replaced)
	assert.Equal(t, "ten", previous)
	assertHasKey(t, skipList, 10, "TEN")
	assert.Equal(t, 1, skipList.Len(), "Replacing must not add a second tower")
	assert.NoError(t, skipList.checkStructure())
}

func TestSkipList_Delete(t *testing.T) {
	skipList := newTestSkipList[uint64, string](t)
	_, err := skipList.Delete(7)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	setNewKey(t, skipList, 1, "a")
	setNewKey(t, skipList, 2, "b")
	setNewKey(t, skipList, 3, "c")
	value, err := skipList.Delete(2)
	assert.NoError(t, err)
	assert.Equal(t, "b", value)
	_, err = skipList.Get(2)
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = skipList.Delete(2)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	assertHasKey(t, skipList, 1, "a")
	assertHasKey(t, skipList, 3, "c")
	assert.Equal(t, 2, skipList.Len())
	assert.NoError(t, skipList.checkStructure())
}

func TestSkipList_DeleteDropsEmptyLayers(t *testing.T) {
	skipList := newTestSkipList[uint64, int](t)
	const samples = 500
	for i := range uint64(samples) {
		setNewKey(t, skipList, i, int(i))
	}
	require.Greater(t, skipList.Layers(), 1, "Expected towers to grow beyond the bottom layer")
	require.NoError(t, skipList.checkStructure())

	// Delete in a scattered order and validate links along the way.
	order := rand.New(rand.NewSource(7)).Perm(samples)
	for i, key := range order {
		value, err := skipList.Delete(uint64(key))
		require.NoError(t, err)
		require.Equal(t, key, value)
		if i%50 == 0 {
			require.NoError(t, skipList.checkStructure())
		}
	}
	assert.Zero(t, skipList.Len())
	assert.Equal(t, 1, skipList.Layers(), "Only the bottom layer should be left")
	assert.NoError(t, skipList.checkStructure())
}

func TestSkipList_StringKeys(t *testing.T) {
	skipList := newTestSkipList[string, int](t)
	setNewKey(t, skipList, "alpha", 1)
	setNewKey(t, skipList, "beta", 2)
	setNewKey(t, skipList, "gamma", 3)
	assertHasKey(t, skipList, "beta", 2)
}

func TestSkipList_BulkInsertAndGet(t *testing.T) {
	skipList := NewSkipList[uint64, string](cmp.Compare[uint64])
	const samples = 2_000
	for _, i := range rand.New(rand.NewSource(1)).Perm(samples) {
		setNewKey(t, skipList, uint64(i), fmt.Sprintf("val-%d", i))
	}
	for i := range uint64(samples) {
		assertHasKey(t, skipList, i, fmt.Sprintf("val-%d", i))
	}
	assert.Equal(t, samples, skipList.Len())
	assert.NoError(t, skipList.checkStructure())
}

func TestSkipList_IterateCollect(t *testing.T) {
	skipList := newTestSkipList[uint64, string](t)
	setNewKey(t, skipList, 3, "three")
	setNewKey(t, skipList, 1, "one")
	setNewKey(t, skipList, 2, "two")

	{ // Keys should be in ascending order with matching values.
		gotPairs := slices.Collect(skipList.Iterate())
		assert.Equal(t, []utils.Pair[uint64, string]{
			{Key: 1, Value: "one"},
			{Key: 2, Value: "two"},
			{Key: 3, Value: "three"},
		}, gotPairs)
		// The sequence can be restarted.
		assert.Equal(t, gotPairs, slices.Collect(skipList.Iterate()))
	}
	{ // Updating a key should reflect in iteration.
		skipList.Set(2, "TWO")
		pairs := slices.Collect(skipList.Iterate())
		assert.Equal(t, "TWO", pairs[1].Value)
	}
}

func TestSkipList_Clear(t *testing.T) {
	skipList := newTestSkipList[uint64, string](t)
	for i := range uint64(100) {
		setNewKey(t, skipList, i, "v")
	}
	skipList.Clear()
	assert.Zero(t, skipList.Len())
	assert.Equal(t, 1, skipList.Layers())
	assert.Empty(t, slices.Collect(skipList.Iterate()))
	assert.NoError(t, skipList.checkStructure())

	// The list is still usable after being cleared.
	setNewKey(t, skipList, 5, "five")
	assertHasKey(t, skipList, 5, "five")
}

func TestSkipList_ArenaReuse(t *testing.T) {
	skipList := newTestSkipList[uint64, string](t)
	for i := range uint64(64) {
		setNewKey(t, skipList, i, "v")
	}
	allocated := len(skipList.nodes)
	for i := range uint64(64) {
		_, err := skipList.Delete(i)
		require.NoError(t, err)
	}
	for i := range uint64(64) {
		setNewKey(t, skipList, i+100, "w")
	}
	// Freed slots are recycled, so the arena grows only by the extra towers of the second round, if any.
	assert.LessOrEqual(t, len(skipList.nodes), 2*allocated)
	assert.NoError(t, skipList.checkStructure())
}
