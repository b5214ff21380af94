// Package storage implements the strata LSM storage engine.
//
// This file implements the ordered write buffer: a skip list made of stacked horizontal layers. Each layer is a
// sorted doubly linked list bounded by a head and a tail sentinel. A key inserted into the bottom layer is promoted
// to the layer above with probability 1/2, repeatedly, and the copies of one key across consecutive layers form a
// vertical "tower". Searches start at the top layer's head, walk right while the next key is not past the target and
// drop one layer down at each boundary.
//
// Nodes live in an arena and refer to each other by index (prev/next within a layer, above/below within a tower),
// so unlinking a tower never leaves dangling references behind; freed slots are recycled by later inserts.
//
// Properties
// - Expected time complexity for Get/Set/Delete: O(log n); worst case O(n)
// - Space complexity: O(n) expected, about 2n nodes
// - Keys are unique; Set on an existing key replaces its value in place
// - Iteration yields the bottom layer in ascending key order
package storage

import (
	"fmt"
	"iter"
	"math/rand"
	"time"

	"github.com/nobletooth/strata/pkg/utils"
)

const (
	nilNode = -1
	// maxSkipListLayers caps tower growth; reaching it needs ~2^32 inserts on average.
	maxSkipListLayers = 32
)

type nodeKind uint8

const (
	entryNode nodeKind = iota
	headNode
	tailNode
)

// skipListNode is one arena slot. Only bottom layer nodes carry a value.
type skipListNode[K any, V any] struct {
	key          K
	value        V
	kind         nodeKind
	prev, next   int // Neighbours inside the layer.
	above, below int // Neighbours inside the tower.
}

// skipLayer holds the sentinels of one horizontal layer.
type skipLayer struct{ head, tail int }

// SkipList is a probabilistically balanced ordered map.
type SkipList[K any, V any] struct {
	compare utils.CompareFn[K]
	nodes   []skipListNode[K, V]
	free    []int       // Recycled arena slots.
	layers  []skipLayer // layers[0] is the bottom layer and holds every entry.
	entries int
	rnd     *rand.Rand
}

// NewSkipList creates a new empty skip list ordered by `compare`.
func NewSkipList[K any, V any](compare utils.CompareFn[K]) *SkipList[K, V] {
	return newSkipListWithSource[K, V](compare, rand.NewSource(time.Now().UnixNano()))
}

// newSkipListWithSource allows tests to pin the promotion coin flips.
func newSkipListWithSource[K any, V any](compare utils.CompareFn[K], source rand.Source) *SkipList[K, V] {
	s := &SkipList[K, V]{compare: compare, rnd: rand.New(source)}
	s.addLayer()
	return s
}

// alloc stores `node` in a free arena slot and returns its index.
func (s *SkipList[K, V]) alloc(node skipListNode[K, V]) int {
	if n := len(s.free); n > 0 {
		idx := s.free[n-1]
		s.free = s.free[:n-1]
		s.nodes[idx] = node
		return idx
	}
	s.nodes = append(s.nodes, node)
	return len(s.nodes) - 1
}

// release returns the slot at `idx` to the free list.
func (s *SkipList[K, V]) release(idx int) {
	s.nodes[idx] = skipListNode[K, V]{prev: nilNode, next: nilNode, above: nilNode, below: nilNode}
	s.free = append(s.free, idx)
}

// addLayer pushes a new empty layer on top, stacking its sentinels over the current top's sentinels.
func (s *SkipList[K, V]) addLayer() {
	below := skipLayer{head: nilNode, tail: nilNode}
	if len(s.layers) > 0 {
		below = s.layers[len(s.layers)-1]
	}
	head := s.alloc(skipListNode[K, V]{kind: headNode, prev: nilNode, above: nilNode, below: below.head})
	tail := s.alloc(skipListNode[K, V]{kind: tailNode, next: nilNode, above: nilNode, below: below.tail})
	s.nodes[head].next = tail
	s.nodes[tail].prev = head
	if below.head != nilNode {
		s.nodes[below.head].above = head
		s.nodes[below.tail].above = tail
	}
	s.layers = append(s.layers, skipLayer{head: head, tail: tail})
}

// dropTopLayer removes the top layer, which must be empty.
func (s *SkipList[K, V]) dropTopLayer() {
	top := s.layers[len(s.layers)-1]
	s.layers = s.layers[:len(s.layers)-1]
	if below := s.nodes[top.head].below; below != nilNode {
		s.nodes[below].above = nilNode
	}
	if below := s.nodes[top.tail].below; below != nilNode {
		s.nodes[below].above = nilNode
	}
	s.release(top.head)
	s.release(top.tail)
}

// linkAfter splices node `idx` right after `pred` in pred's layer.
func (s *SkipList[K, V]) linkAfter(pred, idx int) {
	next := s.nodes[pred].next
	s.nodes[idx].prev = pred
	s.nodes[idx].next = next
	s.nodes[pred].next = idx
	s.nodes[next].prev = idx
}

// unlink removes node `idx` from its layer.
func (s *SkipList[K, V]) unlink(idx int) {
	prev, next := s.nodes[idx].prev, s.nodes[idx].next
	s.nodes[prev].next = next
	s.nodes[next].prev = prev
}

// notPast reports whether the node at `idx` sorts at or before `key`; sentinels bound the comparison.
func (s *SkipList[K, V]) notPast(idx int, key K) bool {
	switch s.nodes[idx].kind {
	case headNode:
		return true
	case tailNode:
		return false
	default:
		return s.compare(s.nodes[idx].key, key) <= 0
	}
}

// search returns, per layer (bottom first), the rightmost node whose key is <= `key`; a head when there is none.
func (s *SkipList[K, V]) search(key K) []int {
	preds := make([]int, len(s.layers))
	node := s.layers[len(s.layers)-1].head
	for layer := len(s.layers) - 1; layer >= 0; layer-- {
		for next := s.nodes[node].next; s.notPast(next, key); next = s.nodes[node].next {
			node = next
		}
		preds[layer] = node
		if layer > 0 {
			node = s.nodes[node].below
		}
	}
	return preds
}

// matches reports whether the node at `idx` is an entry holding exactly `key`.
func (s *SkipList[K, V]) matches(idx int, key K) bool {
	return s.nodes[idx].kind == entryNode && s.compare(s.nodes[idx].key, key) == 0
}

// Get returns the value for key or ErrKeyNotFound if the key is absent.
func (s *SkipList[K, V]) Get(key K) (V, error) {
	if candidate := s.search(key)[0]; s.matches(candidate, key) {
		return s.nodes[candidate].value, nil
	}
	var zero V
	return zero, ErrKeyNotFound
}

// Set inserts a new key/value or replaces the value of an existing key.
// It returns the replaced value and whether the key was already present.
func (s *SkipList[K, V]) Set(key K, value V) ( /*previous*/ V, /*replaced*/ bool) {
	preds := s.search(key)
	if s.matches(preds[0], key) {
		previous := s.nodes[preds[0]].value
		s.nodes[preds[0]].value = value
		return previous, true
	}

	below := s.alloc(skipListNode[K, V]{key: key, value: value, kind: entryNode, above: nilNode, below: nilNode})
	s.linkAfter(preds[0], below)
	// Grow the tower while the coin keeps landing on heads.
	for layer := 1; layer < maxSkipListLayers && s.rnd.Intn(2) == 0; layer++ {
		if layer == len(s.layers) {
			s.addLayer()
			preds = append(preds, s.layers[layer].head)
		}
		up := s.alloc(skipListNode[K, V]{key: key, kind: entryNode, above: nilNode, below: below})
		s.nodes[below].above = up
		s.linkAfter(preds[layer], up)
		below = up
	}
	s.entries++
	var zero V
	return zero, false
}

// Delete removes the whole tower of `key` and returns its value, or ErrKeyNotFound.
// Layers left empty at the top are dropped, except the bottom layer.
func (s *SkipList[K, V]) Delete(key K) (V, error) {
	var zero V
	bottom := s.search(key)[0]
	if !s.matches(bottom, key) {
		return zero, ErrKeyNotFound
	}
	value := s.nodes[bottom].value

	for node, height := bottom, 0; node != nilNode; height++ {
		if height >= len(s.layers) || !s.matches(node, key) {
			utils.RaiseInvariant("skip_list", "malformed_tower", "Tower links point outside the tower.",
				"height", height, "layers", len(s.layers))
			return zero, fmt.Errorf("%w: malformed tower at height %d", ErrInvalidState, height)
		}
		above := s.nodes[node].above
		s.unlink(node)
		s.release(node)
		node = above
	}
	for len(s.layers) > 1 {
		top := s.layers[len(s.layers)-1]
		if s.nodes[top.head].next != top.tail {
			break
		}
		s.dropTopLayer()
	}
	s.entries--
	return value, nil
}

// Clear removes every entry, leaving a single empty layer.
func (s *SkipList[K, V]) Clear() {
	s.nodes = s.nodes[:0]
	s.free = s.free[:0]
	s.layers = s.layers[:0]
	s.entries = 0
	s.addLayer()
}

// Len returns the number of entries.
func (s *SkipList[K, V]) Len() int {
	return s.entries
}

// Layers returns the number of layers, the bottom one included.
func (s *SkipList[K, V]) Layers() int {
	return len(s.layers)
}

// Iterate yields every pair of the bottom layer in ascending key order. The sequence is lazy and may be restarted,
// but the list must not be modified while it is being iterated.
func (s *SkipList[K, V]) Iterate() iter.Seq[utils.Pair[K, V]] {
	return func(yield func(utils.Pair[K, V]) bool) {
		bottom := s.layers[0]
		for idx := s.nodes[bottom.head].next; idx != bottom.tail; idx = s.nodes[idx].next {
			if !yield(utils.Pair[K, V]{Key: s.nodes[idx].key, Value: s.nodes[idx].value}) {
				return
			}
		}
	}
}

// checkStructure walks every layer and tower and reports the first broken link; used by tests.
func (s *SkipList[K, V]) checkStructure() error {
	for layer, sentinels := range s.layers {
		count := 0
		prev := sentinels.head
		for idx := s.nodes[sentinels.head].next; idx != sentinels.tail; idx = s.nodes[idx].next {
			node := s.nodes[idx]
			if node.kind != entryNode || node.prev != prev {
				return fmt.Errorf("layer %d: broken horizontal link at node %d", layer, idx)
			}
			if prev != sentinels.head && s.compare(s.nodes[prev].key, node.key) >= 0 {
				return fmt.Errorf("layer %d: keys out of order at node %d", layer, idx)
			}
			if layer == 0 && node.below != nilNode || layer > 0 && node.below == nilNode {
				return fmt.Errorf("layer %d: unexpected below link at node %d", layer, idx)
			}
			if node.below != nilNode && (s.nodes[node.below].above != idx || !s.matches(node.below, node.key)) {
				return fmt.Errorf("layer %d: broken tower at node %d", layer, idx)
			}
			prev = idx
			count++
		}
		if layer == 0 && count != s.entries {
			return fmt.Errorf("bottom layer holds %d entries, expected %d", count, s.entries)
		}
		if layer > 0 && layer == len(s.layers)-1 && count == 0 {
			return fmt.Errorf("empty top layer %d", layer)
		}
	}
	return nil
}
