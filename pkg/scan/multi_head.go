// Strata merges several sorted sources at once: compaction streams the index arrays of every participating SSTable
// into a single key-ordered run. This module implements a heap-based multi-way merge that lazily pulls from the
// underlying sequences, so memory usage is bounded by the number of sequences rather than their length.

package scan

import (
	"container/heap"
	"errors"
	"iter"

	"github.com/nobletooth/strata/pkg/utils"
)

// heapElement represents a pulled item from sequences inside iterHeap.
type heapElement[T any] struct {
	value  T
	seqIdx int // The sequence index that produced this element.
}

// iterHeap holds the iteration state over multiple iterators.
type iterHeap[T any] struct { // Implements heap.Interface.
	compare  utils.CompareFn[T]
	elements []heapElement[T]
}

var _ heap.Interface = (*iterHeap[int])(nil)

func (ih *iterHeap[T]) Len() int {
	return len(ih.elements)
}

// Less orders by the compare function; equal elements are ordered by their sequence index.
func (ih *iterHeap[T]) Less(i, j int) bool {
	e1, e2 := ih.elements[i], ih.elements[j]
	if cmp := ih.compare(e1.value, e2.value); cmp != 0 {
		return cmp < 0
	}
	return e1.seqIdx < e2.seqIdx
}

func (ih *iterHeap[T]) Swap(i, j int) {
	ih.elements[i], ih.elements[j] = ih.elements[j], ih.elements[i]
}

func (ih *iterHeap[T]) Push(x any) {
	element, ok := x.(heapElement[T])
	if !ok {
		utils.RaiseInvariant("merge", "pushed_invalid_type", "An item with invalid type was pushed to heap.")
		return
	}
	ih.elements = append(ih.elements, element)
}

// Pop returns and removes the last element in the heap.
func (ih *iterHeap[T]) Pop() any {
	lastElement := ih.elements[len(ih.elements)-1]
	ih.elements = ih.elements[:len(ih.elements)-1]
	return lastElement
}

// Merge lazily merges increasing sequences into one increasing sequence ordered by `compare`.
// Elements comparing equal are yielded in the order of their sequences. The returned sequence may be iterated
// multiple times as long as the underlying sequences can.
func Merge[T any](compare utils.CompareFn[T], sequences []iter.Seq[T]) (iter.Seq[T], error) {
	if compare == nil {
		return nil, errors.New("expected a non-nil comparison function")
	}

	return func(yield func(T) bool) {
		it := &iterHeap[T]{compare: compare, elements: make([]heapElement[T], 0, len(sequences))}
		pull := make([]func() (T, bool), len(sequences))
		stops := make([]func(), len(sequences))
		// Stop all underlying sequences once iteration is done.
		defer func() {
			for _, stopFn := range stops {
				if stopFn != nil {
					stopFn()
				}
			}
		}()
		for seqIdx, seq := range sequences {
			pullFn, stopFn := iter.Pull(seq)
			pull[seqIdx], stops[seqIdx] = pullFn, stopFn
			if first, hasAny := pullFn(); hasAny {
				heap.Push(it, heapElement[T]{value: first, seqIdx: seqIdx})
			}
		}

		for it.Len() > 0 {
			top := heap.Pop(it).(heapElement[T])
			if next, hasNext := pull[top.seqIdx](); hasNext {
				heap.Push(it, heapElement[T]{value: next, seqIdx: top.seqIdx})
			}
			if !yield(top.value) {
				return
			}
		}
	}, nil
}

// FirstOfRuns yields only the first element of every run of consecutive elements for which `sameRun` holds.
// Combined with Merge, it keeps the highest priority element of each key.
func FirstOfRuns[T any](sameRun func(prev, next T) bool, seq iter.Seq[T]) iter.Seq[T] {
	return func(yield func(T) bool) {
		var prev T
		started := false
		for element := range seq {
			if started && sameRun(prev, element) {
				continue
			}
			started = true
			prev = element
			if !yield(element) {
				return
			}
		}
	}
}
