package cache

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

// assertLinkedListEqualsSlice makes sure the list elements match the linked list elements.
func assertLinkedListEqualsSlice[V comparable](t *testing.T, expected []V, list *linkedList[V]) {
	t.Helper()

	assert.Equal(t, len(expected), list.Len(), "List length mismatch")

	if len(expected) == 0 {
		assert.Nil(t, list.Front(), "Empty list should have nil Front()")
		assert.Nil(t, list.Back(), "Empty list should have nil Back()")
		return
	}

	assert.Equal(t, expected[0], list.Front().Value, "Front() value mismatch")
	assert.Equal(t, expected[len(expected)-1], list.Back().Value, "Back() value mismatch")

	var forwardResult []V
	for node := list.Front(); node != nil; node = node.Next() {
		forwardResult = append(forwardResult, node.Value)
	}
	assert.Equal(t, expected, forwardResult, "Forward iteration mismatch")

	var backwardResult []V
	for node := list.Back(); node != nil; node = node.Prev() {
		backwardResult = append(backwardResult, node.Value)
	}
	slices.Reverse(backwardResult)
	assert.Equal(t, expected, backwardResult, "Backward iteration mismatch")
}

func TestLinkedList_PushBack(t *testing.T) {
	list := new(linkedList[int])
	list.PushBack(1)
	assertLinkedListEqualsSlice(t, []int{1}, list)
	list.PushBack(2)
	assertLinkedListEqualsSlice(t, []int{1, 2}, list)
	list.PushBack(3)
	assertLinkedListEqualsSlice(t, []int{1, 2, 3}, list)
}

func TestLinkedList_Remove(t *testing.T) {
	newLinkedListWithNodes := func(nodeCount int) (*linkedList[int], []*linkedListNode[int]) {
		list := new(linkedList[int])
		nodes := make([]*linkedListNode[int], nodeCount)
		for i := 1; i <= nodeCount; i++ {
			nodes[i-1] = list.PushBack(i)
		}
		return list, nodes
	}

	t.Run("middle", func(t *testing.T) {
		list, nodes := newLinkedListWithNodes(5)
		list.Remove(nodes[2])
		assertLinkedListEqualsSlice(t, []int{1, 2, 4, 5}, list)
		assert.Equal(t, nodes[3], nodes[1].Next(), "Node 2's next should be node 4")
		assert.Equal(t, nodes[1], nodes[3].Prev(), "Node 4's prev should be node 2")
	})
	t.Run("head", func(t *testing.T) {
		list, nodes := newLinkedListWithNodes(5)
		list.Remove(nodes[0])
		assertLinkedListEqualsSlice(t, []int{2, 3, 4, 5}, list)
	})
	t.Run("tail", func(t *testing.T) {
		list, nodes := newLinkedListWithNodes(5)
		list.Remove(nodes[4])
		assertLinkedListEqualsSlice(t, []int{1, 2, 3, 4}, list)
	})
	t.Run("until_empty", func(t *testing.T) {
		list, nodes := newLinkedListWithNodes(3)
		for _, node := range nodes {
			list.Remove(node)
		}
		assertLinkedListEqualsSlice(t, []int{}, list)
	})
}

func TestLinkedList_NextCircular(t *testing.T) {
	list := new(linkedList[int])
	assert.Nil(t, list.NextCircular(nil))
	first := list.PushBack(1)
	second := list.PushBack(2)
	assert.Same(t, second, list.NextCircular(first))
	assert.Same(t, first, list.NextCircular(second), "Expected to wrap around to the front")

	list.Clear()
	assertLinkedListEqualsSlice(t, []int{}, list)
}
