package storage

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"iter"

	"github.com/nobletooth/strata/pkg/utils"
)

// MemTable serves the latest key-value pairs in memory before they are flushed to disk.
// It is not safe for concurrent use; the Store serializes access to it.
type MemTable struct {
	// skipList allows fast lookup, insertion, and deletion of key-value pairs.
	skipList       *SkipList[uint64 /*key*/, []byte /*value*/]
	flushSizeBytes int // Set reports a flush once heldBytes reaches this size.
	heldBytes      int // Sum of value lengths currently held.
}

// NewMemTable is the constructor for MemTable.
func NewMemTable(flushSizeBytes int) *MemTable {
	return &MemTable{
		skipList:       NewSkipList[uint64, []byte](cmp.Compare[uint64]),
		flushSizeBytes: flushSizeBytes,
	}
}

// Get returns the value for a given key and whether it was found.
func (m *MemTable) Get(key uint64) ( /*value*/ []byte, bool) {
	value, err := m.skipList.Get(key)
	if err != nil {
		return nil, false
	}
	return value, true
}

// Set inserts or updates the value for a given key and reports whether the table should be flushed.
// The value is copied, so callers may reuse `value` afterward.
func (m *MemTable) Set(key uint64, value []byte) ( /*shouldFlush*/ bool) {
	previous, replaced := m.skipList.Set(key, bytes.Clone(value))
	if replaced {
		m.heldBytes -= len(previous)
	}
	m.heldBytes += len(value)
	return m.heldBytes >= m.flushSizeBytes
}

// Delete removes the key and returns the number of value bytes freed.
// A missing key is not an error; a malformed skip list is.
func (m *MemTable) Delete(key uint64) ( /*freed*/ int, /*found*/ bool, error) {
	value, err := m.skipList.Delete(key)
	if errors.Is(err, ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to delete key %d from memtable: %w", key, err)
	}
	m.heldBytes -= len(value)
	return len(value), true, nil
}

// Pairs yields the held pairs in ascending key order.
func (m *MemTable) Pairs() iter.Seq[utils.Pair[uint64, []byte]] {
	return m.skipList.Iterate()
}

// Len returns the number of held keys.
func (m *MemTable) Len() int {
	return m.skipList.Len()
}

// HeldBytes returns the sum of held value lengths.
func (m *MemTable) HeldBytes() int {
	return m.heldBytes
}

// Clear drops every pair, e.g. after a flush.
func (m *MemTable) Clear() {
	m.skipList.Clear()
	m.heldBytes = 0
}
