package storage

import (
	"bytes"
	"fmt"
)

// KeyValueHolder is the point lookup API shared by the store and its in-memory reference model.
type KeyValueHolder interface {
	Get(key uint64) ([]byte, error)
	Put(key uint64, value []byte) error
	// Delete reports whether the key was present.
	Delete(key uint64) (bool, error)
}

var _ KeyValueHolder = (*InMemoryKeyValueHolder)(nil)

// InMemoryKeyValueHolder is a map backed KeyValueHolder without persistence, e.g. to check a Store against.
type InMemoryKeyValueHolder struct { // Implements KeyValueHolder.
	data map[uint64][]byte
}

// NewInMemoryKeyValueHolder is the constructor for InMemoryKeyValueHolder.
func NewInMemoryKeyValueHolder() *InMemoryKeyValueHolder {
	return &InMemoryKeyValueHolder{data: make(map[uint64][]byte)}
}

func (i *InMemoryKeyValueHolder) Get(key uint64) ([]byte, error) {
	if value, exists := i.data[key]; exists {
		return bytes.Clone(value), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrKeyNotFound, key)
}

func (i *InMemoryKeyValueHolder) Put(key uint64, value []byte) error {
	i.data[key] = bytes.Clone(value)
	return nil
}

func (i *InMemoryKeyValueHolder) Delete(key uint64) (bool, error) {
	_, exists := i.data[key]
	delete(i.data, key)
	return exists, nil
}
