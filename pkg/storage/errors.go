package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound is an ordinary outcome of Get / Delete; it is never fatal.
	ErrKeyNotFound = errors.New("key was not found")
	// ErrCapacityExhausted is returned when the bottom level overflows and there is no level left to compact into.
	ErrCapacityExhausted = errors.New("bottom level is over capacity")
	// ErrInvalidState is returned on structural faults that indicate a bug or tampered data files.
	ErrInvalidState = errors.New("invalid storage state")
	// ErrClosed is returned by every Store operation after Close.
	ErrClosed = errors.New("store is closed")
	// ErrIO matches every *IOError.
	ErrIO = errors.New("storage io failure")
)

// IOError records a failed filesystem operation on `Path`.
type IOError struct {
	Op   string // e.g. "open", "read", "write", "rename", "remove".
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap allows matching both ErrIO and the underlying cause, e.g. os.ErrNotExist, with errors.Is.
func (e *IOError) Unwrap() []error {
	return []error{ErrIO, e.Err}
}

// ioErr wraps a non-nil `err` into an *IOError; returns nil otherwise.
func ioErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Path: path, Err: err}
}
