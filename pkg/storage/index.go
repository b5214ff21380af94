// Every SSTable has an index file next to its value file. The index file is a contiguous array of fixed-size
// records, one per key, sorted by key:
//
//	| key u64 | offset u64 | length u64 | table u64 | level u64 | timestamp u64 | tombstone u8 |
//
// All integers are little-endian and records are not padded, so a record is 49 bytes.

package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

const indexEntrySize = 6*8 + 1

// IndexEntry locates a value inside a value file and carries its freshness.
type IndexEntry struct {
	Key       uint64
	Offset    uint64 // Byte offset of the value inside the value file.
	Length    uint64 // Byte length of the value.
	Table     uint64
	Level     uint64
	Timestamp uint64 // Logical clock reading of the last write or tombstone.
	Tombstone bool
}

// appendIndexEntry appends the encoded record of `e` to `b`.
func appendIndexEntry(b []byte, e IndexEntry) []byte {
	b = binary.LittleEndian.AppendUint64(b, e.Key)
	b = binary.LittleEndian.AppendUint64(b, e.Offset)
	b = binary.LittleEndian.AppendUint64(b, e.Length)
	b = binary.LittleEndian.AppendUint64(b, e.Table)
	b = binary.LittleEndian.AppendUint64(b, e.Level)
	b = binary.LittleEndian.AppendUint64(b, e.Timestamp)
	tombstone := byte(0)
	if e.Tombstone {
		tombstone = 1
	}
	return append(b, tombstone)
}

// decodeIndexEntry decodes one record; `b` must hold at least indexEntrySize bytes.
func decodeIndexEntry(b []byte) (IndexEntry, error) {
	if len(b) < indexEntrySize {
		return IndexEntry{}, fmt.Errorf("%w: index record holds %d bytes, want %d", ErrInvalidState, len(b),
			indexEntrySize)
	}
	e := IndexEntry{
		Key:       binary.LittleEndian.Uint64(b[0:]),
		Offset:    binary.LittleEndian.Uint64(b[8:]),
		Length:    binary.LittleEndian.Uint64(b[16:]),
		Table:     binary.LittleEndian.Uint64(b[24:]),
		Level:     binary.LittleEndian.Uint64(b[32:]),
		Timestamp: binary.LittleEndian.Uint64(b[40:]),
	}
	switch b[48] {
	case 0:
	case 1:
		e.Tombstone = true
	default:
		return IndexEntry{}, fmt.Errorf("%w: invalid tombstone byte %#x", ErrInvalidState, b[48])
	}
	return e, nil
}

// readIndexFile loads every record of the index file at `path`.
func readIndexFile(path string) ([]IndexEntry, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, ioErr("read", path, err)
	}
	if len(content)%indexEntrySize != 0 {
		return nil, fmt.Errorf("%w: index file %s has %d bytes, not a multiple of %d", ErrInvalidState, path,
			len(content), indexEntrySize)
	}
	entries := make([]IndexEntry, 0, len(content)/indexEntrySize)
	for offset := 0; offset < len(content); offset += indexEntrySize {
		entry, err := decodeIndexEntry(content[offset : offset+indexEntrySize])
		if err != nil {
			return nil, fmt.Errorf("failed to decode record %d of %s: %w", offset/indexEntrySize, path, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// writeIndexFile writes `entries` to `path.tmp` and renames it over `path`, so readers never observe a
// partially written index.
func writeIndexFile(path string, entries []IndexEntry) error {
	tmpPath := path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return ioErr("create", tmpPath, err)
	}
	writer := NewBlockWriter(file)
	record := make([]byte, 0, indexEntrySize)
	for _, entry := range entries {
		record = appendIndexEntry(record[:0], entry)
		if _, err := writer.Write(record); err != nil {
			_ = writer.Close()
			_ = os.Remove(tmpPath)
			return ioErr("write", tmpPath, err)
		}
	}
	if err := writer.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return ioErr("write", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return ioErr("rename", tmpPath, err)
	}
	return nil
}

// isTempFile reports whether `name` is a leftover of an interrupted writeIndexFile.
func isTempFile(name string) bool {
	return filepath.Ext(name) == ".tmp"
}
