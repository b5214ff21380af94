// An SSTable is an immutable sorted run made of two files sharing the table id as name: the value file
// `level{N}/{id}.dat` holds the concatenated values in key order, and the index file `level{N}/index/{id}.dat`
// holds one IndexEntry per key. Values carry no in-band delimiter; the index entry holds their length.
// The whole index is kept in memory along with a bloom filter over its keys; values are read on demand.

package storage

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/nobletooth/strata/pkg/utils"
)

const (
	indexDirName  = "index"
	tableFileExt  = ".dat"
	minBloomItems = 1 // bloom.NewWithEstimates needs a positive estimate.
)

// record is a key/value pair on its way into an SSTable.
type record struct {
	key       uint64
	value     []byte
	timestamp uint64
}

// SSTable is an immutable on-disk sorted run plus its in-memory index.
type SSTable struct {
	level, table uint64
	valuePath    string
	indexPath    string
	entries      []IndexEntry // Sorted by key, keys are unique.
	filter       *bloom.BloomFilter
}

// tablePaths returns the value and index file paths of `table` inside the level directory `dir`.
func tablePaths(dir string, table uint64) ( /*valuePath*/ string, /*indexPath*/ string) {
	name := strconv.FormatUint(table, 10) + tableFileExt
	return filepath.Join(dir, name), filepath.Join(dir, indexDirName, name)
}

// parseTableName extracts the table id out of a `{id}.dat` file name.
func parseTableName(name string) (uint64, bool) {
	idText, hasExt := strings.CutSuffix(name, tableFileExt)
	if !hasExt {
		return 0, false
	}
	table, err := strconv.ParseUint(idText, 10, 64)
	if err != nil || table == 0 {
		return 0, false
	}
	return table, true
}

// bloomKey encodes `key` the way it is added to bloom filters.
func bloomKey(key uint64) []byte {
	return binary.LittleEndian.AppendUint64(make([]byte, 0, 8), key)
}

// newTableFilter builds the bloom filter over the keys of `entries`.
func newTableFilter(entries []IndexEntry, falsePositiveRate float64) *bloom.BloomFilter {
	filter := bloom.NewWithEstimates(uint(max(len(entries), minBloomItems)), falsePositiveRate)
	for _, entry := range entries {
		filter.Add(bloomKey(entry.Key))
	}
	return filter
}

// writeSSTable writes `records`, which must be sorted by strictly increasing key, as table `table` of level
// `level` inside the level directory `dir`. Partially written files are removed on failure.
func writeSSTable(dir string, level, table uint64, records []record, falsePositiveRate float64) (*SSTable, error) {
	for i := 1; i < len(records); i++ {
		if records[i-1].key >= records[i].key {
			utils.RaiseInvariant("sstable", "unsorted_records", "Records given to an SSTable are not sorted.",
				"dir", dir, "table", table, "prev", records[i-1].key, "key", records[i].key)
			return nil, fmt.Errorf("%w: records are not sorted at position %d", ErrInvalidState, i)
		}
	}

	valuePath, indexPath := tablePaths(dir, table)
	valueFile, err := os.OpenFile(valuePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, ioErr("create", valuePath, err)
	}
	writer := NewBlockWriter(valueFile)
	entries := make([]IndexEntry, 0, len(records))
	for _, rec := range records {
		offset, err := writer.WriteBlock(rec.value)
		if err != nil {
			_ = writer.Close()
			_ = os.Remove(valuePath)
			return nil, ioErr("write", valuePath, err)
		}
		entries = append(entries, IndexEntry{
			Key:       rec.key,
			Offset:    offset,
			Length:    uint64(len(rec.value)),
			Table:     table,
			Level:     level,
			Timestamp: rec.timestamp,
		})
	}
	if err := writer.Close(); err != nil {
		_ = os.Remove(valuePath)
		return nil, ioErr("write", valuePath, err)
	}
	if err := writeIndexFile(indexPath, entries); err != nil {
		_ = os.Remove(valuePath)
		return nil, err
	}

	return &SSTable{
		level:     level,
		table:     table,
		valuePath: valuePath,
		indexPath: indexPath,
		entries:   entries,
		filter:    newTableFilter(entries, falsePositiveRate),
	}, nil
}

// loadSSTable restores table `table` of level `level` from the level directory `dir`.
func loadSSTable(dir string, level, table uint64, falsePositiveRate float64) (*SSTable, error) {
	valuePath, indexPath := tablePaths(dir, table)
	if _, err := os.Stat(valuePath); err != nil {
		return nil, ioErr("stat", valuePath, err)
	}
	entries, err := readIndexFile(indexPath)
	if err != nil {
		return nil, err
	}
	for i, entry := range entries {
		if i > 0 && entries[i-1].Key >= entry.Key {
			utils.RaiseInvariant("sstable", "unsorted_index", "SSTable index is not sorted by key.",
				"path", indexPath, "position", i)
			return nil, fmt.Errorf("%w: index %s is not sorted at record %d", ErrInvalidState, indexPath, i)
		}
		if entry.Table != table || entry.Level != level {
			return nil, fmt.Errorf("%w: record %d of %s belongs to table %d of level %d", ErrInvalidState, i,
				indexPath, entry.Table, entry.Level)
		}
	}

	return &SSTable{
		level:     level,
		table:     table,
		valuePath: valuePath,
		indexPath: indexPath,
		entries:   entries,
		filter:    newTableFilter(entries, falsePositiveRate),
	}, nil
}

// find binary searches the index for `key`, skipping the search when the bloom filter rules the key out.
func (t *SSTable) find(key uint64) (int, bool) {
	if !t.filter.Test(bloomKey(key)) {
		return 0, false
	}
	return slices.BinarySearchFunc(t.entries, key, func(entry IndexEntry, target uint64) int {
		return cmp.Compare(entry.Key, target)
	})
}

// minKey and maxKey bound the keys of a non-empty table.
func (t *SSTable) minKey() uint64 { return t.entries[0].Key }
func (t *SSTable) maxKey() uint64 { return t.entries[len(t.entries)-1].Key }

// persistIndex rewrites the index file from the in-memory entries.
func (t *SSTable) persistIndex() error {
	return writeIndexFile(t.indexPath, t.entries)
}

// relocate points the table at the same file names inside the level directory `dir`.
func (t *SSTable) relocate(dir string) {
	t.valuePath, t.indexPath = tablePaths(dir, t.table)
}

// remove deletes both files of the table; missing files are ignored.
func (t *SSTable) remove() error {
	var errs error
	for _, path := range []string{t.valuePath, t.indexPath} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = errors.Join(errs, ioErr("remove", path, err))
		}
	}
	return errs
}

// readValue opens the value file at `path` and reads exactly `length` bytes at `offset`.
func readValue(path string, offset, length uint64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, ioErr("open", path, err)
	}
	defer func() { _ = file.Close() }()
	return readValueAt(file, path, offset, length)
}

// readValueAt reads exactly `length` bytes at `offset` from the already opened value file at `path`.
func readValueAt(reader io.ReaderAt, path string, offset, length uint64) ([]byte, error) {
	value := make([]byte, length)
	if length == 0 {
		return value, nil
	}
	if _, err := reader.ReadAt(value, int64(offset)); err != nil {
		return nil, ioErr("read", path, fmt.Errorf("reading %d bytes at offset %d: %w", length, offset, err))
	}
	return value, nil
}
