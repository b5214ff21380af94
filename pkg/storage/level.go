// A level is a capacity-bounded tier of SSTables stored under `{root}/level{N}`. Level 0 receives memtable flushes
// and its tables may overlap; deeper levels only receive compaction outputs, whose tables hold disjoint key ranges.
// Within a level, the entry with the greatest timestamp is authoritative for its key.

package storage

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/nobletooth/strata/pkg/utils"
)

// Level owns the SSTables of one tier.
type Level struct {
	id        int
	dir       string // `{root}/level{id}`.
	capacity  int    // Maximum number of tables before compaction runs.
	tables    []*SSTable
	minKey    uint64 // Range of every key held; math.MaxUint64 / 0 while empty.
	maxKey    uint64
	next      *Level // Nil for the bottom level.
	clock     *logicalClock
	cache     *ValueCache
	bloomRate float64
}

// levelDirName is the directory name of level `id` under the store root.
func levelDirName(id int) string {
	return "level" + strconv.Itoa(id)
}

// newLevel creates the directories of level `id` under `root`, if missing, and returns the empty level.
func newLevel(root string, id, capacity int, clock *logicalClock, cache *ValueCache, bloomRate float64) (*Level,
	error) {
	dir := filepath.Join(root, levelDirName(id))
	if err := os.MkdirAll(filepath.Join(dir, indexDirName), 0o755); err != nil {
		return nil, ioErr("mkdir", dir, err)
	}
	return &Level{
		id:        id,
		dir:       dir,
		capacity:  capacity,
		minKey:    math.MaxUint64,
		maxKey:    0,
		clock:     clock,
		cache:     cache,
		bloomRate: bloomRate,
	}, nil
}

// Len returns the number of tables held.
func (l *Level) Len() int {
	return len(l.tables)
}

func (l *Level) overCapacity() bool {
	return len(l.tables) > l.capacity
}

// register appends `table` and extends the key range.
func (l *Level) register(table *SSTable) {
	l.tables = append(l.tables, table)
	if len(table.entries) > 0 {
		l.minKey = min(l.minKey, table.minKey())
		l.maxKey = max(l.maxKey, table.maxKey())
	}
	levelTables.WithLabelValues(levelLabel(l.id)).Set(float64(len(l.tables)))
}

// setTables replaces the tables and recomputes the key range.
func (l *Level) setTables(tables []*SSTable) {
	slices.SortFunc(tables, func(a, b *SSTable) int { return cmp.Compare(a.table, b.table) })
	l.tables, l.minKey, l.maxKey = nil, math.MaxUint64, 0
	for _, table := range tables {
		l.register(table)
	}
	levelTables.WithLabelValues(levelLabel(l.id)).Set(float64(len(l.tables)))
}

// nextTableID returns the id following the newest table.
func (l *Level) nextTableID() uint64 {
	if len(l.tables) == 0 {
		return 1
	}
	return l.tables[len(l.tables)-1].table + 1
}

// addTable writes `records` as a new table at the end of the level.
func (l *Level) addTable(records []record) (*SSTable, error) {
	table, err := writeSSTable(l.dir, uint64(l.id), l.nextTableID(), records, l.bloomRate)
	if err != nil {
		return nil, fmt.Errorf("failed to write table to level %d: %w", l.id, err)
	}
	l.register(table)
	return table, nil
}

// lookup returns the table and position of the authoritative entry for `key`, i.e. the one with the greatest
// timestamp across the tables.
func (l *Level) lookup(key uint64) (*SSTable, int, bool) {
	if len(l.tables) == 0 || key < l.minKey || key > l.maxKey {
		return nil, 0, false
	}
	var (
		winner    *SSTable
		winnerIdx int
	)
	for _, table := range l.tables {
		idx, found := table.find(key)
		if !found {
			continue
		}
		if winner == nil || table.entries[idx].Timestamp > winner.entries[winnerIdx].Timestamp {
			winner, winnerIdx = table, idx
		}
	}
	return winner, winnerIdx, winner != nil
}

// Get returns the value of `key`. `held` reports whether the level has any entry for the key; when the
// authoritative entry is a tombstone, Get returns ErrKeyNotFound with held set, and older levels must not be
// consulted.
func (l *Level) Get(key uint64) ( /*value*/ []byte, /*held*/ bool, error) {
	table, idx, found := l.lookup(key)
	if !found {
		return nil, false, nil
	}
	entry := table.entries[idx]
	if entry.Tombstone {
		return nil, true, ErrKeyNotFound
	}
	if value, cached := l.cache.Get(table.level, table.table, entry.Offset, entry.Length); cached {
		return value, true, nil
	}
	value, err := readValue(table.valuePath, entry.Offset, entry.Length)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read key %d from level %d: %w", key, l.id, err)
	}
	l.cache.Add(table.level, table.table, entry.Offset, value)
	return value, true, nil
}

// Delete tombstones the authoritative entry of `key`, refreshing its timestamp, and persists the table's index.
// `deleted` reports whether a live entry was tombstoned and `held` whether the level had any entry for the key.
func (l *Level) Delete(key uint64) ( /*deleted*/ bool, /*held*/ bool, error) {
	table, idx, found := l.lookup(key)
	if !found {
		return false, false, nil
	}
	if table.entries[idx].Tombstone {
		return false, true, nil
	}
	previous := table.entries[idx]
	table.entries[idx].Tombstone = true
	table.entries[idx].Timestamp = l.clock.Next()
	if err := table.persistIndex(); err != nil {
		table.entries[idx] = previous
		return false, true, fmt.Errorf("failed to persist tombstone of key %d in level %d: %w", key, l.id, err)
	}
	tombstonesTotal.Inc()
	return true, true, nil
}

// restoreIndex loads every table found in the level directory.
// Leftovers of interrupted writes, i.e. temporary index files and value files without an index, are removed.
func (l *Level) restoreIndex() error {
	indexDir := filepath.Join(l.dir, indexDirName)
	indexFiles, err := os.ReadDir(indexDir)
	if err != nil {
		return ioErr("list", indexDir, err)
	}
	indexed := make(map[uint64]struct{}, len(indexFiles))
	tables := make([]*SSTable, 0, len(indexFiles))
	for _, file := range indexFiles {
		if file.IsDir() {
			continue
		}
		if isTempFile(file.Name()) {
			slog.Warn("Removing leftover temporary index file.", "levelId", l.id, "file", file.Name())
			if err := os.Remove(filepath.Join(indexDir, file.Name())); err != nil {
				return ioErr("remove", filepath.Join(indexDir, file.Name()), err)
			}
			continue
		}
		id, ok := parseTableName(file.Name())
		if !ok {
			slog.Warn("Skipping unknown file in index directory.", "levelId", l.id, "file", file.Name())
			continue
		}
		table, err := loadSSTable(l.dir, uint64(l.id), id, l.bloomRate)
		if err != nil {
			return fmt.Errorf("failed to restore table %d of level %d: %w", id, l.id, err)
		}
		indexed[id] = struct{}{}
		tables = append(tables, table)
	}

	valueFiles, err := os.ReadDir(l.dir)
	if err != nil {
		return ioErr("list", l.dir, err)
	}
	for _, file := range valueFiles {
		id, ok := parseTableName(file.Name())
		if file.IsDir() || !ok {
			continue
		}
		if _, hasIndex := indexed[id]; !hasIndex {
			slog.Warn("Removing value file without an index.", "levelId", l.id, "table", id)
			if err := os.Remove(filepath.Join(l.dir, file.Name())); err != nil {
				return ioErr("remove", filepath.Join(l.dir, file.Name()), err)
			}
		}
	}

	l.setTables(tables)
	if len(tables) > 0 {
		slog.Info("Restored level.", "levelId", l.id, "tables", len(l.tables), "minKey", l.minKey,
			"maxKey", l.maxKey)
	}
	if l.overCapacity() {
		// Compaction runs on the next flush into this level; until then the level serves reads as is.
		slog.Warn("Restored level is over capacity.", "levelId", l.id, "tables", len(l.tables),
			"capacity", l.capacity)
	}
	return nil
}

// maxTimestamp returns the greatest timestamp held by the level.
func (l *Level) maxTimestamp() uint64 {
	var latest uint64
	for _, table := range l.tables {
		for _, entry := range table.entries {
			latest = max(latest, entry.Timestamp)
		}
	}
	return latest
}

// Reset deletes every table of the level, including ones only present on disk and unfinished staging outputs.
func (l *Level) Reset() error {
	var errs error
	if err := os.RemoveAll(filepath.Join(l.dir, stagingDirName)); err != nil {
		errs = errors.Join(errs, ioErr("remove", filepath.Join(l.dir, stagingDirName), err))
	}
	for _, table := range l.tables {
		errs = errors.Join(errs, table.remove())
	}
	// Leftovers of interrupted writes are not registered as tables.
	for _, dir := range []string{l.dir, filepath.Join(l.dir, indexDirName)} {
		files, err := os.ReadDir(dir)
		if err != nil {
			errs = errors.Join(errs, ioErr("list", dir, err))
			continue
		}
		for _, file := range files {
			if _, ok := parseTableName(file.Name()); file.IsDir() || !ok && !isTempFile(file.Name()) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, file.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = errors.Join(errs, ioErr("remove", filepath.Join(dir, file.Name()), err))
			}
		}
	}
	l.setTables(nil)
	if errs != nil {
		return fmt.Errorf("failed to reset level %d: %w", l.id, errs)
	}
	return nil
}

// stats summarizes the level.
func (l *Level) stats() LevelStats {
	stats := LevelStats{Level: l.id, Tables: len(l.tables), Capacity: l.capacity}
	for _, table := range l.tables {
		stats.Entries += len(table.entries)
	}
	if stats.Entries > 0 {
		stats.MinKey, stats.MaxKey = l.minKey, l.maxKey
	}
	return stats
}

// checkSorted raises an invariant if the tables are not sorted by id.
func (l *Level) checkSorted() error {
	for i := 1; i < len(l.tables); i++ {
		if l.tables[i-1].table >= l.tables[i].table {
			utils.RaiseInvariant("level", "unsorted_tables", "Level tables are not sorted by id.",
				"levelId", l.id, "prev", l.tables[i-1].table, "table", l.tables[i].table)
			return fmt.Errorf("%w: level %d tables are not sorted", ErrInvalidState, l.id)
		}
	}
	return nil
}
