// Strata stores data in a log structured merge tree (LSM tree), a data structure optimized for write-heavy
// workloads. New data is first written to an in-memory table (memtable) and flushed to disk as a sorted string table
// (SSTable) of level 0 once the memtable holds enough bytes. Levels are capacity bounded; a level that overflows is
// merged into the next, larger one, which may cascade down to the bottom level.
// Lookups go from the freshest source to the oldest: the memtable, then level 0, level 1 and so on.

package storage

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
)

var (
	dataDir        = flag.String("data_dir", "./data", "Directory holding the level directories of the store.")
	flushSizeBytes = flag.Int("memtable_flush_size_bytes", 2<<20, /*2 MiB*/
		"Triggers a memtable flush when the held value bytes reach this size; also the compaction output table size.")
	levelCount        = flag.Int("level_count", 10, "Number of levels, including level 0.")
	levelCapacityBase = flag.Int("level_capacity_base", 2,
		"Level i holds at most level_capacity_base^(i+1) SSTables before it's compacted into level i+1.")
	bloomFalsePositiveRate = flag.Float64("bloom_false_positive_rate", 0.01,
		"Target false positive rate of the per SSTable bloom filters.")
)

// Options configures a Store.
type Options struct {
	Dir                    string
	FlushSizeBytes         int
	LevelCount             int
	LevelCapacityBase      int
	BloomFalsePositiveRate float64
	ValueCache             ValueCacheOptions
}

// DefaultOptions builds Options out of the command line flags.
func DefaultOptions() Options {
	return Options{
		Dir:                    *dataDir,
		FlushSizeBytes:         *flushSizeBytes,
		LevelCount:             *levelCount,
		LevelCapacityBase:      *levelCapacityBase,
		BloomFalsePositiveRate: *bloomFalsePositiveRate,
		ValueCache: ValueCacheOptions{
			Enabled:    *cacheEnabled,
			Capacity:   *cacheCapacity,
			ShardCount: *cacheShardCount,
		},
	}
}

func (o Options) validate() error {
	var errs []error
	if o.Dir == "" {
		errs = append(errs, errors.New("expected a non-empty data directory"))
	}
	if o.FlushSizeBytes <= 0 {
		errs = append(errs, fmt.Errorf("expected a positive flush size, got %d", o.FlushSizeBytes))
	}
	if o.LevelCount <= 0 {
		errs = append(errs, fmt.Errorf("expected a positive level count, got %d", o.LevelCount))
	}
	if o.LevelCapacityBase <= 0 {
		errs = append(errs, fmt.Errorf("expected a positive level capacity base, got %d", o.LevelCapacityBase))
	}
	if o.BloomFalsePositiveRate <= 0 || o.BloomFalsePositiveRate >= 1 {
		errs = append(errs, fmt.Errorf("expected a bloom false positive rate in (0, 1), got %v",
			o.BloomFalsePositiveRate))
	}
	return errors.Join(errs...)
}

// levelCapacity returns base^(level+1), saturating at math.MaxInt.
func (o Options) levelCapacity(level int) int {
	capacity := 1
	for range level + 1 {
		if capacity > math.MaxInt/o.LevelCapacityBase {
			return math.MaxInt
		}
		capacity *= o.LevelCapacityBase
	}
	return capacity
}

// Store is the LSM engine: a memtable in front of a chain of levels.
// Operations are serialized by a mutex; flushes and compactions run inline with the Put that triggers them.
type Store struct { // Implements KeyValueHolder.
	mux      sync.Mutex
	opts     Options
	memTable *MemTable
	levels   []*Level // levels[0] is the freshest.
	clock    *logicalClock
	cache    *ValueCache
	closed   bool
	// broken holds the error of a compaction that failed after being committed on disk; the store has to be
	// reopened to finish it.
	broken error
}

var _ KeyValueHolder = (*Store)(nil)

// Open restores the store under `opts.Dir`, creating the directory layout if missing.
// Interrupted compactions are finished or rolled back before the levels are loaded.
func Open(opts Options) (*Store, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid store options: %w", err)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, ioErr("mkdir", opts.Dir, err)
	}

	store := &Store{
		mux:      sync.Mutex{},
		opts:     opts,
		memTable: NewMemTable(opts.FlushSizeBytes),
		levels:   make([]*Level, opts.LevelCount),
		clock:    &logicalClock{},
		cache:    NewValueCache(opts.ValueCache),
	}
	for id := range opts.LevelCount {
		level, err := newLevel(opts.Dir, id, opts.levelCapacity(id), store.clock, store.cache,
			opts.BloomFalsePositiveRate)
		if err != nil {
			return nil, fmt.Errorf("failed to create level %d: %w", id, err)
		}
		store.levels[id] = level
		if id > 0 {
			store.levels[id-1].next = level
		}
	}
	for _, level := range store.levels {
		if err := recoverStaging(opts.Dir, level.dir); err != nil {
			return nil, fmt.Errorf("failed to recover staged compaction of level %d: %w", level.id, err)
		}
	}
	for _, level := range store.levels {
		if err := level.restoreIndex(); err != nil {
			return nil, err
		}
		store.clock.Observe(level.maxTimestamp())
	}

	slog.Info("Opened store.", "path", opts.Dir, "levels", opts.LevelCount, "clock", store.clock.last)
	return store, nil
}

// usable reports why the store cannot serve operations, if it can't. NOTE: Caller should acquire lock.
func (s *Store) usable() error {
	if s.closed {
		return ErrClosed
	}
	if s.broken != nil {
		return fmt.Errorf("%w: store must be reopened: %w", ErrInvalidState, s.broken)
	}
	return nil
}

// Put stores `value` under `key`, flushing the memtable if it grew past the flush size.
func (s *Store) Put(key uint64, value []byte) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if err := s.usable(); err != nil {
		return err
	}
	if shouldFlush := s.memTable.Set(key, value); shouldFlush {
		return s.flush()
	}
	return nil
}

// Get returns the value stored under `key`, or ErrKeyNotFound.
// The first source holding any entry for the key decides; a tombstone hides older levels.
func (s *Store) Get(key uint64) ([]byte, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if err := s.usable(); err != nil {
		return nil, err
	}
	if value, found := s.memTable.Get(key); found {
		return bytes.Clone(value), nil
	}
	for _, level := range s.levels {
		value, held, err := level.Get(key)
		if held {
			return value, err
		}
		if err != nil {
			return nil, err
		}
	}
	return nil, ErrKeyNotFound
}

// Delete removes `key` from the memtable and tombstones its live entries on disk. It reports whether the key was
// visible to Get beforehand.
// Delete is not atomic across levels: if tombstoning a level fails, the memtable copy and the entries of the levels
// before it are already gone and the key may stay live in deeper levels. The error is returned; calling Delete again
// finishes the job.
func (s *Store) Delete(key uint64) (bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if err := s.usable(); err != nil {
		return false, err
	}
	_, found, err := s.memTable.Delete(key)
	if err != nil {
		return false, err
	}
	decided := found
	// Every level is visited so that compactions never resurrect an older copy of the key.
	for _, level := range s.levels {
		deleted, held, err := level.Delete(key)
		if err != nil {
			return found, err
		}
		if !decided && held {
			found, decided = deleted, true
		}
	}
	return found, nil
}

// Reset drops the memtable and every SSTable of every level.
func (s *Store) Reset() error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.memTable.Clear()
	var errs error
	for _, level := range s.levels {
		errs = errors.Join(errs, level.Reset())
	}
	s.cache.Purge()
	if errs != nil {
		return errs
	}
	s.broken = nil
	slog.Info("Reset store.", "path", s.opts.Dir)
	return nil
}

// Flush writes the memtable to level 0 even if it's below the flush size.
func (s *Store) Flush() error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if err := s.usable(); err != nil {
		return err
	}
	return s.flush()
}

// flush writes the memtable as a new level 0 table and compacts level 0 if it overflows.
// The memtable is kept when the table cannot be written. NOTE: Caller should acquire lock.
func (s *Store) flush() error {
	if s.memTable.Len() == 0 {
		return nil
	}
	records := make([]record, 0, s.memTable.Len())
	for pair := range s.memTable.Pairs() {
		records = append(records, record{key: pair.Key, value: pair.Value, timestamp: s.clock.Next()})
	}
	levelZero := s.levels[0]
	table, err := levelZero.addTable(records)
	if err != nil {
		return fmt.Errorf("failed to flush memtable: %w", err)
	}
	flushesTotal.Inc()
	flushedBytes.Add(float64(s.memTable.HeldBytes()))
	slog.Info("Flushed memtable.", "levelId", levelZero.id, "table", table.table, "entries", len(records),
		"bytes", s.memTable.HeldBytes())
	s.memTable.Clear()

	if levelZero.overCapacity() {
		if err := levelZero.compact(s.opts.FlushSizeBytes); err != nil {
			if errors.Is(err, errIncompleteCommit) {
				s.broken = err
			}
			return err
		}
	}
	return nil
}

// Close flushes the memtable; later operations fail with ErrClosed.
func (s *Store) Close() error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.closed {
		return nil
	}
	var err error
	if s.broken == nil {
		err = s.flush()
	}
	s.closed = true
	slog.Info("Closed store.", "path", s.opts.Dir, "err", err)
	return err
}

// LevelStats describes one level.
type LevelStats struct {
	Level    int
	Tables   int
	Capacity int
	Entries  int // Index entries, tombstones included.
	MinKey   uint64
	MaxKey   uint64
}

// Stats describes the memtable and every level.
type Stats struct {
	MemTableEntries int
	MemTableBytes   int
	Levels          []LevelStats
}

// Stats returns a snapshot of the store layout.
func (s *Store) Stats() Stats {
	s.mux.Lock()
	defer s.mux.Unlock()

	stats := Stats{
		MemTableEntries: s.memTable.Len(),
		MemTableBytes:   s.memTable.HeldBytes(),
		Levels:          make([]LevelStats, 0, len(s.levels)),
	}
	for _, level := range s.levels {
		stats.Levels = append(stats.Levels, level.stats())
	}
	return stats
}
