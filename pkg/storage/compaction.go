// Compaction merges an overflowing level into the next one:
//  1. Tables of the next level whose key range intersects the source level's range are "covered".
//  2. The index entries of every source table and every covered table are merged by key, newest first. The first
//     entry of each key wins; a tombstoned winner drops the key altogether.
//  3. Surviving values are rewritten into new tables, split every time the written value bytes reach the split size.
//  4. The next level is renumbered from 1: kept tables first, in id order, then the new tables.
//
// The new state of the next level is assembled inside `level{N}/staging/` before anything is deleted. Kept tables
// whose id changes are hard linked into the staging directory with a rewritten index. Once every staged file is
// complete, a MANIFEST listing the files to delete is written; from that point on the compaction is committed:
// inputs are deleted, the MANIFEST is emptied and staged files are moved into the level. A staging directory
// without a MANIFEST is discarded on open, one with a MANIFEST is committed again; both steps are idempotent.

package storage

import (
	"bufio"
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/nobletooth/strata/pkg/scan"
)

const (
	stagingDirName = "staging"
	manifestName   = "MANIFEST"
)

// errIncompleteCommit marks failures after a compaction was committed; the in-memory levels no longer match the
// disk and the store has to be reopened, which finishes the commit.
var errIncompleteCommit = errors.New("compaction commit is incomplete")

// sourcedEntry is an index entry along with the table holding its value.
type sourcedEntry struct {
	IndexEntry
	source *SSTable
}

// compareSourced orders entries by key ascending, then by timestamp descending.
func compareSourced(a, b sourcedEntry) int {
	if c := cmp.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	return cmp.Compare(b.Timestamp, a.Timestamp)
}

// tableEntries streams the index entries of `table`.
func tableEntries(table *SSTable) iter.Seq[sourcedEntry] {
	return func(yield func(sourcedEntry) bool) {
		for _, entry := range table.entries {
			if !yield(sourcedEntry{IndexEntry: entry, source: table}) {
				return
			}
		}
	}
}

// mergeSurvivors merges the entries of `tables` and yields the winning live entry of every key in key order.
func mergeSurvivors(tables []*SSTable) (iter.Seq[sourcedEntry], error) {
	sequences := make([]iter.Seq[sourcedEntry], 0, len(tables))
	for _, table := range tables {
		sequences = append(sequences, tableEntries(table))
	}
	merged, err := scan.Merge(compareSourced, sequences)
	if err != nil {
		return nil, fmt.Errorf("failed to merge tables: %w", err)
	}
	sameKey := func(prev, next sourcedEntry) bool { return prev.Key == next.Key }
	return func(yield func(sourcedEntry) bool) {
		var entries, winners int
		defer func() { compactionDroppedEntries.WithLabelValues("shadowed").Add(float64(entries - winners)) }()
		counted := func(yield func(sourcedEntry) bool) {
			for entry := range merged {
				entries++
				if !yield(entry) {
					return
				}
			}
		}
		for winner := range scan.FirstOfRuns(sameKey, counted) {
			winners++
			if winner.Tombstone {
				compactionDroppedEntries.WithLabelValues("tombstone").Inc()
				continue
			}
			if !yield(winner) {
				return
			}
		}
	}, nil
}

// valueReaders keeps the value files of compaction inputs open while their values are copied.
type valueReaders map[*SSTable]*os.File

func (r valueReaders) read(entry sourcedEntry) ([]byte, error) {
	file, opened := r[entry.source]
	if !opened {
		var err error
		if file, err = os.Open(entry.source.valuePath); err != nil {
			return nil, ioErr("open", entry.source.valuePath, err)
		}
		r[entry.source] = file
	}
	return readValueAt(file, entry.source.valuePath, entry.Offset, entry.Length)
}

func (r valueReaders) close() {
	for _, file := range r {
		_ = file.Close()
	}
}

// compact merges this level into the next one and cascades while the next level is over capacity.
// Output tables are split every `splitBytes` value bytes.
func (l *Level) compact(splitBytes int) error {
	if l.next == nil {
		return fmt.Errorf("%w: level %d holds %d tables with a capacity of %d", ErrCapacityExhausted, l.id,
			len(l.tables), l.capacity)
	}
	next := l.next
	started := time.Now()

	var covered, kept []*SSTable
	for _, table := range next.tables {
		if len(table.entries) > 0 && table.maxKey() >= l.minKey && table.minKey() <= l.maxKey {
			covered = append(covered, table)
		} else {
			kept = append(kept, table)
		}
	}
	inputs := append(slices.Clone(l.tables), covered...)
	slog.Info("Compacting level.", "levelId", l.id, "tables", len(l.tables), "covered", len(covered),
		"kept", len(kept))

	staged, toDelete, err := l.stage(inputs, kept, splitBytes)
	if err != nil {
		if removeErr := os.RemoveAll(filepath.Join(next.dir, stagingDirName)); removeErr != nil {
			err = errors.Join(err, ioErr("remove", filepath.Join(next.dir, stagingDirName), removeErr))
		}
		return fmt.Errorf("failed to compact level %d: %w", l.id, err)
	}
	for _, table := range inputs {
		toDelete = append(toDelete, table.valuePath, table.indexPath)
	}
	root := filepath.Dir(next.dir)
	if err := writeManifest(root, filepath.Join(next.dir, stagingDirName), toDelete); err != nil {
		_ = os.RemoveAll(filepath.Join(next.dir, stagingDirName))
		return fmt.Errorf("failed to compact level %d: %w", l.id, err)
	}
	if err := commitStaging(root, next.dir); err != nil {
		return fmt.Errorf("%w: level %d into level %d: %w", errIncompleteCommit, l.id, next.id, err)
	}

	for _, table := range staged {
		table.relocate(next.dir)
	}
	l.setTables(nil)
	next.setTables(staged)
	if err := next.checkSorted(); err != nil {
		return err
	}
	// Locations changed, so cached values may now point at the wrong tables.
	l.cache.Purge()
	compactionsTotal.WithLabelValues(levelLabel(l.id)).Inc()
	slog.Info("Compacted level.", "levelId", l.id, "nextLevelId", next.id, "nextTables", len(next.tables),
		"elapsed", time.Since(started))

	if next.overCapacity() {
		return next.compact(splitBytes)
	}
	return nil
}

// stage assembles the new table set of the next level inside its staging directory. It returns every table of
// the new set, with staged tables still pointing into the staging directory, and the files of kept tables that
// got a new id.
func (l *Level) stage(inputs, kept []*SSTable, splitBytes int) ([]*SSTable, []string, error) {
	next := l.next
	stagingDir := filepath.Join(next.dir, stagingDirName)
	if err := os.RemoveAll(stagingDir); err != nil {
		return nil, nil, ioErr("remove", stagingDir, err)
	}
	if err := os.MkdirAll(filepath.Join(stagingDir, indexDirName), 0o755); err != nil {
		return nil, nil, ioErr("mkdir", stagingDir, err)
	}

	tables := make([]*SSTable, 0, len(kept))
	var renamed []string
	for idx, table := range kept {
		id := uint64(idx + 1)
		if table.table == id {
			tables = append(tables, table)
			continue
		}
		moved, err := stageRenumbered(stagingDir, table, id)
		if err != nil {
			return nil, nil, err
		}
		tables = append(tables, moved)
		renamed = append(renamed, table.valuePath, table.indexPath)
	}

	survivors, err := mergeSurvivors(inputs)
	if err != nil {
		return nil, nil, err
	}
	readers := make(valueReaders)
	defer readers.close()

	var (
		batch      []record
		batchBytes int
		nextID     = uint64(len(kept) + 1)
		merged     int
	)
	writeBatch := func() error {
		table, err := writeSSTable(stagingDir, uint64(next.id), nextID, batch, next.bloomRate)
		if err != nil {
			return err
		}
		tables = append(tables, table)
		nextID++
		batch, batchBytes = nil, 0
		return nil
	}
	for entry := range survivors {
		value, err := readers.read(entry)
		if err != nil {
			return nil, nil, err
		}
		batch = append(batch, record{key: entry.Key, value: value, timestamp: entry.Timestamp})
		batchBytes += len(value)
		merged++
		if batchBytes >= splitBytes {
			if err := writeBatch(); err != nil {
				return nil, nil, err
			}
		}
	}
	if len(batch) > 0 {
		if err := writeBatch(); err != nil {
			return nil, nil, err
		}
	}

	total := 0
	for _, table := range inputs {
		total += len(table.entries)
	}
	slog.Debug("Staged compaction output.", "levelId", next.id, "inputEntries", total, "survivors", merged,
		"tables", len(tables))
	return tables, renamed, nil
}

// stageRenumbered links the value file of `table` into `stagingDir` under the new `id` and writes the matching
// index there.
func stageRenumbered(stagingDir string, table *SSTable, id uint64) (*SSTable, error) {
	valuePath, indexPath := tablePaths(stagingDir, id)
	if err := linkOrCopy(table.valuePath, valuePath); err != nil {
		return nil, err
	}
	entries := slices.Clone(table.entries)
	for i := range entries {
		entries[i].Table = id
	}
	if err := writeIndexFile(indexPath, entries); err != nil {
		return nil, err
	}
	return &SSTable{
		level:     table.level,
		table:     id,
		valuePath: valuePath,
		indexPath: indexPath,
		entries:   entries,
		filter:    table.filter,
	}, nil
}

// linkOrCopy hard links `src` to `dst`, falling back to a copy on filesystems without hard links.
func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return ioErr("open", src, err)
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return ioErr("create", dst, err)
	}
	writer := NewBlockWriter(out)
	if _, err := io.Copy(writer, in); err != nil {
		_ = writer.Close()
		return ioErr("copy", dst, err)
	}
	return ioErr("write", dst, writer.Close())
}

// writeManifest atomically writes the MANIFEST of `stagingDir`, listing `paths` relative to `root`.
func writeManifest(root, stagingDir string, paths []string) error {
	var content bytes.Buffer
	for _, path := range paths {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("%w: %s is outside of %s", ErrInvalidState, path, root)
		}
		content.WriteString(filepath.ToSlash(rel))
		content.WriteByte('\n')
	}
	manifestPath := filepath.Join(stagingDir, manifestName)
	tmpPath := manifestPath + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return ioErr("create", tmpPath, err)
	}
	writer := NewBlockWriter(file)
	if _, err := writer.Write(content.Bytes()); err != nil {
		_ = writer.Close()
		return ioErr("write", tmpPath, err)
	}
	if err := writer.Close(); err != nil {
		return ioErr("write", tmpPath, err)
	}
	return ioErr("rename", tmpPath, os.Rename(tmpPath, manifestPath))
}

// readManifest returns the absolute paths listed by the MANIFEST at `manifestPath`.
func readManifest(root, manifestPath string) ([]string, error) {
	file, err := os.Open(manifestPath)
	if err != nil {
		return nil, ioErr("open", manifestPath, err)
	}
	defer func() { _ = file.Close() }()

	var paths []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rel := filepath.FromSlash(line)
		if !filepath.IsLocal(rel) {
			return nil, fmt.Errorf("%w: manifest %s lists a path outside of the store: %q", ErrInvalidState,
				manifestPath, line)
		}
		paths = append(paths, filepath.Join(root, rel))
	}
	if err := scanner.Err(); err != nil {
		return nil, ioErr("read", manifestPath, err)
	}
	return paths, nil
}

// commitStaging finishes a committed compaction into the level directory `levelDir`: it deletes the files listed by
// the MANIFEST, empties it, moves staged tables into the level and removes the staging directory.
func commitStaging(root, levelDir string) error {
	stagingDir := filepath.Join(levelDir, stagingDirName)
	manifestPath := filepath.Join(stagingDir, manifestName)
	toDelete, err := readManifest(root, manifestPath)
	if err != nil {
		return err
	}
	for _, path := range toDelete {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return ioErr("remove", path, err)
		}
	}
	// Staged tables may reuse the ids of deleted ones, so the deletions must not be replayed past this point.
	if len(toDelete) > 0 {
		if err := writeManifest(root, stagingDir, nil); err != nil {
			return err
		}
	}
	// Value files move first; restore drops value files whose index is missing.
	for _, sub := range []string{"", indexDirName} {
		dir := filepath.Join(stagingDir, sub)
		files, err := os.ReadDir(dir)
		if err != nil {
			return ioErr("list", dir, err)
		}
		for _, file := range files {
			if _, ok := parseTableName(file.Name()); file.IsDir() || !ok {
				continue
			}
			src, dst := filepath.Join(dir, file.Name()), filepath.Join(levelDir, sub, file.Name())
			if err := os.Rename(src, dst); err != nil {
				return ioErr("rename", src, err)
			}
		}
	}
	return ioErr("remove", stagingDir, os.RemoveAll(stagingDir))
}

// recoverStaging resolves a staging directory left behind by an interrupted compaction into `levelDir`.
func recoverStaging(root, levelDir string) error {
	stagingDir := filepath.Join(levelDir, stagingDirName)
	if _, err := os.Stat(stagingDir); errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return ioErr("stat", stagingDir, err)
	}
	if _, err := os.Stat(filepath.Join(stagingDir, manifestName)); errors.Is(err, os.ErrNotExist) {
		slog.Warn("Discarding uncommitted compaction output.", "path", stagingDir)
		return ioErr("remove", stagingDir, os.RemoveAll(stagingDir))
	}
	slog.Warn("Finishing committed compaction.", "path", stagingDir)
	return commitStaging(root, levelDir)
}
