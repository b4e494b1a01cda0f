package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/snappy"

	"github.com/dd0wney/cluso-eventindex/pkg/logging"
)

// Initialize loads the index from disk and brings it up to untilLogPosition.
// A corrupt index is rebuilt from the log when a Replayer is configured and
// reported as ErrCorruptIndex otherwise. Entries at or beyond
// untilLogPosition are discarded by rewriting the affected tables.
func (ti *TableIndex) Initialize(ctx context.Context, untilLogPosition int64) error {
	ti.lifecycleMu.Lock()
	defer ti.lifecycleMu.Unlock()

	switch ti.State() {
	case StateReady:
		return ErrAlreadyInitialized
	case StateClosed:
		return ErrClosed
	}
	if untilLogPosition < 0 {
		return invalidArgument("initialize", "untilLogPosition must be non-negative")
	}

	timer := logging.StartTimer(ti.logger, "Table index initialized", logging.Path(ti.dir))

	if err := EnsureDir(ti.dir); err != nil {
		return ioError("initialize", ti.dir, err)
	}

	m, err := ti.loadOrRebuild()
	if err != nil {
		return err
	}

	if m, err = ti.truncate(m, untilLogPosition); err != nil {
		m.DisposeTables()
		return err
	}
	ti.indexMap.Store(m)
	ti.cleanupOrphans(m)

	ti.mu.Lock()
	ti.awaiting = []*tableItem{ti.newTableItem()}
	ti.mu.Unlock()

	ti.metrics.SetTablesPerLevel(m.TablesPerLevel())
	ti.metrics.CommitCheckpoint.Set(float64(m.CommitCheckpoint()))

	ti.state.Store(int32(StateReady))
	ti.startBackground()

	if err := ti.replay(ctx, m.CommitCheckpoint()+1, untilLogPosition); err != nil {
		return errors.Join(err, ti.shutdownLocked(false))
	}

	timer.EndWithLevel(logging.InfoLevel, "Table index initialized")
	return nil
}

// loadOrRebuild returns the persisted map. A corrupt manifest falls back to
// indexmap.backup; failing that the index is wiped and an empty map returned.
func (ti *TableIndex) loadOrRebuild() (*IndexMap, error) {
	var cause error
	if IsCorrupt(ti.dir) {
		cause = NewError("initialize").Path(ti.dir).Context("merge marker present").Cause(ErrCorruptIndex).Err()
	} else {
		m, err := LoadIndexMap(ti.indexMapPath(), ti.mapConfig())
		if err == nil {
			return m, nil
		}
		if !IsCorruption(err) {
			return nil, err
		}
		cause = err

		ti.logger.Error("Index map is corrupt", logging.Path(ti.indexMapPath()), logging.Error(cause))
		backup, err := ti.loadBackupMap()
		if err == nil {
			ti.logger.Info("Using back-up index map",
				logging.Checkpoint(backup.PrepareCheckpoint(), backup.CommitCheckpoint()))
			ti.metrics.RecordRebuild("backup")
			return backup, nil
		}
		ti.logger.Warn("Back-up index map is unusable", logging.Error(err))
	}

	ti.logger.Error("Index is corrupt", logging.Path(ti.dir), logging.Error(cause))
	ti.metrics.RecordRebuild("corrupt")

	if ti.opts.Replayer == nil {
		return nil, cause
	}

	if ti.opts.DumpCorruptIndex {
		if dumpDir, err := dumpIndexDirectory(ti.dir); err != nil {
			ti.logger.Warn("Failed to dump corrupt index", logging.Error(err))
		} else {
			ti.logger.Info("Dumped corrupt index", logging.Path(dumpDir))
		}
	}

	if err := wipeDirectory(ti.dir); err != nil {
		return nil, err
	}
	ti.logger.Info("Rebuilding index from the log", logging.Path(ti.dir))
	return NewEmptyIndexMap(ti.mapConfig())
}

// loadBackupMap loads indexmap.backup with the same checks as the manifest
// and restores it as the manifest
func (ti *TableIndex) loadBackupMap() (*IndexMap, error) {
	path := filepath.Join(ti.dir, IndexMapBackupFilename)
	if !FileExists(path) {
		return nil, NewError("load_backup_index_map").Path(path).Cause(os.ErrNotExist).Err()
	}
	m, err := LoadIndexMap(path, ti.mapConfig())
	if err != nil {
		return nil, err
	}
	if err := m.SaveToFile(ti.indexMapPath()); err != nil {
		m.DisposeTables()
		return nil, err
	}
	return m, nil
}

// truncate drops every entry whose position is >= until. Affected tables are
// rewritten through the merge path; tables left empty are removed.
func (ti *TableIndex) truncate(m *IndexMap, until int64) (*IndexMap, error) {
	if m.CommitCheckpoint() < until && m.PrepareCheckpoint() < until {
		return m, nil
	}

	ti.logger.Info("Truncating index",
		logging.Checkpoint(m.PrepareCheckpoint(), m.CommitCheckpoint()),
		logging.Int64("until", until))
	ti.metrics.RecordRebuild("truncate")

	if err := EnterUnsafeState(ti.dir); err != nil {
		return m, err
	}

	drop := func(e IndexEntry) bool { return e.Position >= until }
	levels := m.Levels()
	var replaced, created []*PTable
	for lvl := range levels {
		kept := levels[lvl][:0]
		for _, t := range levels[lvl] {
			affected, err := tableHasAny(t, drop)
			if err != nil {
				destroyAll(created)
				return m, err
			}
			if !affected {
				kept = append(kept, t)
				continue
			}

			rewritten, err := mergePTables([]*PTable{t}, ti.opts.FilenameProvider.NewTablePath(), ti.opts.MidpointCacheDepth, nil, drop, ti.logger)
			if err != nil {
				destroyAll(created)
				return m, err
			}
			replaced = append(replaced, t)
			if rewritten.Count() == 0 {
				rewritten.MarkForDestruction()
				continue
			}
			created = append(created, rewritten)
			kept = append(kept, rewritten)
		}
		levels[lvl] = kept
	}

	truncated := m.withTables(levels, min(m.PrepareCheckpoint(), until-1), min(m.CommitCheckpoint(), until-1))
	if err := truncated.SaveToFile(ti.indexMapPath()); err != nil {
		destroyAll(created)
		return m, err
	}
	if err := LeaveUnsafeState(ti.dir); err != nil {
		return m, err
	}

	for _, t := range replaced {
		t.MarkForDestruction()
	}
	ti.logger.Info("Index truncated",
		logging.Checkpoint(truncated.PrepareCheckpoint(), truncated.CommitCheckpoint()),
		logging.Count(len(replaced)))
	return truncated, nil
}

func tableHasAny(t *PTable, pred func(IndexEntry) bool) (bool, error) {
	found := false
	err := t.Iterate(func(e IndexEntry) bool {
		found = pred(e)
		return !found
	})
	return found, err
}

func destroyAll(tables []*PTable) {
	for _, t := range tables {
		t.MarkForDestruction()
	}
}

// cleanupOrphans removes files the map does not reference, keeping the
// manifest and its backup
func (ti *TableIndex) cleanupOrphans(m *IndexMap) {
	keep := map[string]bool{
		IndexMapFilename:       true,
		IndexMapBackupFilename: true,
	}
	for _, p := range m.Filenames() {
		keep[filepath.Base(p)] = true
	}

	entries, err := os.ReadDir(ti.dir)
	if err != nil {
		ti.logger.Warn("Failed to list index directory", logging.Path(ti.dir), logging.Error(err))
		return
	}
	for _, e := range entries {
		if e.IsDir() || keep[e.Name()] {
			continue
		}
		path := filepath.Join(ti.dir, e.Name())
		if err := os.Remove(path); err != nil {
			ti.logger.Warn("Failed to remove orphaned file", logging.Path(path), logging.Error(err))
			continue
		}
		ti.logger.Info("Removed orphaned file", logging.Path(path))
	}
}

// replay re-adds log entries committed in [from, until)
func (ti *TableIndex) replay(ctx context.Context, from, until int64) error {
	if ti.opts.Replayer == nil || from >= until {
		return nil
	}

	ti.logger.Info("Replaying log into index", logging.Int64("from", from), logging.Int64("until", until))
	var replayed int64
	err := ti.opts.Replayer.Replay(ctx, from, until, func(commitPos int64, stream uint32, version int32, position int64) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := ti.Add(commitPos, stream, version, position); err != nil {
			return err
		}
		replayed++
		ti.metrics.ReplayedEntries.Inc()
		return nil
	})
	if err != nil {
		return NewError("replay").Contextf("from %d until %d", from, until).Cause(err).Err()
	}
	ti.logger.Info("Log replay finished", logging.Int64("entries", replayed))
	return nil
}

// dumpIndexDirectory copies every file of dir into a sibling
// index-backup-<timestamp> directory as snappy streams
func dumpIndexDirectory(dir string) (string, error) {
	stamp := strings.ReplaceAll(time.Now().UTC().Format("2006-01-02_15-04-05.000000"), ".", "-")
	dumpDir := filepath.Join(filepath.Dir(filepath.Clean(dir)), fmt.Sprintf("index-backup-%s", stamp))
	if err := EnsureDir(dumpDir); err != nil {
		return "", err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := compressFile(filepath.Join(dir, e.Name()), filepath.Join(dumpDir, e.Name()+".sz")); err != nil {
			return dumpDir, err
		}
	}
	return dumpDir, nil
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	w := snappy.NewBufferedWriter(out)
	if _, err := io.Copy(w, in); err != nil {
		out.Close()
		return err
	}
	if err := w.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// wipeDirectory removes every regular file in dir
func wipeDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ioError("wipe_index", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return ioError("wipe_index", path, err)
		}
	}
	return nil
}
