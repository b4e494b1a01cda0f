package index

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/dd0wney/cluso-eventindex/pkg/logging"
)

// startBackground launches the flush worker
func (ti *TableIndex) startBackground() {
	ti.wg.Add(1)
	go ti.flushWorker()
}

// scheduleBackgroundLocked marks background work pending and signals the
// worker. ti.mu must be held.
func (ti *TableIndex) scheduleBackgroundLocked() {
	if !ti.bgRunning {
		ti.bgRunning = true
		ti.bgDone = make(chan struct{})
	}
	select {
	case ti.flushCh <- struct{}{}:
	default:
	}
}

// flushWorker drains awaiting memtables whenever it is signalled
func (ti *TableIndex) flushWorker() {
	defer ti.wg.Done()

	for {
		select {
		case <-ti.flushCh:
			ti.runBackground()
		case <-ti.stopCh:
			return
		}
	}
}

// runBackground flushes until the queue is empty, then reports idle
func (ti *TableIndex) runBackground() {
	for {
		err := ti.readOffQueue()

		ti.mu.Lock()
		if err == nil && len(ti.awaiting) > 1 {
			ti.mu.Unlock()
			continue
		}
		if err != nil && ti.bgErr == nil {
			ti.bgErr = err
		}
		if ti.bgRunning {
			ti.bgRunning = false
			close(ti.bgDone)
		}
		ti.mu.Unlock()

		if err != nil {
			ti.metrics.BackgroundErrorsTotal.Inc()
			ti.logger.Error("Background flush failed", logging.Error(err))
		}
		return
	}
}

func (ti *TableIndex) setBackgroundError(err error) {
	ti.mu.Lock()
	if ti.bgErr == nil {
		ti.bgErr = err
	}
	ti.mu.Unlock()
	ti.metrics.BackgroundErrorsTotal.Inc()
	ti.logger.Error("Flush failed", logging.Error(err))
}

// WaitForBackground blocks until no flush or merge is pending. It returns
// the sticky background error, if any.
func (ti *TableIndex) WaitForBackground(timeout time.Duration) error {
	ti.mu.Lock()
	running, done := ti.bgRunning, ti.bgDone
	ti.mu.Unlock()

	if running {
		select {
		case <-done:
		case <-time.After(timeout):
			return NewError("wait_for_background").Contextf("after %v", timeout).Cause(ErrTimeout).Err()
		}
	}

	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.bgErr
}

// stopBackground waits for pending flushes, then stops the worker
func (ti *TableIndex) stopBackground() error {
	if err := ti.WaitForBackground(ti.opts.BackgroundTimeout); err != nil && IsTimeout(err) {
		ti.logger.Error("Background work did not finish in time", logging.Error(err))
		return err
	}
	close(ti.stopCh)
	ti.wg.Wait()
	return nil
}

// readOffQueue flushes awaiting memtables oldest first. For each one it
// writes a ptable, backs up the manifest, adds the table under the merge
// marker, publishes and saves the new map, drops the memtable and retires
// the tables the merge replaced.
func (ti *TableIndex) readOffQueue() error {
	ti.flushMu.Lock()
	defer ti.flushMu.Unlock()

	for {
		ti.mu.Lock()
		if len(ti.awaiting) <= 1 {
			ti.mu.Unlock()
			return nil
		}
		item := ti.awaiting[len(ti.awaiting)-1]
		ti.mu.Unlock()

		if err := ti.flushItem(item); err != nil {
			return err
		}
	}
}

func (ti *TableIndex) flushItem(item *tableItem) error {
	entries := item.table.Count()
	timer := logging.StartTimer(ti.logger, "Flushed memtable",
		logging.TableID(item.table.ID()),
		logging.Count(entries))
	ti.logger.Debug("Started dumping MemTable", logging.TableID(item.table.ID()), logging.Count(entries))

	pt, err := NewPTableFromMemTable(item.table, ti.opts.FilenameProvider.NewTablePath(), ti.opts.MidpointCacheDepth, ti.logger)
	if err != nil {
		ti.metrics.RecordFlush("error", entries, timer.Elapsed())
		return err
	}

	current := ti.indexMap.Load()
	prepare := max(item.prepare, current.PrepareCheckpoint())
	commit := max(item.commit, current.CommitCheckpoint())

	if err := ti.backupIndexMap(); err != nil {
		pt.MarkForDestruction()
		return err
	}
	if err := EnterUnsafeState(ti.dir); err != nil {
		pt.MarkForDestruction()
		return err
	}

	res, err := current.AddPTable(pt, prepare, commit, ti.opts.FilenameProvider)
	if err != nil {
		pt.MarkForDestruction()
		ti.metrics.RecordFlush("error", entries, timer.Elapsed())
		return err
	}

	if err := ti.installMap(res); err != nil {
		ti.metrics.RecordFlush("error", entries, timer.Elapsed())
		return err
	}

	ti.mu.Lock()
	for i := len(ti.awaiting) - 1; i > 0; i-- {
		if ti.awaiting[i] == item {
			ti.awaiting = append(ti.awaiting[:i:i], ti.awaiting[i+1:]...)
			break
		}
	}
	ti.metrics.AwaitingMemTables.Set(float64(len(ti.awaiting) - 1))
	ti.mu.Unlock()

	for _, t := range res.ToDelete {
		t.MarkForDestruction()
	}

	ti.metrics.RecordFlush("success", entries, timer.End())
	ti.metrics.SetTablesPerLevel(res.MergedMap.TablesPerLevel())
	ti.metrics.CommitCheckpoint.Set(float64(commit))
	return nil
}

// installMap publishes res and persists it. If persisting fails the marker
// stays for the next startup, and the superseded tables are released here
// since nothing will retire them later.
func (ti *TableIndex) installMap(res MergeResult) error {
	ti.indexMap.Store(res.MergedMap)

	err := res.MergedMap.SaveToFile(ti.indexMapPath())
	if err == nil {
		err = LeaveUnsafeState(ti.dir)
	}
	if err != nil {
		for _, t := range res.ToDelete {
			t.Dispose()
		}
		ti.logger.Error("Failed to persist index map", logging.Path(ti.indexMapPath()), logging.Error(err))
		return err
	}
	return nil
}

// backupIndexMap copies the current manifest to indexmap.backup
func (ti *TableIndex) backupIndexMap() error {
	src := ti.indexMapPath()
	dst := filepath.Join(ti.dir, IndexMapBackupFilename)
	if err := copyFile(src, dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return ioError("backup_index_map", dst, err)
	}
	return nil
}
