package index

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dd0wney/cluso-eventindex/pkg/logging"
	"github.com/dd0wney/cluso-eventindex/pkg/metrics"
)

// State is the lifecycle state of a TableIndex
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// maxReadRetries bounds how often a query restarts after racing with table
// retirement
const maxReadRetries = 5

// tableItem is a memtable together with the log positions it covers
type tableItem struct {
	table   MemTable
	prepare int64
	commit  int64
}

// TableIndex owns the live memtable and the current index map. It answers
// reads across both and moves full memtables into ptables.
type TableIndex struct {
	opts    Options
	dir     string
	logger  logging.Logger
	metrics *metrics.Registry

	lifecycleMu sync.Mutex
	state       atomic.Int32

	flushMu  sync.Mutex   // serializes readOffQueue
	mu       sync.Mutex   // guards awaiting and the background fields
	awaiting []*tableItem // [0] is the live memtable; older full ones follow, oldest last
	indexMap atomic.Pointer[IndexMap]

	bgRunning bool
	bgDone    chan struct{}
	bgErr     error

	flushCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewTableIndex validates opts and returns an uninitialized index
func NewTableIndex(opts Options) (*TableIndex, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	return &TableIndex{
		opts:    opts,
		dir:     opts.Directory,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}, nil
}

// State returns the lifecycle state
func (ti *TableIndex) State() State {
	return State(ti.state.Load())
}

// Directory returns the index directory
func (ti *TableIndex) Directory() string {
	return ti.dir
}

// Checkpoints returns the prepare and commit checkpoints of the current map
func (ti *TableIndex) Checkpoints() (prepare, commit int64) {
	m := ti.indexMap.Load()
	if m == nil {
		return -1, -1
	}
	return m.PrepareCheckpoint(), m.CommitCheckpoint()
}

func (ti *TableIndex) indexMapPath() string {
	return filepath.Join(ti.dir, IndexMapFilename)
}

func (ti *TableIndex) mapConfig() IndexMapConfig {
	return IndexMapConfig{
		MaxTablesPerLevel:  ti.opts.MaxTablesPerLevel,
		MidpointCacheDepth: ti.opts.MidpointCacheDepth,
		IsHashCollision:    ti.isHashCollision,
		Logger:             ti.logger,
		Metrics:            ti.metrics,
	}
}

func (ti *TableIndex) checkReady() error {
	switch ti.State() {
	case StateUninitialized:
		return ErrNotInitialized
	case StateClosed:
		return ErrClosed
	}
	return nil
}

// Add records that version of stream lives at position in the log
func (ti *TableIndex) Add(commitPos int64, stream uint32, version int32, position int64) error {
	if err := validateAdd(commitPos, version, position); err != nil {
		return err
	}
	return ti.AddEntries(commitPos, []IndexEntry{NewIndexEntry(stream, version, position)})
}

// AddEntries adds a batch committed at commitPos
func (ti *TableIndex) AddEntries(commitPos int64, entries []IndexEntry) error {
	if err := ti.checkReady(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	var maxPos int64 = -1
	for _, e := range entries {
		maxPos = max(maxPos, e.Position)
	}

	// The memtable write happens under mu so a concurrent swap cannot hand
	// the table to a flush between the write and the bookkeeping.
	ti.mu.Lock()
	if err := ti.bgErr; err != nil {
		ti.mu.Unlock()
		return NewError("add").Context("background flush failed").Cause(err).Err()
	}
	if len(ti.awaiting) == 0 {
		ti.mu.Unlock()
		return ErrClosed
	}
	live := ti.awaiting[0]
	if err := live.table.AddEntries(commitPos, entries); err != nil {
		ti.mu.Unlock()
		return err
	}
	live.prepare = max(live.prepare, maxPos)
	live.commit = max(live.commit, commitPos)
	count := live.table.Count()
	full := count >= ti.opts.MaxMemTableSize
	if full {
		ti.awaiting = append([]*tableItem{ti.newTableItem()}, ti.awaiting...)
		ti.metrics.AwaitingMemTables.Set(float64(len(ti.awaiting) - 1))
		if !ti.opts.SynchronousFlush {
			ti.scheduleBackgroundLocked()
		}
	}
	ti.mu.Unlock()

	ti.metrics.IndexAddsTotal.Add(float64(len(entries)))
	if full {
		ti.metrics.MemTableEntries.Set(0)
	} else {
		ti.metrics.MemTableEntries.Set(float64(count))
	}

	if full && ti.opts.SynchronousFlush {
		if err := ti.readOffQueue(); err != nil {
			ti.setBackgroundError(err)
			return err
		}
	}
	return nil
}

func (ti *TableIndex) newTableItem() *tableItem {
	return &tableItem{table: ti.opts.MemTableFactory(), prepare: -1, commit: -1}
}

// snapshot copies the awaiting list before loading the map. The flush path
// publishes a new map before it drops the flushed memtable, so every entry
// is visible in at least one of the two.
func (ti *TableIndex) snapshot() ([]*tableItem, *IndexMap) {
	ti.mu.Lock()
	awaiting := append([]*tableItem(nil), ti.awaiting...)
	ti.mu.Unlock()
	return awaiting, ti.indexMap.Load()
}

// withRetry runs fn on a fresh snapshot, retrying when a table was retired
// underneath it
func (ti *TableIndex) withRetry(op string, fn func(awaiting []*tableItem, m *IndexMap) error) error {
	if err := ti.checkReady(); err != nil {
		return err
	}
	start := time.Now()
	for attempt := 0; ; attempt++ {
		awaiting, m := ti.snapshot()
		err := fn(awaiting, m)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrFileBeingDeleted) || attempt >= maxReadRetries {
			ti.metrics.RecordLookup(op, metrics.ResultError, time.Since(start))
			return err
		}
		ti.metrics.ReadRetriesTotal.Inc()
		ti.logger.Debug("Retrying read after table retirement", logging.Operation(op), logging.Int("attempt", attempt+1))
	}
}

func (ti *TableIndex) recordLookup(op string, found bool, start time.Time) {
	result := metrics.ResultMiss
	if found {
		result = metrics.ResultHit
	}
	ti.metrics.RecordLookup(op, result, time.Since(start))
}

// source is the read surface shared by memtables and ptables
type source interface {
	TryGetOneValue(stream uint32, version int32) (int64, bool, error)
	TryGetLatestEntry(stream uint32) (IndexEntry, bool, error)
	TryGetOldestEntry(stream uint32) (IndexEntry, bool, error)
	GetRange(stream uint32, startVersion, endVersion int32) ([]IndexEntry, error)
}

// sources lists every readable source newest first: awaiting memtables, then
// the map's tables
func sources(awaiting []*tableItem, m *IndexMap) []source {
	tables := m.InOrder()
	srcs := make([]source, 0, len(awaiting)+len(tables))
	for _, item := range awaiting {
		srcs = append(srcs, item.table)
	}
	for _, t := range tables {
		srcs = append(srcs, t)
	}
	return srcs
}

// TryGetOneValue returns the position of (stream, version) from the newest
// source holding it
func (ti *TableIndex) TryGetOneValue(stream uint32, version int32) (int64, bool, error) {
	if err := validateVersion("try_get_one_value", version); err != nil {
		return 0, false, err
	}
	start := time.Now()

	var (
		position int64
		found    bool
	)
	err := ti.withRetry("try_get_one_value", func(awaiting []*tableItem, m *IndexMap) error {
		found = false
		for _, src := range sources(awaiting, m) {
			pos, ok, err := src.TryGetOneValue(stream, version)
			if err != nil {
				return err
			}
			if ok {
				position, found = pos, true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	ti.recordLookup("try_get_one_value", found, start)
	return position, found, nil
}

// TryGetLatestEntry returns the highest version of stream from the newest
// source holding the stream
func (ti *TableIndex) TryGetLatestEntry(stream uint32) (IndexEntry, bool, error) {
	start := time.Now()

	var (
		entry IndexEntry
		found bool
	)
	err := ti.withRetry("try_get_latest_entry", func(awaiting []*tableItem, m *IndexMap) error {
		found = false
		for _, src := range sources(awaiting, m) {
			e, ok, err := src.TryGetLatestEntry(stream)
			if err != nil {
				return err
			}
			if ok {
				entry, found = e, true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return IndexEntry{}, false, err
	}
	ti.recordLookup("try_get_latest_entry", found, start)
	return entry, found, nil
}

// TryGetOldestEntry returns the lowest version of stream across every source,
// smallest position on ties
func (ti *TableIndex) TryGetOldestEntry(stream uint32) (IndexEntry, bool, error) {
	start := time.Now()

	var (
		oldest IndexEntry
		found  bool
	)
	err := ti.withRetry("try_get_oldest_entry", func(awaiting []*tableItem, m *IndexMap) error {
		found = false
		for _, src := range sources(awaiting, m) {
			e, ok, err := src.TryGetOldestEntry(stream)
			if err != nil {
				return err
			}
			if ok && (!found || CompareEntries(e, oldest) > 0) {
				oldest, found = e, true
			}
		}
		return nil
	})
	if err != nil {
		return IndexEntry{}, false, err
	}
	ti.recordLookup("try_get_oldest_entry", found, start)
	return oldest, found, nil
}

// GetRange returns every entry of stream with a version in
// [startVersion, endVersion] in descending order. An entry visible both in a
// memtable being flushed and in its new ptable is returned once.
func (ti *TableIndex) GetRange(stream uint32, startVersion, endVersion int32) ([]IndexEntry, error) {
	if err := validateRange(startVersion, endVersion); err != nil {
		return nil, err
	}
	start := time.Now()

	var result []IndexEntry
	err := ti.withRetry("get_range", func(awaiting []*tableItem, m *IndexMap) error {
		srcs := sources(awaiting, m)
		lists := make([][]IndexEntry, 0, len(srcs))
		for _, src := range srcs {
			entries, err := src.GetRange(stream, startVersion, endVersion)
			if err != nil {
				return err
			}
			lists = append(lists, entries)
		}

		merged, err := mergeSorted(lists)
		if err != nil {
			return err
		}
		result = merged
		return nil
	})
	if err != nil {
		return nil, err
	}
	ti.recordLookup("get_range", len(result) > 0, start)
	return result, nil
}

// isHashCollision reports whether more than one entry exists for version 0
// of the entry's stream hash
func (ti *TableIndex) isHashCollision(e IndexEntry) bool {
	entries, err := ti.GetRange(e.Stream(), 0, 0)
	if err != nil {
		// Keep the entries when unsure
		return true
	}
	return len(entries) > 1
}

// Stats is a point-in-time view of the index
type Stats struct {
	State             State
	MemTableEntries   int
	AwaitingMemTables int
	TablesPerLevel    []int
	PrepareCheckpoint int64
	CommitCheckpoint  int64
	BackgroundRunning bool
	BackgroundError   error
}

// Stats returns a snapshot of the index state
func (ti *TableIndex) Stats() Stats {
	ti.mu.Lock()
	s := Stats{
		State:             ti.State(),
		BackgroundRunning: ti.bgRunning,
		BackgroundError:   ti.bgErr,
	}
	if len(ti.awaiting) > 0 {
		s.MemTableEntries = ti.awaiting[0].table.Count()
		s.AwaitingMemTables = len(ti.awaiting) - 1
	}
	ti.mu.Unlock()

	s.PrepareCheckpoint, s.CommitCheckpoint = ti.Checkpoints()
	if m := ti.indexMap.Load(); m != nil {
		s.TablesPerLevel = m.TablesPerLevel()
	}
	return s
}

// Close stops background work and releases every table without deleting
// files. Entries still in the live memtable are not persisted; they are
// recovered by log replay on the next Initialize.
func (ti *TableIndex) Close() error {
	return ti.shutdown(false)
}

// ClearAll stops background work and releases every table. With removeFiles
// set the ptables and manifest are deleted, also after a Close. An index
// closed before it ever loaded a map has no files to name and returns
// ErrClosed.
func (ti *TableIndex) ClearAll(removeFiles bool) error {
	return ti.shutdown(removeFiles)
}

func (ti *TableIndex) shutdown(removeFiles bool) error {
	ti.lifecycleMu.Lock()
	defer ti.lifecycleMu.Unlock()
	return ti.shutdownLocked(removeFiles)
}

// shutdownLocked requires lifecycleMu
func (ti *TableIndex) shutdownLocked(removeFiles bool) error {
	prev := ti.State()
	ti.state.Store(int32(StateClosed))
	switch prev {
	case StateUninitialized:
		return nil
	case StateClosed:
		if !removeFiles {
			return nil
		}
		// The tables were released by the first shutdown; only the files remain
		if ti.indexMap.Load() == nil {
			return ErrClosed
		}
	default:
		if err := ti.stopBackground(); err != nil {
			return err
		}

		ti.mu.Lock()
		ti.awaiting = nil
		ti.mu.Unlock()
	}

	m := ti.indexMap.Load()
	if removeFiles {
		m.MarkAllForDestruction()
	} else {
		m.DisposeTables()
	}

	if removeFiles {
		for _, name := range []string{IndexMapFilename, IndexMapBackupFilename, MergeMarkerFilename} {
			path := filepath.Join(ti.dir, name)
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return ioError("clear_all", path, err)
			}
		}
	}

	if err := m.WaitForDisposal(ti.opts.DisposalTimeout); err != nil {
		ti.logger.Error("Tables were not released in time", logging.Error(err))
		return err
	}

	ti.logger.Info("Table index closed", logging.Bool("files_removed", removeFiles))
	return nil
}
