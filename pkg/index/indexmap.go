package index

import (
	"fmt"
	"time"

	"github.com/dd0wney/cluso-eventindex/pkg/logging"
	"github.com/dd0wney/cluso-eventindex/pkg/metrics"
)

// IndexMapVersion is the manifest format version
const IndexMapVersion = 1

// IndexMapConfig carries the settings an index map needs for later merges
type IndexMapConfig struct {
	MaxTablesPerLevel  int
	MidpointCacheDepth int
	// IsHashCollision tells the merge whether a tombstone's stream hash is
	// shared by another stream. Nil disables tombstone pruning.
	IsHashCollision func(IndexEntry) bool
	Logger          logging.Logger
	Metrics         *metrics.Registry
}

func (c IndexMapConfig) withDefaults() IndexMapConfig {
	if c.MaxTablesPerLevel == 0 {
		c.MaxTablesPerLevel = DefaultMaxTablesPerLevel
	}
	if c.Logger == nil {
		c.Logger = logging.NewNopLogger()
	}
	return c
}

// IndexMap is an immutable snapshot of the leveled ptables and the log
// positions they cover. Mutations return a new map.
type IndexMap struct {
	version           int
	prepareCheckpoint int64
	commitCheckpoint  int64
	levels            [][]*PTable
	cfg               IndexMapConfig
}

// MergeResult is the outcome of adding a table to an index map
type MergeResult struct {
	MergedMap *IndexMap
	ToDelete  []*PTable
}

// NewEmptyIndexMap returns a map with no tables and both checkpoints at -1
func NewEmptyIndexMap(cfg IndexMapConfig) (*IndexMap, error) {
	cfg = cfg.withDefaults()
	if cfg.MaxTablesPerLevel < 2 {
		return nil, invalidArgument("new_index_map", "maxTablesPerLevel must be at least 2")
	}
	return &IndexMap{
		version:           IndexMapVersion,
		prepareCheckpoint: -1,
		commitCheckpoint:  -1,
		cfg:               cfg,
	}, nil
}

// PrepareCheckpoint returns the prepare position covered by the map
func (m *IndexMap) PrepareCheckpoint() int64 {
	return m.prepareCheckpoint
}

// CommitCheckpoint returns the commit position covered by the map
func (m *IndexMap) CommitCheckpoint() int64 {
	return m.commitCheckpoint
}

// Levels returns a copy of the level layout
func (m *IndexMap) Levels() [][]*PTable {
	levels := make([][]*PTable, len(m.levels))
	for i, l := range m.levels {
		levels[i] = append([]*PTable(nil), l...)
	}
	return levels
}

// TableCount returns the number of tables across all levels
func (m *IndexMap) TableCount() int {
	n := 0
	for _, l := range m.levels {
		n += len(l)
	}
	return n
}

// TablesPerLevel returns the table count of each level
func (m *IndexMap) TablesPerLevel() []int {
	counts := make([]int, len(m.levels))
	for i, l := range m.levels {
		counts[i] = len(l)
	}
	return counts
}

// InOrder returns every table newest first: level 0 before level 1, and the
// most recently added table of a level before older ones.
func (m *IndexMap) InOrder() []*PTable {
	tables := make([]*PTable, 0, m.TableCount())
	for _, l := range m.levels {
		for i := len(l) - 1; i >= 0; i-- {
			tables = append(tables, l[i])
		}
	}
	return tables
}

// Filenames returns the path of every table
func (m *IndexMap) Filenames() []string {
	names := make([]string, 0, m.TableCount())
	for _, l := range m.levels {
		for _, t := range l {
			names = append(names, t.Path())
		}
	}
	return names
}

// AddFile opens the ptable at path and adds it
func (m *IndexMap) AddFile(path string, prepareCheckpoint, commitCheckpoint int64, fp FilenameProvider) (MergeResult, error) {
	t, err := OpenPTable(path, false, m.cfg.MidpointCacheDepth, m.cfg.Logger)
	if err != nil {
		return MergeResult{}, err
	}
	res, err := m.AddPTable(t, prepareCheckpoint, commitCheckpoint, fp)
	if err != nil {
		t.Dispose()
		return MergeResult{}, err
	}
	return res, nil
}

// AddPTable places t at level 0 and merges every level that reaches
// MaxTablesPerLevel into the next one. The receiver is left untouched; tables
// superseded by merges are returned in ToDelete for the caller to retire once
// the new map is durable.
func (m *IndexMap) AddPTable(t *PTable, prepareCheckpoint, commitCheckpoint int64, fp FilenameProvider) (MergeResult, error) {
	if t == nil {
		return MergeResult{}, invalidArgument("add_ptable", "table is nil")
	}
	if fp == nil {
		return MergeResult{}, invalidArgument("add_ptable", "filename provider is nil")
	}
	if prepareCheckpoint < 0 || commitCheckpoint < 0 {
		return MergeResult{}, invalidArgument("add_ptable", "checkpoints must be non-negative")
	}
	if prepareCheckpoint < m.prepareCheckpoint || commitCheckpoint < m.commitCheckpoint {
		return MergeResult{}, invalidArgument("add_ptable",
			fmt.Sprintf("checkpoints %d/%d are behind %d/%d", prepareCheckpoint, commitCheckpoint, m.prepareCheckpoint, m.commitCheckpoint))
	}

	levels := m.Levels()
	if len(levels) == 0 {
		levels = append(levels, nil)
	}
	levels[0] = append(levels[0], t)

	var (
		toDelete []*PTable
		created  []*PTable
	)
	for level := 0; level < len(levels); level++ {
		if len(levels[level]) < m.cfg.MaxTablesPerLevel {
			continue
		}
		if level+1 == len(levels) {
			levels = append(levels, nil)
		}

		start := time.Now()
		merged, err := MergePTables(levels[level], fp.NewTablePath(), m.cfg.MidpointCacheDepth, m.cfg.IsHashCollision, m.cfg.Logger)
		if err != nil {
			for _, c := range created {
				c.MarkForDestruction()
			}
			return MergeResult{}, err
		}
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.RecordMerge(level, time.Since(start))
		}
		m.cfg.Logger.Debug("Merged level",
			logging.MergeLevel(level),
			logging.Count(len(levels[level])),
			logging.TableID(merged.ID()))

		created = append(created, merged)
		toDelete = append(toDelete, levels[level]...)
		levels[level] = nil
		levels[level+1] = append(levels[level+1], merged)
	}

	return MergeResult{
		MergedMap: &IndexMap{
			version:           IndexMapVersion,
			prepareCheckpoint: prepareCheckpoint,
			commitCheckpoint:  commitCheckpoint,
			levels:            trimLevels(levels),
			cfg:               m.cfg,
		},
		ToDelete: toDelete,
	}, nil
}

// withTables returns a copy of m holding levels at the given checkpoints
func (m *IndexMap) withTables(levels [][]*PTable, prepareCheckpoint, commitCheckpoint int64) *IndexMap {
	return &IndexMap{
		version:           IndexMapVersion,
		prepareCheckpoint: prepareCheckpoint,
		commitCheckpoint:  commitCheckpoint,
		levels:            trimLevels(levels),
		cfg:               m.cfg,
	}
}

// trimLevels drops empty trailing levels
func trimLevels(levels [][]*PTable) [][]*PTable {
	n := len(levels)
	for n > 0 && len(levels[n-1]) == 0 {
		n--
	}
	return levels[:n]
}

// DisposeTables closes every table without deleting files
func (m *IndexMap) DisposeTables() {
	for _, l := range m.levels {
		for _, t := range l {
			t.Dispose()
		}
	}
}

// MarkAllForDestruction retires every table and deletes its file
func (m *IndexMap) MarkAllForDestruction() {
	for _, l := range m.levels {
		for _, t := range l {
			t.MarkForDestruction()
		}
	}
}

// WaitForDisposal waits for every table to release its resources
func (m *IndexMap) WaitForDisposal(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for _, l := range m.levels {
		for _, t := range l {
			if err := t.WaitForDisposal(max(time.Until(deadline), 0)); err != nil {
				return err
			}
		}
	}
	return nil
}
