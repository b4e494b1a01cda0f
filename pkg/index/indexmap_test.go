package index

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-eventindex/pkg/logging"
	"github.com/dd0wney/cluso-eventindex/pkg/metrics"
)

func mapConfig(maxTablesPerLevel int) IndexMapConfig {
	return IndexMapConfig{
		MaxTablesPerLevel:  maxTablesPerLevel,
		MidpointCacheDepth: 16,
		Logger:             logging.NewNopLogger(),
	}
}

// addTable adds a one-entry table and retires whatever the merge superseded
func addTable(t *testing.T, m *IndexMap, dir string, checkpoint int64, entries ...IndexEntry) *IndexMap {
	t.Helper()
	if len(entries) == 0 {
		entries = []IndexEntry{ie(uint32(checkpoint+1), 0, checkpoint)}
	}
	res, err := m.AddPTable(tableOf(t, dir, 16, entries...), checkpoint, checkpoint, NewGUIDFilenameProvider(dir))
	require.NoError(t, err)
	for _, old := range res.ToDelete {
		old.MarkForDestruction()
	}
	return res.MergedMap
}

// writeManifest writes body behind a valid hash line
func writeManifest(t *testing.T, path, body string) {
	t.Helper()
	sum := md5.Sum([]byte(body))
	require.NoError(t, os.WriteFile(path, []byte(hex.EncodeToString(sum[:])+"\n"+body), 0644))
}

func TestIndexMap_Empty(t *testing.T) {
	m, err := NewEmptyIndexMap(mapConfig(4))
	require.NoError(t, err)

	assert.EqualValues(t, -1, m.PrepareCheckpoint())
	assert.EqualValues(t, -1, m.CommitCheckpoint())
	assert.Zero(t, m.TableCount())
	assert.Empty(t, m.InOrder())

	_, err = NewEmptyIndexMap(mapConfig(1))
	assert.True(t, IsInvalidArgument(err))
}

func TestIndexMap_EmptyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, IndexMapFilename)

	m, err := LoadIndexMap(path, mapConfig(4))
	require.NoError(t, err)
	require.NoError(t, m.SaveToFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(string(data), "\n")
	require.Len(t, lines, 4)
	assert.Len(t, lines[0], 32)
	assert.Equal(t, "1", lines[1])
	assert.Equal(t, "-1/-1", lines[2])
	assert.Equal(t, "", lines[3])

	loaded, err := LoadIndexMap(path, mapConfig(4))
	require.NoError(t, err)
	assert.EqualValues(t, -1, loaded.PrepareCheckpoint())
	assert.EqualValues(t, -1, loaded.CommitCheckpoint())
	assert.Zero(t, loaded.TableCount())
}

func TestIndexMap_MergesFullLevel(t *testing.T) {
	dir := t.TempDir()
	m, err := NewEmptyIndexMap(mapConfig(4))
	require.NoError(t, err)

	var tables []*PTable
	for i := int64(0); i < 3; i++ {
		pt := tableOf(t, dir, 16, ie(uint32(i+1), 0, i))
		tables = append(tables, pt)
		res, err := m.AddPTable(pt, i, i, NewGUIDFilenameProvider(dir))
		require.NoError(t, err)
		assert.Empty(t, res.ToDelete)
		m = res.MergedMap
	}
	assert.Equal(t, []int{3}, m.TablesPerLevel())
	assert.Equal(t, []*PTable{tables[2], tables[1], tables[0]}, m.InOrder())

	fourth := tableOf(t, dir, 16, ie(4, 0, 3))
	res, err := m.AddPTable(fourth, 10, 12, NewGUIDFilenameProvider(dir))
	require.NoError(t, err)
	t.Cleanup(res.MergedMap.DisposeTables)

	assert.ElementsMatch(t, append(tables, fourth), res.ToDelete)
	assert.Equal(t, 1, res.MergedMap.TableCount())
	assert.Equal(t, []int{0, 1}, res.MergedMap.TablesPerLevel())
	assert.EqualValues(t, 10, res.MergedMap.PrepareCheckpoint())
	assert.EqualValues(t, 12, res.MergedMap.CommitCheckpoint())

	all, err := res.MergedMap.InOrder()[0].All()
	require.NoError(t, err)
	assert.Equal(t, []IndexEntry{ie(4, 0, 3), ie(3, 0, 2), ie(2, 0, 1), ie(1, 0, 0)}, all)
}

func TestIndexMap_CascadingMerge(t *testing.T) {
	dir := t.TempDir()
	cfg := mapConfig(2)
	cfg.Metrics = metrics.NewRegistry()
	m, err := NewEmptyIndexMap(cfg)
	require.NoError(t, err)

	m = addTable(t, m, dir, 0)
	m = addTable(t, m, dir, 1)
	assert.Equal(t, []int{0, 1}, m.TablesPerLevel())
	m = addTable(t, m, dir, 2)
	assert.Equal(t, []int{1, 1}, m.TablesPerLevel())

	res, err := m.AddPTable(tableOf(t, dir, 16, ie(4, 0, 3)), 3, 3, NewGUIDFilenameProvider(dir))
	require.NoError(t, err)
	t.Cleanup(res.MergedMap.DisposeTables)

	// Two level 0 tables, the old level 1 table and the intermediate merge
	assert.Len(t, res.ToDelete, 4)
	assert.Equal(t, []int{0, 0, 1}, res.MergedMap.TablesPerLevel())

	all, err := res.MergedMap.InOrder()[0].All()
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 0, 0, 0}, versions(all))
	assert.Len(t, all, 4)

	for _, old := range res.ToDelete {
		old.MarkForDestruction()
		require.NoError(t, old.WaitForDisposal(time.Second))
	}
	// Only the final table is left on disk
	names, err := filepath.Glob(filepath.Join(dir, "*"))
	require.NoError(t, err)
	assert.Equal(t, res.MergedMap.Filenames(), names)
}

func TestIndexMap_CheckpointValidation(t *testing.T) {
	dir := t.TempDir()
	m, err := NewEmptyIndexMap(mapConfig(4))
	require.NoError(t, err)
	fp := NewGUIDFilenameProvider(dir)

	_, err = m.AddPTable(tableOf(t, dir, 16), -1, -1, fp)
	assert.True(t, IsInvalidArgument(err), "negative checkpoints")

	_, err = m.AddPTable(nil, 0, 0, fp)
	assert.True(t, IsInvalidArgument(err), "nil table")

	_, err = m.AddPTable(tableOf(t, dir, 16), 0, 0, nil)
	assert.True(t, IsInvalidArgument(err), "nil filename provider")

	m = addTable(t, m, dir, 5)

	_, err = m.AddPTable(tableOf(t, dir, 16), 4, 6, fp)
	assert.True(t, IsInvalidArgument(err), "prepare behind")
	_, err = m.AddPTable(tableOf(t, dir, 16), 6, 4, fp)
	assert.True(t, IsInvalidArgument(err), "commit behind")

	res, err := m.AddPTable(tableOf(t, dir, 16), 5, 5, fp)
	require.NoError(t, err, "equal checkpoints are allowed")
	assert.Equal(t, 2, res.MergedMap.TableCount())
}

func TestIndexMap_ReceiverUnchanged(t *testing.T) {
	dir := t.TempDir()
	m, err := NewEmptyIndexMap(mapConfig(2))
	require.NoError(t, err)
	m = addTable(t, m, dir, 0)

	before := m.InOrder()
	res, err := m.AddPTable(tableOf(t, dir, 16, ie(9, 0, 1)), 1, 1, NewGUIDFilenameProvider(dir))
	require.NoError(t, err)
	t.Cleanup(res.MergedMap.DisposeTables)

	assert.Equal(t, before, m.InOrder())
	assert.EqualValues(t, 0, m.PrepareCheckpoint())
	assert.Equal(t, []int{1}, m.TablesPerLevel())
	assert.Equal(t, []int{0, 1}, res.MergedMap.TablesPerLevel())
}

func TestIndexMap_AddFile(t *testing.T) {
	dir := t.TempDir()
	m, err := NewEmptyIndexMap(mapConfig(4))
	require.NoError(t, err)

	pt := tableOf(t, dir, 16, ie(1, 0, 0))
	res, err := m.AddFile(pt.Path(), 0, 0, NewGUIDFilenameProvider(dir))
	require.NoError(t, err)
	t.Cleanup(res.MergedMap.DisposeTables)
	assert.Equal(t, []string{pt.Path()}, res.MergedMap.Filenames())

	_, err = m.AddFile(filepath.Join(dir, "missing"), 0, 0, NewGUIDFilenameProvider(dir))
	assert.ErrorIs(t, err, ErrIO)
}

func TestIndexMap_SaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, IndexMapFilename)
	m, err := NewEmptyIndexMap(mapConfig(2))
	require.NoError(t, err)

	m = addTable(t, m, dir, 0)
	m = addTable(t, m, dir, 1)
	m = addTable(t, m, dir, 7)
	require.Equal(t, []int{1, 1}, m.TablesPerLevel())
	require.NoError(t, m.SaveToFile(path))

	temps, err := filepath.Glob(filepath.Join(dir, "*"+indexMapTempSuffix))
	require.NoError(t, err)
	assert.Empty(t, temps, "temp manifest left behind")

	loaded, err := LoadIndexMap(path, mapConfig(2))
	require.NoError(t, err)
	defer loaded.DisposeTables()

	assert.EqualValues(t, 7, loaded.PrepareCheckpoint())
	assert.EqualValues(t, 7, loaded.CommitCheckpoint())
	assert.Equal(t, m.TablesPerLevel(), loaded.TablesPerLevel())
	assert.Equal(t, m.Filenames(), loaded.Filenames())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "7/7", lines[2])
	assert.Equal(t, fmt.Sprintf("0,0,%s", filepath.Base(m.Levels()[0][0].Path())), lines[3])
	assert.Equal(t, fmt.Sprintf("1,0,%s", filepath.Base(m.Levels()[1][0].Path())), lines[4])
}

func TestIndexMap_Corruption(t *testing.T) {
	setup := func(t *testing.T) (string, *IndexMap) {
		dir := t.TempDir()
		m, err := NewEmptyIndexMap(mapConfig(4))
		require.NoError(t, err)
		m = addTable(t, m, dir, 0, ie(1, 0, 0), ie(1, 1, 1))
		m = addTable(t, m, dir, 1, ie(2, 0, 2))
		path := filepath.Join(dir, IndexMapFilename)
		require.NoError(t, m.SaveToFile(path))
		return path, m
	}

	tests := []struct {
		name    string
		corrupt func(t *testing.T, path string, m *IndexMap)
		cause   error
	}{
		{
			name: "referenced ptable deleted",
			corrupt: func(t *testing.T, path string, m *IndexMap) {
				require.NoError(t, os.Remove(m.Filenames()[0]))
			},
			cause: os.ErrNotExist,
		},
		{
			name: "bit flipped in manifest checksum",
			corrupt: func(t *testing.T, path string, m *IndexMap) {
				data, err := os.ReadFile(path)
				require.NoError(t, err)
				data[0] = flipHexDigit(data[0])
				require.NoError(t, os.WriteFile(path, data, 0644))
			},
			cause: ErrHashMismatch,
		},
		{
			name: "bit flipped in ptable data",
			corrupt: func(t *testing.T, path string, m *IndexMap) {
				name := m.Filenames()[1]
				data, err := os.ReadFile(name)
				require.NoError(t, err)
				data[PTableHeaderSize] ^= 0x10
				require.NoError(t, os.WriteFile(name, data, 0644))
			},
			cause: ErrHashMismatch,
		},
		{
			name: "checkpoint line removed",
			corrupt: func(t *testing.T, path string, m *IndexMap) {
				writeManifest(t, path, "1\n")
			},
			cause: ErrInvalidFileFormat,
		},
		{
			name: "truncated after version line",
			corrupt: func(t *testing.T, path string, m *IndexMap) {
				data, err := os.ReadFile(path)
				require.NoError(t, err)
				lines := strings.SplitAfter(string(data), "\n")
				require.NoError(t, os.WriteFile(path, []byte(lines[0]+lines[1]), 0644))
			},
			cause: ErrHashMismatch,
		},
		{
			name: "missing checksum line",
			corrupt: func(t *testing.T, path string, m *IndexMap) {
				require.NoError(t, os.WriteFile(path, []byte("1"), 0644))
			},
			cause: ErrInvalidFileFormat,
		},
		{
			name: "malformed table line",
			corrupt: func(t *testing.T, path string, m *IndexMap) {
				writeManifest(t, path, "1\n0/0\n0,zero,table\n")
			},
			cause: ErrInvalidFileFormat,
		},
		{
			name: "gap in level order",
			corrupt: func(t *testing.T, path string, m *IndexMap) {
				writeManifest(t, path, fmt.Sprintf("1\n1/1\n0,1,%s\n", filepath.Base(m.Filenames()[0])))
			},
			cause: ErrInvalidFileFormat,
		},
		{
			name: "table outside directory",
			corrupt: func(t *testing.T, path string, m *IndexMap) {
				writeManifest(t, path, "1\n1/1\n0,0,../escape\n")
			},
			cause: ErrInvalidFileFormat,
		},
		{
			name: "unsupported version",
			corrupt: func(t *testing.T, path string, m *IndexMap) {
				writeManifest(t, path, "2\n-1/-1\n")
			},
			cause: ErrInvalidFileFormat,
		},
		{
			name: "tables with negative checkpoint",
			corrupt: func(t *testing.T, path string, m *IndexMap) {
				writeManifest(t, path, fmt.Sprintf("1\n-1/-1\n0,0,%s\n", filepath.Base(m.Filenames()[0])))
			},
			cause: ErrInvalidFileFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, m := setup(t)
			tt.corrupt(t, path, m)

			_, err := LoadIndexMap(path, mapConfig(4))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCorruptIndex), "got %v", err)
			assert.True(t, errors.Is(err, tt.cause), "got %v", err)
			assert.True(t, IsCorruption(err))
		})
	}
}

func flipHexDigit(b byte) byte {
	if b == '0' {
		return '1'
	}
	return '0'
}

func TestIndexMap_SaveReplacesPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, IndexMapFilename)

	m, err := NewEmptyIndexMap(mapConfig(4))
	require.NoError(t, err)
	require.NoError(t, m.SaveToFile(path))

	m = addTable(t, m, dir, 3)
	require.NoError(t, m.SaveToFile(path))

	loaded, err := LoadIndexMap(path, mapConfig(4))
	require.NoError(t, err)
	defer loaded.DisposeTables()
	assert.EqualValues(t, 3, loaded.CommitCheckpoint())
	assert.Equal(t, 1, loaded.TableCount())
}

func TestIndexMap_DisposalHelpers(t *testing.T) {
	dir := t.TempDir()
	m, err := NewEmptyIndexMap(mapConfig(4))
	require.NoError(t, err)
	m = addTable(t, m, dir, 0)
	m = addTable(t, m, dir, 1)
	files := m.Filenames()

	m.MarkAllForDestruction()
	require.NoError(t, m.WaitForDisposal(time.Second))
	for _, f := range files {
		assert.False(t, FileExists(f))
	}
}

func TestUnsafeState(t *testing.T) {
	dir := t.TempDir()

	assert.False(t, IsCorrupt(dir))
	require.NoError(t, EnterUnsafeState(dir))
	assert.True(t, IsCorrupt(dir))
	assert.True(t, FileExists(filepath.Join(dir, MergeMarkerFilename)))

	require.NoError(t, LeaveUnsafeState(dir))
	assert.False(t, IsCorrupt(dir))

	// Leaving twice is harmless
	require.NoError(t, LeaveUnsafeState(dir))
}
