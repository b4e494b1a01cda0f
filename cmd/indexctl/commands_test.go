package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-eventindex/pkg/index"
	"github.com/dd0wney/cluso-eventindex/pkg/logging"
	"github.com/dd0wney/cluso-eventindex/pkg/metrics"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &bytes.Buffer{}
	err := app.Run(append([]string{"indexctl"}, args...))
	return out.String(), err
}

// buildIndex writes n entries with a memtable of four, leaving tables on
// two levels
func buildIndex(t *testing.T, n int) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "index")
	opts := index.DefaultOptions(dir)
	opts.MaxMemTableSize = 4
	opts.MaxTablesPerLevel = 2
	opts.SynchronousFlush = true
	opts.Logger = logging.NewNopLogger()
	opts.Metrics = metrics.NewRegistry()

	ti, err := index.NewTableIndex(opts)
	require.NoError(t, err)
	require.NoError(t, ti.Initialize(context.Background(), 0))
	for i := 0; i < n; i++ {
		require.NoError(t, ti.Add(int64(i), 0xAB, int32(i), int64(i)))
	}
	require.NoError(t, ti.Close())
	return dir
}

func TestVerify(t *testing.T) {
	dir := buildIndex(t, 12)

	out, err := run(t, "verify", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "OK: 2 tables verified")

	require.NoError(t, index.EnterUnsafeState(dir))
	_, err = run(t, "verify", "--dir", dir)
	assert.ErrorIs(t, err, index.ErrCorruptIndex)
}

func TestVerify_DetectsBitRot(t *testing.T) {
	dir := buildIndex(t, 8)

	out, err := run(t, "dump-map", "--dir", dir)
	require.NoError(t, err)
	var table string
	for _, line := range strings.Split(out, "\n") {
		if fields := strings.Fields(line); len(fields) == 4 && fields[0] == "0" {
			table = fields[1]
		}
	}
	require.NotEmpty(t, table)

	path := filepath.Join(dir, table)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[index.PTableHeaderSize] ^= 0x80
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = run(t, "verify", "--dir", dir)
	assert.ErrorIs(t, err, index.ErrHashMismatch)
}

func TestDumpMap(t *testing.T) {
	dir := buildIndex(t, 12)

	out, err := run(t, "dump-map", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "checkpoints: prepare=11 commit=11")
	assert.Contains(t, out, "level 0:")
	assert.Contains(t, out, "level 1:")
	assert.Contains(t, out, "entries=8")
	assert.Contains(t, out, "entries=4")
}

func TestStats(t *testing.T) {
	dir := buildIndex(t, 12)

	out, err := run(t, "stats", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "level 0: tables=1 entries=4")
	assert.Contains(t, out, "level 1: tables=1 entries=8")
	assert.Contains(t, out, "total: tables=2 entries=12")
}

func TestDumpPTable(t *testing.T) {
	dir := t.TempDir()
	mt := index.NewSkipListMemTable()
	for v := int32(0); v < 5; v++ {
		require.NoError(t, mt.Add(0, 0x10, v, int64(v)))
	}
	require.NoError(t, mt.Add(0, 0x20, 0, 99))
	pt, err := index.NewPTableFromMemTable(mt, filepath.Join(dir, "table"), 4, logging.NewNopLogger())
	require.NoError(t, err)
	pt.Dispose()

	out, err := run(t, "dump-ptable", "--limit", "2", pt.Path())
	require.NoError(t, err)
	assert.Contains(t, out, "6 entries")
	assert.Contains(t, out, "... 4 more")
	assert.Contains(t, out, "stream: 0x20")

	out, err = run(t, "dump-ptable", "--stream", "16", pt.Path())
	require.NoError(t, err)
	assert.Equal(t, 5, strings.Count(out, "stream: 0x10"))
	assert.NotContains(t, out, "stream: 0x20")

	_, err = run(t, "dump-ptable")
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "index")

	out, err := run(t, "load", "--dir", dir, "--count", "500", "--streams", "7", "--memtable-size", "50")
	require.NoError(t, err)
	assert.Contains(t, out, "added 500 entries")

	out, err = run(t, "stats", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "entries=500")
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "index")
	config := filepath.Join(t.TempDir(), "index.yaml")
	require.NoError(t, os.WriteFile(config, []byte("directory: "+dir+"\nmax_memtable_size: 10\nsynchronous_flush: true\n"), 0644))

	out, err := run(t, "load", "--config", config, "--count", "25", "--streams", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "memtable=5 awaiting=0")

	_, err = run(t, "load", "--config", config, "--streams", "0")
	assert.Error(t, err)
}
