package index

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dd0wney/cluso-eventindex/pkg/logging"
	"github.com/dd0wney/cluso-eventindex/pkg/metrics"
)

// memTableOf builds a memtable holding entries
func memTableOf(t *testing.T, entries ...IndexEntry) *SkipListMemTable {
	t.Helper()
	mt := NewSkipListMemTable()
	for _, e := range entries {
		if err := mt.Add(0, e.Stream(), e.Version(), e.Position); err != nil {
			t.Fatalf("Add(%v) failed: %v", e, err)
		}
	}
	return mt
}

// tableOf writes entries to a new ptable in dir
func tableOf(t *testing.T, dir string, depth int, entries ...IndexEntry) *PTable {
	t.Helper()
	pt, err := NewPTableFromMemTable(memTableOf(t, entries...), NewGUIDFilenameProvider(dir).NewTablePath(), depth, logging.NewNopLogger())
	if err != nil {
		t.Fatalf("NewPTableFromMemTable failed: %v", err)
	}
	t.Cleanup(pt.Dispose)
	return pt
}

func ie(stream uint32, version int32, position int64) IndexEntry {
	return NewIndexEntry(stream, version, position)
}

func versions(entries []IndexEntry) []int32 {
	out := make([]int32, len(entries))
	for i, x := range entries {
		out[i] = x.Version()
	}
	return out
}

type replayedEntry struct {
	stream   uint32
	version  int32
	position int64
}

// fakeReplayer serves entries whose position is its commit position
type fakeReplayer struct {
	mu      sync.Mutex
	entries []replayedEntry
	calls   [][2]int64
}

func (f *fakeReplayer) Replay(ctx context.Context, from, until int64, add func(commitPos int64, stream uint32, version int32, position int64) error) error {
	f.mu.Lock()
	f.calls = append(f.calls, [2]int64{from, until})
	entries := append([]replayedEntry(nil), f.entries...)
	f.mu.Unlock()

	for _, r := range entries {
		if r.position < from || r.position >= until {
			continue
		}
		if err := add(r.position, r.stream, r.version, r.position); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeReplayer) Calls() [][2]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]int64(nil), f.calls...)
}

// testOptions returns small, synchronous options rooted in a fresh directory
func testOptions(t *testing.T) Options {
	t.Helper()
	opts := DefaultOptions(filepath.Join(t.TempDir(), "index"))
	opts.MaxMemTableSize = 4
	opts.MaxTablesPerLevel = 2
	opts.MidpointCacheDepth = 2
	opts.SynchronousFlush = true
	opts.DumpCorruptIndex = false
	opts.Logger = logging.NewNopLogger()
	opts.Metrics = metrics.NewRegistry()
	return opts
}

func openIndex(t *testing.T, opts Options, until int64) *TableIndex {
	t.Helper()
	ti, err := NewTableIndex(opts)
	if err != nil {
		t.Fatalf("NewTableIndex failed: %v", err)
	}
	if err := ti.Initialize(context.Background(), until); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return ti
}
