package index

import (
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dd0wney/cluso-eventindex/pkg/logging"
)

// entriesFrom spreads seeds over a handful of streams so collisions and
// holes are common
func entriesFrom(seeds []uint64) []IndexEntry {
	entries := make([]IndexEntry, len(seeds))
	for i, s := range seeds {
		entries[i] = ie(uint32(s%7), int32((s/7)%20), int64(s/140))
	}
	return entries
}

func isSorted(entries []IndexEntry) bool {
	for i := 1; i < len(entries); i++ {
		if CompareEntries(entries[i-1], entries[i]) > 0 {
			return false
		}
	}
	return true
}

// TestIndexInvariants checks read equivalence between memtables and ptables
// and ordering across merges for generated inputs
func TestIndexInvariants(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping property-based test in short mode")
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	// Property 1: a ptable answers every query exactly like its memtable
	properties.Property("ptable matches source memtable", prop.ForAll(
		func(seeds []uint64, depth int) bool {
			mt := memTableOf(t, entriesFrom(seeds)...)
			pt, err := NewPTableFromMemTable(mt, NewGUIDFilenameProvider(t.TempDir()).NewTablePath(), depth, logging.NewNopLogger())
			if err != nil {
				return false
			}
			defer pt.MarkForDestruction()

			all, err := pt.All()
			if err != nil || !equalEntries(all, mt.IterateAllInOrder()) {
				return false
			}

			for stream := uint32(0); stream < 8; stream++ {
				want, _ := mt.GetRange(stream, 3, 15)
				got, err := pt.GetRange(stream, 3, 15)
				if err != nil || !equalEntries(want, got) {
					return false
				}
				wantLatest, wantOK, _ := mt.TryGetLatestEntry(stream)
				gotLatest, gotOK, err := pt.TryGetLatestEntry(stream)
				if err != nil || wantOK != gotOK || wantLatest != gotLatest {
					return false
				}
				wantOldest, wantOK, _ := mt.TryGetOldestEntry(stream)
				gotOldest, gotOK, err := pt.TryGetOldestEntry(stream)
				if err != nil || wantOK != gotOK || wantOldest != gotOldest {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt64Range(0, 20000)),
		gen.IntRange(0, 6),
	))

	// Property 2: merging keeps every entry and the descending order
	properties.Property("merge preserves count and order", prop.ForAll(
		func(seeds []uint64, parts int) bool {
			dir := t.TempDir()
			entries := entriesFrom(seeds)

			var (
				tables []*PTable
				total  int64
			)
			for p := 0; p < parts; p++ {
				var chunk []IndexEntry
				for i := p; i < len(entries); i += parts {
					chunk = append(chunk, entries[i])
				}
				pt, err := NewPTableFromMemTable(memTableOf(t, chunk...), NewGUIDFilenameProvider(dir).NewTablePath(), 4, logging.NewNopLogger())
				if err != nil {
					return false
				}
				defer pt.MarkForDestruction()
				tables = append(tables, pt)
				total += pt.Count()
			}

			merged, err := MergePTables(tables, NewGUIDFilenameProvider(dir).NewTablePath(), 4, nil, logging.NewNopLogger())
			if err != nil {
				return false
			}
			defer merged.MarkForDestruction()

			all, err := merged.All()
			return err == nil && int64(len(all)) == total && isSorted(all) && merged.VerifyFileHash() == nil
		},
		gen.SliceOf(gen.UInt64Range(0, 20000)),
		gen.IntRange(1, 5),
	))

	// Property 3: the table index returns what a sorted model holds,
	// however the entries are spread over memtables and levels
	properties.Property("table index matches sorted model", prop.ForAll(
		func(seeds []uint64) bool {
			opts := testOptions(t)
			ti, err := NewTableIndex(opts)
			if err != nil {
				return false
			}
			if err := ti.Initialize(t.Context(), 0); err != nil {
				return false
			}
			defer ti.Close()

			model := make(map[IndexEntry]struct{})
			for i, e := range entriesFrom(seeds) {
				if err := ti.Add(int64(i), e.Stream(), e.Version(), e.Position); err != nil {
					return false
				}
				model[e] = struct{}{}
			}

			for stream := uint32(0); stream < 7; stream++ {
				var want []IndexEntry
				for e := range model {
					if e.Stream() == stream {
						want = append(want, e)
					}
				}
				sort.Slice(want, func(i, j int) bool { return entryLess(want[i], want[j]) })

				got, err := ti.GetRange(stream, 0, 19)
				if err != nil || !equalEntries(want, got) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt64Range(0, 20000)),
	))

	properties.TestingRun(t)
}

func equalEntries(a, b []IndexEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
