package index

import (
	"container/heap"
	"time"

	"github.com/dd0wney/cluso-eventindex/pkg/logging"
)

// entrySource yields entries in descending order
type entrySource interface {
	next() (IndexEntry, bool, error)
}

// sliceSource walks an already sorted slice
type sliceSource struct {
	entries []IndexEntry
	pos     int
}

func (s *sliceSource) next() (IndexEntry, bool, error) {
	if s.pos >= len(s.entries) {
		return IndexEntry{}, false, nil
	}
	e := s.entries[s.pos]
	s.pos++
	return e, true, nil
}

type heapItem struct {
	head IndexEntry
	src  entrySource
}

// entryHeap keeps the source whose head sorts first at the root
type entryHeap []heapItem

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return entryLess(h[i].head, h[j].head) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(heapItem)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergeIterator merges several descending sources into one descending stream
type MergeIterator struct {
	h entryHeap
}

func newMergeIterator(sources []entrySource) (*MergeIterator, error) {
	mi := &MergeIterator{h: make(entryHeap, 0, len(sources))}
	for _, src := range sources {
		e, ok, err := src.next()
		if err != nil {
			return nil, err
		}
		if ok {
			mi.h = append(mi.h, heapItem{head: e, src: src})
		}
	}
	heap.Init(&mi.h)
	return mi, nil
}

// Next returns the next entry in sorted order across all sources
func (mi *MergeIterator) Next() (IndexEntry, bool, error) {
	if len(mi.h) == 0 {
		return IndexEntry{}, false, nil
	}

	top := mi.h[0].head
	e, ok, err := mi.h[0].src.next()
	if err != nil {
		return IndexEntry{}, false, err
	}
	if ok {
		mi.h[0].head = e
		heap.Fix(&mi.h, 0)
	} else {
		heap.Pop(&mi.h)
	}
	return top, true, nil
}

// mergeSorted merges descending slices, keeping one copy of entries that are
// equal in both key and position
func mergeSorted(lists [][]IndexEntry) ([]IndexEntry, error) {
	if len(lists) == 0 {
		return nil, nil
	}

	sources := make([]entrySource, 0, len(lists))
	total := 0
	for _, l := range lists {
		if len(l) > 0 {
			sources = append(sources, &sliceSource{entries: l})
			total += len(l)
		}
	}

	mi, err := newMergeIterator(sources)
	if err != nil {
		return nil, err
	}

	result := make([]IndexEntry, 0, total)
	for {
		e, ok, err := mi.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return result, nil
		}
		if n := len(result); n > 0 && result[n-1] == e {
			continue
		}
		result = append(result, e)
	}
}

// MergePTables writes the N-way merge of tables to outputPath. Every entry is
// kept except those shadowed by a stream tombstone: once a tombstone that is
// not a hash collision has been written, older entries of the same stream are
// dropped, version 0 excepted. A nil isHashCollision disables pruning.
func MergePTables(tables []*PTable, outputPath string, cacheDepth int, isHashCollision func(IndexEntry) bool, logger logging.Logger) (*PTable, error) {
	return mergePTables(tables, outputPath, cacheDepth, isHashCollision, nil, logger)
}

// mergePTables is MergePTables with an extra drop filter applied before the
// tombstone rule
func mergePTables(tables []*PTable, outputPath string, cacheDepth int, isHashCollision func(IndexEntry) bool, drop func(IndexEntry) bool, logger logging.Logger) (*PTable, error) {
	if outputPath == "" {
		return nil, invalidArgument("merge_ptables", "output path is empty")
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	start := time.Now()

	acquired := make([]*PTable, 0, len(tables))
	defer func() {
		for _, t := range acquired {
			t.release()
		}
	}()

	sources := make([]entrySource, 0, len(tables))
	var total int64
	for _, t := range tables {
		if err := t.acquire(); err != nil {
			return nil, err
		}
		acquired = append(acquired, t)
		sources = append(sources, t.newIterator())
		total += t.Count()
	}

	mi, err := newMergeIterator(sources)
	if err != nil {
		return nil, err
	}

	var (
		lastDeleted uint32
		haveDeleted bool
		written     int64
	)
	next := func() (IndexEntry, bool, error) {
		for {
			e, ok, err := mi.Next()
			if err != nil || !ok {
				return IndexEntry{}, false, err
			}
			if drop != nil && drop(e) {
				continue
			}
			if isHashCollision != nil {
				if e.Version() == DeletedStreamVersion && !isHashCollision(e) {
					// Every tombstone survives
					lastDeleted, haveDeleted = e.Stream(), true
				} else if haveDeleted && lastDeleted == e.Stream() && e.Version() != 0 {
					continue
				}
			}
			written++
			return e, true, nil
		}
	}

	filter, err := writePTableFile(outputPath, next)
	if err != nil {
		return nil, err
	}

	merged, err := openPTable(outputPath, false, cacheDepth, logger, filter)
	if err != nil {
		return nil, err
	}

	logger.Debug("PTables merge finished",
		logging.Count(len(tables)),
		logging.Int64("entries_in", total),
		logging.Int64("entries_out", written),
		logging.Path(outputPath),
		logging.Latency(time.Since(start)))
	return merged, nil
}
