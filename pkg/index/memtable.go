package index

import (
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/huandu/skiplist"
)

// MemTable is the mutable write buffer in front of the ptables
type MemTable interface {
	ID() string
	Count() int
	LastCommitPosition() int64

	Add(commitPos int64, stream uint32, version int32, position int64) error
	AddEntries(commitPos int64, entries []IndexEntry) error

	TryGetOneValue(stream uint32, version int32) (int64, bool, error)
	TryGetLatestEntry(stream uint32) (IndexEntry, bool, error)
	TryGetOldestEntry(stream uint32) (IndexEntry, bool, error)
	GetRange(stream uint32, startVersion, endVersion int32) ([]IndexEntry, error)

	// IterateAllInOrder returns every entry in descending order
	IterateAllInOrder() []IndexEntry
}

// entryOrder sorts skiplist keys so the list runs in descending entry order
type entryOrder struct{}

func (entryOrder) Compare(lhs, rhs interface{}) int {
	return CompareEntries(lhs.(IndexEntry), rhs.(IndexEntry))
}

// CalcScore is constant: every comparison falls through to Compare
func (entryOrder) CalcScore(key interface{}) float64 {
	return 0
}

// SkipListMemTable is a MemTable backed by a skiplist guarded by an RWMutex
type SkipListMemTable struct {
	id   string
	mu   sync.RWMutex
	data *skiplist.SkipList

	lastCommitPos int64
}

// NewSkipListMemTable creates an empty memtable
func NewSkipListMemTable() *SkipListMemTable {
	return &SkipListMemTable{
		id:            uuid.NewString(),
		data:          skiplist.New(entryOrder{}),
		lastCommitPos: -1,
	}
}

// ID returns the memtable's unique id
func (m *SkipListMemTable) ID() string {
	return m.id
}

// Count returns the number of distinct entries held
func (m *SkipListMemTable) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Len()
}

// LastCommitPosition returns the highest commit position added so far, or -1
func (m *SkipListMemTable) LastCommitPosition() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastCommitPos
}

// Add inserts one entry
func (m *SkipListMemTable) Add(commitPos int64, stream uint32, version int32, position int64) error {
	if err := validateAdd(commitPos, version, position); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.data.Set(NewIndexEntry(stream, version, position), struct{}{})
	if commitPos > m.lastCommitPos {
		m.lastCommitPos = commitPos
	}
	return nil
}

// AddEntries inserts a batch under one lock
func (m *SkipListMemTable) AddEntries(commitPos int64, entries []IndexEntry) error {
	for _, e := range entries {
		if err := validateAdd(commitPos, e.Version(), e.Position); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		m.data.Set(e, struct{}{})
	}
	if len(entries) > 0 && commitPos > m.lastCommitPos {
		m.lastCommitPos = commitPos
	}
	return nil
}

// TryGetOneValue returns the position with the largest value for (stream, version)
func (m *SkipListMemTable) TryGetOneValue(stream uint32, version int32) (int64, bool, error) {
	if err := validateVersion("try_get_one_value", version); err != nil {
		return 0, false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	key := BuildKey(stream, version)
	elem := m.data.Find(IndexEntry{Key: key, Position: math.MaxInt64})
	if elem == nil {
		return 0, false, nil
	}
	e := elem.Key().(IndexEntry)
	if e.Key != key {
		return 0, false, nil
	}
	return e.Position, true, nil
}

// TryGetLatestEntry returns the highest version for stream
func (m *SkipListMemTable) TryGetLatestEntry(stream uint32) (IndexEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	elem := m.data.Find(IndexEntry{Key: streamMaxKey(stream), Position: math.MaxInt64})
	if elem == nil {
		return IndexEntry{}, false, nil
	}
	e := elem.Key().(IndexEntry)
	if e.Stream() != stream {
		return IndexEntry{}, false, nil
	}
	return e, true, nil
}

// TryGetOldestEntry returns the lowest version for stream
func (m *SkipListMemTable) TryGetOldestEntry(stream uint32) (IndexEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		oldest IndexEntry
		found  bool
	)
	for elem := m.data.Find(IndexEntry{Key: streamMaxKey(stream), Position: math.MaxInt64}); elem != nil; elem = elem.Next() {
		e := elem.Key().(IndexEntry)
		if e.Stream() != stream {
			break
		}
		oldest, found = e, true
	}
	return oldest, found, nil
}

// GetRange returns entries of stream with versions in [startVersion, endVersion],
// highest version first
func (m *SkipListMemTable) GetRange(stream uint32, startVersion, endVersion int32) ([]IndexEntry, error) {
	if err := validateRange(startVersion, endVersion); err != nil {
		return nil, err
	}
	if startVersion > endVersion {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	lowKey := BuildKey(stream, startVersion)
	var result []IndexEntry
	for elem := m.data.Find(IndexEntry{Key: BuildKey(stream, endVersion), Position: math.MaxInt64}); elem != nil; elem = elem.Next() {
		e := elem.Key().(IndexEntry)
		if e.Key < lowKey {
			break
		}
		result = append(result, e)
	}
	return result, nil
}

// IterateAllInOrder returns a snapshot of every entry in descending order
func (m *SkipListMemTable) IterateAllInOrder() []IndexEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]IndexEntry, 0, m.data.Len())
	for elem := m.data.Front(); elem != nil; elem = elem.Next() {
		entries = append(entries, elem.Key().(IndexEntry))
	}
	return entries
}

func validateAdd(commitPos int64, version int32, position int64) error {
	switch {
	case commitPos < 0:
		return invalidArgument("add", "commitPos must be non-negative")
	case version < 0:
		return invalidArgument("add", "version must be non-negative")
	case position < 0:
		return invalidArgument("add", "position must be non-negative")
	}
	return nil
}

// streamMaxKey is the largest key a stream can hold
func streamMaxKey(stream uint32) uint64 {
	return uint64(stream)<<32 | math.MaxUint32
}
