package index

import (
	"fmt"
	"math"
)

// DeletedStreamVersion is the version written for a stream tombstone
const DeletedStreamVersion = math.MaxInt32

// IndexEntry maps a (stream hash, version) key to a log position
type IndexEntry struct {
	Key      uint64
	Position int64
}

// NewIndexEntry builds an entry from its stream hash and version
func NewIndexEntry(stream uint32, version int32, position int64) IndexEntry {
	return IndexEntry{Key: BuildKey(stream, version), Position: position}
}

// BuildKey packs a stream hash and version into an index key
func BuildKey(stream uint32, version int32) uint64 {
	return uint64(stream)<<32 | uint64(uint32(version))
}

// Stream returns the 32-bit stream hash
func (e IndexEntry) Stream() uint32 {
	return uint32(e.Key >> 32)
}

// Version returns the event version
func (e IndexEntry) Version() int32 {
	return int32(uint32(e.Key))
}

func (e IndexEntry) String() string {
	return fmt.Sprintf("{stream: %#x, version: %d, position: %#x}", e.Stream(), e.Version(), e.Position)
}

// CompareEntries orders entries by key descending, then position descending.
// It returns a negative number when a sorts before b.
func CompareEntries(a, b IndexEntry) int {
	switch {
	case a.Key > b.Key:
		return -1
	case a.Key < b.Key:
		return 1
	case a.Position > b.Position:
		return -1
	case a.Position < b.Position:
		return 1
	default:
		return 0
	}
}

// entryLess reports whether a sorts strictly before b
func entryLess(a, b IndexEntry) bool {
	return CompareEntries(a, b) < 0
}

func validateRange(startVersion, endVersion int32) error {
	if startVersion < 0 {
		return invalidArgument("get_range", "startVersion must be non-negative")
	}
	if endVersion < 0 {
		return invalidArgument("get_range", "endVersion must be non-negative")
	}
	return nil
}

func validateVersion(op string, version int32) error {
	if version < 0 {
		return invalidArgument(op, "version must be non-negative")
	}
	return nil
}
