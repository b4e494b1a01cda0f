package index

import (
	"sync"

	"golang.org/x/exp/mmap"

	"github.com/dd0wney/cluso-eventindex/pkg/logging"
)

// PTable file layout: a fixed header, 16-byte entries sorted in descending
// order, then the MD5 of everything before it.
const (
	PTableHeaderSize = 128
	PTableEntrySize  = 16
	PTableHashSize   = 16

	// PTableFileType is the first header byte
	PTableFileType byte = 1
	// PTableVersion is the second header byte
	PTableVersion byte = 1
)

// midpoint samples one entry of the sorted table
type midpoint struct {
	Key   uint64
	Index int64
}

// PTable is an immutable, memory-mapped sorted table of index entries
type PTable struct {
	id        string
	path      string
	reader    *mmap.ReaderAt
	size      int64
	count     int64
	midpoints []midpoint
	filter    *streamFilter
	logger    logging.Logger

	mu        sync.Mutex
	refs      int
	deleted   bool // marked for destruction
	disposed  bool // closed without deleting the file
	released  bool // reader unmapped
	removed   bool // file deleted
	destroyed chan struct{}
}

// ID returns the table's unique id
func (t *PTable) ID() string {
	return t.id
}

// Path returns the backing file
func (t *PTable) Path() string {
	return t.path
}

// Count returns the number of entries
func (t *PTable) Count() int64 {
	return t.count
}

// Size returns the file size in bytes
func (t *PTable) Size() int64 {
	return t.size
}

func entryOffset(i int64) int64 {
	return PTableHeaderSize + i*PTableEntrySize
}

func entryCountForSize(size int64) (int64, bool) {
	body := size - PTableHeaderSize - PTableHashSize
	if body < 0 || body%PTableEntrySize != 0 {
		return 0, false
	}
	return body / PTableEntrySize, true
}

func newPTableHeader() []byte {
	header := make([]byte, PTableHeaderSize)
	header[0] = PTableFileType
	header[1] = PTableVersion
	return header
}
