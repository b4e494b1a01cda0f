package index

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/exp/mmap"

	"github.com/dd0wney/cluso-eventindex/pkg/logging"
)

// OpenPTable maps an existing ptable file. The trailing MD5 is checked when
// verifyHash is set.
func OpenPTable(path string, verifyHash bool, cacheDepth int, logger logging.Logger) (*PTable, error) {
	return openPTable(path, verifyHash, cacheDepth, logger, nil)
}

// openPTable takes the stream filter of a table just written; a nil filter
// is rebuilt from the file.
func openPTable(path string, verifyHash bool, cacheDepth int, logger logging.Logger, filter *streamFilter) (*PTable, error) {
	if path == "" {
		return nil, invalidArgument("open_ptable", "path is empty")
	}
	if cacheDepth < 0 || cacheDepth > MaxMidpointCacheDepth {
		return nil, invalidArgument("open_ptable", fmt.Sprintf("midpoint cache depth %d out of range", cacheDepth))
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, ioError("open_ptable", path, err)
	}
	count, ok := entryCountForSize(info.Size())
	if !ok {
		return nil, corruptTable(path, ErrInvalidFileFormat, fmt.Sprintf("file size %d is not a valid ptable size", info.Size()))
	}

	reader, err := mmap.Open(path)
	if err != nil {
		return nil, ioError("open_ptable", path, err)
	}

	header := make([]byte, 2)
	if _, err := reader.ReadAt(header, 0); err != nil {
		_ = reader.Close()
		return nil, ioError("open_ptable", path, err)
	}
	if header[0] != PTableFileType {
		_ = reader.Close()
		return nil, corruptTable(path, ErrInvalidFileFormat, fmt.Sprintf("unexpected file type %d", header[0]))
	}
	if header[1] != PTableVersion {
		_ = reader.Close()
		return nil, corruptTable(path, ErrInvalidFileFormat, fmt.Sprintf("unsupported ptable version %d", header[1]))
	}

	t := &PTable{
		id:        filepath.Base(path),
		path:      path,
		reader:    reader,
		size:      info.Size(),
		count:     count,
		logger:    logger,
		filter:    filter,
		destroyed: make(chan struct{}),
	}

	if filter == nil || verifyHash {
		var streams *streamCollector
		if filter == nil {
			streams = &streamCollector{}
		}
		if err := t.scan(streams, verifyHash); err != nil {
			_ = reader.Close()
			return nil, err
		}
		if streams != nil {
			t.filter = streams.filter()
		}
	}

	if t.midpoints, err = t.cacheMidpoints(cacheDepth); err != nil {
		_ = reader.Close()
		return nil, err
	}

	logger.Debug("Loaded ptable",
		logging.Path(path),
		logging.Int64("entries", count),
		logging.Int("midpoints", len(t.midpoints)))
	return t, nil
}

func (t *PTable) readEntry(i int64) (IndexEntry, error) {
	var buf [PTableEntrySize]byte
	if _, err := t.reader.ReadAt(buf[:], entryOffset(i)); err != nil {
		return IndexEntry{}, ioError("read_ptable", t.path, err)
	}
	return IndexEntry{
		Key:      binary.LittleEndian.Uint64(buf[0:8]),
		Position: int64(binary.LittleEndian.Uint64(buf[8:16])),
	}, nil
}

// cacheMidpoints samples 2^depth entries, always including the first and last
func (t *PTable) cacheMidpoints(depth int) ([]midpoint, error) {
	if t.count == 0 {
		return nil, nil
	}

	n := int64(1) << depth
	if n > t.count {
		n = t.count
	}
	if n < 2 && t.count >= 2 {
		n = 2
	}

	mps := make([]midpoint, 0, n)
	if n == t.count {
		for i := int64(0); i < t.count; i++ {
			e, err := t.readEntry(i)
			if err != nil {
				return nil, err
			}
			mps = append(mps, midpoint{Key: e.Key, Index: i})
		}
		return mps, nil
	}

	segment := t.count / (n - 1)
	for k := int64(0); k < n-1; k++ {
		idx := k * segment
		e, err := t.readEntry(idx)
		if err != nil {
			return nil, err
		}
		mps = append(mps, midpoint{Key: e.Key, Index: idx})
	}
	last, err := t.readEntry(t.count - 1)
	if err != nil {
		return nil, err
	}
	return append(mps, midpoint{Key: last.Key, Index: t.count - 1}), nil
}

// firstAtOrBelow returns the index of the first entry whose key is <= key,
// or Count() if there is none. The midpoints narrow the window, then the
// window is binary searched.
func (t *PTable) firstAtOrBelow(key uint64) (int64, error) {
	if t.count == 0 {
		return 0, nil
	}

	lo, hi := int64(0), t.count-1
	if mps := t.midpoints; len(mps) > 0 {
		j := sort.Search(len(mps), func(i int) bool { return mps[i].Key <= key })
		if j == len(mps) {
			return t.count, nil
		}
		hi = mps[j].Index
		if j > 0 {
			lo = mps[j-1].Index + 1
		}
	}

	var readErr error
	n := sort.Search(int(hi-lo+1), func(i int) bool {
		if readErr != nil {
			return true
		}
		e, err := t.readEntry(lo + int64(i))
		if err != nil {
			readErr = err
			return true
		}
		return e.Key <= key
	})
	if readErr != nil {
		return 0, readErr
	}
	return lo + int64(n), nil
}

// TryGetOneValue returns the largest position stored for (stream, version)
func (t *PTable) TryGetOneValue(stream uint32, version int32) (int64, bool, error) {
	if err := validateVersion("try_get_one_value", version); err != nil {
		return 0, false, err
	}
	if err := t.acquire(); err != nil {
		return 0, false, err
	}
	defer t.release()
	if !t.filter.MayContain(stream) {
		return 0, false, nil
	}

	key := BuildKey(stream, version)
	i, err := t.firstAtOrBelow(key)
	if err != nil || i >= t.count {
		return 0, false, err
	}
	e, err := t.readEntry(i)
	if err != nil || e.Key != key {
		return 0, false, err
	}
	return e.Position, true, nil
}

// TryGetLatestEntry returns the highest version stored for stream
func (t *PTable) TryGetLatestEntry(stream uint32) (IndexEntry, bool, error) {
	if err := t.acquire(); err != nil {
		return IndexEntry{}, false, err
	}
	defer t.release()
	if !t.filter.MayContain(stream) {
		return IndexEntry{}, false, nil
	}

	i, err := t.firstAtOrBelow(streamMaxKey(stream))
	if err != nil || i >= t.count {
		return IndexEntry{}, false, err
	}
	e, err := t.readEntry(i)
	if err != nil || e.Stream() != stream {
		return IndexEntry{}, false, err
	}
	return e, true, nil
}

// TryGetOldestEntry returns the lowest version stored for stream, smallest
// position on ties
func (t *PTable) TryGetOldestEntry(stream uint32) (IndexEntry, bool, error) {
	if err := t.acquire(); err != nil {
		return IndexEntry{}, false, err
	}
	defer t.release()
	if !t.filter.MayContain(stream) {
		return IndexEntry{}, false, nil
	}

	// One past the last entry of stream
	end := t.count
	if stream > 0 {
		var err error
		if end, err = t.firstAtOrBelow(uint64(stream)<<32 - 1); err != nil {
			return IndexEntry{}, false, err
		}
	}
	if end == 0 {
		return IndexEntry{}, false, nil
	}
	e, err := t.readEntry(end - 1)
	if err != nil || e.Stream() != stream {
		return IndexEntry{}, false, err
	}
	return e, true, nil
}

// GetRange returns entries of stream with versions in [startVersion, endVersion],
// highest version first
func (t *PTable) GetRange(stream uint32, startVersion, endVersion int32) ([]IndexEntry, error) {
	if err := validateRange(startVersion, endVersion); err != nil {
		return nil, err
	}
	if startVersion > endVersion {
		return nil, nil
	}
	if err := t.acquire(); err != nil {
		return nil, err
	}
	defer t.release()
	if !t.filter.MayContain(stream) {
		return nil, nil
	}

	lowKey := BuildKey(stream, startVersion)
	i, err := t.firstAtOrBelow(BuildKey(stream, endVersion))
	if err != nil {
		return nil, err
	}

	var result []IndexEntry
	for ; i < t.count; i++ {
		e, err := t.readEntry(i)
		if err != nil {
			return nil, err
		}
		if e.Key < lowKey {
			break
		}
		result = append(result, e)
	}
	return result, nil
}

// VerifyFileHash recomputes the MD5 over header and body and compares it
// with the trailer
func (t *PTable) VerifyFileHash() error {
	if err := t.acquire(); err != nil {
		return err
	}
	defer t.release()
	return t.verifyHash()
}

func (t *PTable) verifyHash() error {
	return t.scan(nil, true)
}

// scan reads header and body once. Entries are fed to streams when it is
// non-nil; the trailer is compared with the MD5 of what was read when verify
// is set.
func (t *PTable) scan(streams *streamCollector, verify bool) error {
	dataLen := t.size - PTableHashSize
	var (
		src  io.Reader = io.NewSectionReader(t.reader, 0, dataLen)
		hash           = md5.New()
	)
	if verify {
		src = io.TeeReader(src, hash)
	}
	if streams == nil {
		if _, err := io.Copy(io.Discard, src); err != nil {
			return ioError("verify_ptable", t.path, err)
		}
	} else {
		r := bufio.NewReaderSize(src, 64*1024)
		if _, err := r.Discard(PTableHeaderSize); err != nil {
			return ioError("read_ptable", t.path, err)
		}
		var buf [PTableEntrySize]byte
		for i := int64(0); i < t.count; i++ {
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return ioError("read_ptable", t.path, err)
			}
			streams.observe(IndexEntry{Key: binary.LittleEndian.Uint64(buf[0:8])})
		}
	}
	if !verify {
		return nil
	}

	stored := make([]byte, PTableHashSize)
	if _, err := t.reader.ReadAt(stored, dataLen); err != nil {
		return ioError("verify_ptable", t.path, err)
	}
	if computed := hash.Sum(nil); !bytes.Equal(computed, stored) {
		return corruptTable(t.path, ErrHashMismatch, fmt.Sprintf("computed %x, stored %x", computed, stored))
	}
	return nil
}

// Iterate calls fn for every entry in descending order until fn returns false
func (t *PTable) Iterate(fn func(IndexEntry) bool) error {
	if err := t.acquire(); err != nil {
		return err
	}
	defer t.release()

	it := t.newIterator()
	for {
		e, ok, err := it.next()
		if err != nil {
			return err
		}
		if !ok || !fn(e) {
			return nil
		}
	}
}

// All returns every entry in descending order
func (t *PTable) All() ([]IndexEntry, error) {
	entries := make([]IndexEntry, 0, int(min(t.count, math.MaxInt32)))
	err := t.Iterate(func(e IndexEntry) bool {
		entries = append(entries, e)
		return true
	})
	return entries, err
}

// tableIterator reads entries sequentially. The caller holds a reference.
type tableIterator struct {
	table     *PTable
	r         *bufio.Reader
	remaining int64
	buf       [PTableEntrySize]byte
}

func (t *PTable) newIterator() *tableIterator {
	body := io.NewSectionReader(t.reader, PTableHeaderSize, t.count*PTableEntrySize)
	return &tableIterator{
		table:     t,
		r:         bufio.NewReaderSize(body, 64*1024),
		remaining: t.count,
	}
}

func (it *tableIterator) next() (IndexEntry, bool, error) {
	if it.remaining == 0 {
		return IndexEntry{}, false, nil
	}
	if _, err := io.ReadFull(it.r, it.buf[:]); err != nil {
		return IndexEntry{}, false, ioError("read_ptable", it.table.path, err)
	}
	it.remaining--
	return IndexEntry{
		Key:      binary.LittleEndian.Uint64(it.buf[0:8]),
		Position: int64(binary.LittleEndian.Uint64(it.buf[8:16])),
	}, true, nil
}
