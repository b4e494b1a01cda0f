package index

import (
	"bufio"
	"crypto/md5"
	"encoding/binary"
	"io"
	"os"

	"github.com/dd0wney/cluso-eventindex/pkg/logging"
)

// NewPTableFromMemTable writes every entry of mt to a new ptable at path
func NewPTableFromMemTable(mt MemTable, path string, cacheDepth int, logger logging.Logger) (*PTable, error) {
	if mt == nil {
		return nil, invalidArgument("create_ptable", "memtable is nil")
	}
	if path == "" {
		return nil, invalidArgument("create_ptable", "path is empty")
	}

	entries := mt.IterateAllInOrder()
	i := 0
	next := func() (IndexEntry, bool, error) {
		if i >= len(entries) {
			return IndexEntry{}, false, nil
		}
		e := entries[i]
		i++
		return e, true, nil
	}

	filter, err := writePTableFile(path, next)
	if err != nil {
		return nil, err
	}
	return openPTable(path, false, cacheDepth, logger, filter)
}

// writePTableFile streams sorted entries into a fresh file and returns the
// stream filter of what it wrote. A partial file is removed on failure.
func writePTableFile(path string, next func() (IndexEntry, bool, error)) (_ *streamFilter, err error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, ioError("create_ptable", path, err)
	}
	defer func() {
		if err != nil {
			_ = file.Close()
			_ = os.Remove(path)
		}
	}()

	hash := md5.New()
	writer := bufio.NewWriterSize(io.MultiWriter(file, hash), 64*1024)

	if _, err := writer.Write(newPTableHeader()); err != nil {
		return nil, ioError("create_ptable", path, err)
	}

	var (
		buf     [PTableEntrySize]byte
		streams streamCollector
	)
	for {
		e, ok, nextErr := next()
		if nextErr != nil {
			return nil, nextErr
		}
		if !ok {
			break
		}
		streams.observe(e)
		binary.LittleEndian.PutUint64(buf[0:8], e.Key)
		binary.LittleEndian.PutUint64(buf[8:16], uint64(e.Position))
		if _, err := writer.Write(buf[:]); err != nil {
			return nil, ioError("create_ptable", path, err)
		}
	}

	if err := writer.Flush(); err != nil {
		return nil, ioError("create_ptable", path, err)
	}
	if _, err := file.Write(hash.Sum(nil)); err != nil {
		return nil, ioError("create_ptable", path, err)
	}
	if err := file.Sync(); err != nil {
		return nil, ioError("create_ptable", path, err)
	}
	if err := file.Close(); err != nil {
		return nil, ioError("create_ptable", path, err)
	}
	return streams.filter(), nil
}
