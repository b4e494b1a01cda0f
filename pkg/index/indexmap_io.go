package index

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-eventindex/pkg/logging"
)

// Well-known files in an index directory
const (
	IndexMapFilename       = "indexmap"
	IndexMapBackupFilename = "indexmap.backup"

	indexMapTempSuffix = ".indexmap.tmp"
)

type manifestTable struct {
	level int
	order int
	name  string
}

// LoadIndexMap reads the manifest at path and opens every table it lists,
// verifying each file's hash. A missing manifest yields an empty map. Any
// problem with the manifest or a table is reported as ErrCorruptIndex.
func LoadIndexMap(path string, cfg IndexMapConfig) (*IndexMap, error) {
	m, err := NewEmptyIndexMap(cfg)
	if err != nil {
		return nil, err
	}
	cfg = m.cfg

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, ioError("load_index_map", path, err)
	}

	prepare, commit, entries, err := parseManifest(data)
	if err != nil {
		return nil, corruptIndex(path, err, "")
	}

	layout, err := layoutLevels(entries)
	if err != nil {
		return nil, corruptIndex(path, err, "")
	}
	if len(entries) > 0 && (prepare < 0 || commit < 0) {
		return nil, corruptIndex(path, ErrInvalidFileFormat, "negative checkpoint with tables present")
	}

	levels, err := openLevels(filepath.Dir(path), layout, cfg)
	if err != nil {
		return nil, corruptIndex(path, err, "")
	}

	m.prepareCheckpoint = prepare
	m.commitCheckpoint = commit
	m.levels = trimLevels(levels)

	cfg.Logger.Debug("Loaded index map",
		logging.Path(path),
		logging.Checkpoint(prepare, commit),
		logging.Count(len(entries)))
	return m, nil
}

// parseManifest checks the hash line and decodes the body
func parseManifest(data []byte) (prepare, commit int64, tables []manifestTable, err error) {
	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		return 0, 0, nil, fmt.Errorf("%w: missing hash line", ErrInvalidFileFormat)
	}
	hashLine, body := strings.TrimRight(string(data[:nl]), "\r"), data[nl+1:]

	stored, decErr := hex.DecodeString(hashLine)
	if decErr != nil || len(stored) != md5.Size {
		return 0, 0, nil, fmt.Errorf("%w: malformed hash line %q", ErrInvalidFileFormat, hashLine)
	}
	if computed := md5.Sum(body); !bytes.Equal(computed[:], stored) {
		return 0, 0, nil, fmt.Errorf("%w: computed %x, stored %x", ErrHashMismatch, computed, stored)
	}

	lines := strings.Split(strings.ReplaceAll(string(body), "\r\n", "\n"), "\n")
	// The body ends with a newline, leaving one empty trailing element
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	if len(lines) < 2 {
		return 0, 0, nil, fmt.Errorf("%w: missing version or checkpoint line", ErrInvalidFileFormat)
	}

	if version, err := strconv.Atoi(lines[0]); err != nil || version != IndexMapVersion {
		return 0, 0, nil, fmt.Errorf("%w: unsupported version %q", ErrInvalidFileFormat, lines[0])
	}

	if prepare, commit, err = parseCheckpoints(lines[1]); err != nil {
		return 0, 0, nil, err
	}

	for _, line := range lines[2:] {
		t, err := parseTableLine(line)
		if err != nil {
			return 0, 0, nil, err
		}
		tables = append(tables, t)
	}
	return prepare, commit, tables, nil
}

func parseCheckpoints(line string) (int64, int64, error) {
	p, c, ok := strings.Cut(line, "/")
	if !ok {
		return 0, 0, fmt.Errorf("%w: malformed checkpoint line %q", ErrInvalidFileFormat, line)
	}
	prepare, err1 := strconv.ParseInt(p, 10, 64)
	commit, err2 := strconv.ParseInt(c, 10, 64)
	if err1 != nil || err2 != nil || prepare < -1 || commit < -1 {
		return 0, 0, fmt.Errorf("%w: invalid checkpoints %q", ErrInvalidFileFormat, line)
	}
	return prepare, commit, nil
}

func parseTableLine(line string) (manifestTable, error) {
	parts := strings.SplitN(line, ",", 3)
	if len(parts) != 3 || parts[2] == "" {
		return manifestTable{}, fmt.Errorf("%w: malformed table line %q", ErrInvalidFileFormat, line)
	}
	level, err1 := strconv.Atoi(parts[0])
	order, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || level < 0 || order < 0 {
		return manifestTable{}, fmt.Errorf("%w: malformed table line %q", ErrInvalidFileFormat, line)
	}
	if strings.ContainsAny(parts[2], `/\`) {
		return manifestTable{}, fmt.Errorf("%w: table name %q is not a plain filename", ErrInvalidFileFormat, parts[2])
	}
	return manifestTable{level: level, order: order, name: parts[2]}, nil
}

// layoutLevels groups table lines by level and checks each level's orders are
// exactly 0..n-1
func layoutLevels(entries []manifestTable) ([][]manifestTable, error) {
	var levels [][]manifestTable
	for _, e := range entries {
		for len(levels) <= e.level {
			levels = append(levels, nil)
		}
		levels[e.level] = append(levels[e.level], e)
	}
	for lvl, l := range levels {
		sort.Slice(l, func(i, j int) bool { return l[i].order < l[j].order })
		for i, e := range l {
			if e.order != i {
				return nil, fmt.Errorf("%w: level %d has order %d at position %d", ErrInvalidFileFormat, lvl, e.order, i)
			}
		}
	}
	return levels, nil
}

// openLevels opens and verifies every table concurrently. On failure every
// table opened so far is disposed.
func openLevels(dir string, layout [][]manifestTable, cfg IndexMapConfig) ([][]*PTable, error) {
	levels := make([][]*PTable, len(layout))
	for i, l := range layout {
		levels[i] = make([]*PTable, len(l))
	}

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for lvl, l := range layout {
		for order, e := range l {
			g.Go(func() error {
				t, err := OpenPTable(filepath.Join(dir, e.name), true, cfg.MidpointCacheDepth, cfg.Logger)
				if err != nil {
					return err
				}
				levels[lvl][order] = t
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		for _, l := range levels {
			for _, t := range l {
				if t != nil {
					t.Dispose()
				}
			}
		}
		return nil, err
	}
	return levels, nil
}

// SaveToFile writes the manifest to a temp file and renames it over path, so
// a crash leaves either the old or the new manifest in place.
func (m *IndexMap) SaveToFile(path string) error {
	var body bytes.Buffer
	fmt.Fprintf(&body, "%d\n", IndexMapVersion)
	fmt.Fprintf(&body, "%d/%d\n", m.prepareCheckpoint, m.commitCheckpoint)
	for lvl, l := range m.levels {
		for order, t := range l {
			fmt.Fprintf(&body, "%d,%d,%s\n", lvl, order, filepath.Base(t.Path()))
		}
	}

	sum := md5.Sum(body.Bytes())
	var out bytes.Buffer
	out.Grow(2*md5.Size + 1 + body.Len())
	out.WriteString(hex.EncodeToString(sum[:]))
	out.WriteByte('\n')
	out.Write(body.Bytes())

	if err := writeFileAtomic(path, out.Bytes(), indexMapTempSuffix); err != nil {
		return ioError("save_index_map", path, err)
	}
	return nil
}
