package main

import (
	"fmt"
	"math"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dd0wney/cluso-eventindex/pkg/index"
	"github.com/dd0wney/cluso-eventindex/pkg/logging"
	"github.com/dd0wney/cluso-eventindex/pkg/metrics"
)

var dirFlag = &cli.StringFlag{Name: "dir", Required: true, Usage: "Index directory", EnvVars: []string{"INDEX_DIR"}}

func mapConfig() index.IndexMapConfig {
	return index.IndexMapConfig{
		MaxTablesPerLevel:  index.DefaultMaxTablesPerLevel,
		MidpointCacheDepth: index.DefaultMidpointCacheDepth,
		Logger:             logging.DefaultLogger(),
	}
}

func loadMap(dir string) (*index.IndexMap, error) {
	if index.IsCorrupt(dir) {
		return nil, fmt.Errorf("%s: %w: merge marker %s present", dir, index.ErrCorruptIndex, index.MergeMarkerFilename)
	}
	return index.LoadIndexMap(filepath.Join(dir, index.IndexMapFilename), mapConfig())
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Check the manifest and every referenced ptable checksum",
		Flags: []cli.Flag{dirFlag},
		Action: func(c *cli.Context) error {
			start := time.Now()
			m, err := loadMap(c.String("dir"))
			if err != nil {
				return err
			}
			defer m.DisposeTables()

			fmt.Fprintf(c.App.Writer, "OK: %d tables verified in %v\n", m.TableCount(), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

func dumpPTableCommand() *cli.Command {
	return &cli.Command{
		Name:      "dump-ptable",
		Usage:     "Print the entries of a ptable file",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "stream", Usage: "Only print entries of this stream hash"},
			&cli.IntFlag{Name: "limit", Value: 100, Usage: "Maximum entries to print, 0 for all"},
			&cli.BoolFlag{Name: "no-verify", Usage: "Skip the checksum check"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one ptable file")
			}
			pt, err := index.OpenPTable(c.Args().First(), !c.Bool("no-verify"), index.DefaultMidpointCacheDepth, logging.DefaultLogger())
			if err != nil {
				return err
			}
			defer pt.Dispose()

			fmt.Fprintf(c.App.Writer, "ptable %s: %d entries, %d bytes\n", pt.ID(), pt.Count(), pt.Size())

			if c.IsSet("stream") {
				stream := c.Uint64("stream")
				if stream > math.MaxUint32 {
					return fmt.Errorf("stream hash %d does not fit in 32 bits", stream)
				}
				entries, err := pt.GetRange(uint32(stream), 0, math.MaxInt32)
				if err != nil {
					return err
				}
				printEntries(c, entries)
				return nil
			}

			limit := c.Int("limit")
			printed := 0
			err = pt.Iterate(func(e index.IndexEntry) bool {
				fmt.Fprintln(c.App.Writer, e)
				printed++
				return limit == 0 || printed < limit
			})
			if err != nil {
				return err
			}
			if int64(printed) < pt.Count() {
				fmt.Fprintf(c.App.Writer, "... %d more\n", pt.Count()-int64(printed))
			}
			return nil
		},
	}
}

func printEntries(c *cli.Context, entries []index.IndexEntry) {
	limit := c.Int("limit")
	for i, e := range entries {
		if limit > 0 && i == limit {
			fmt.Fprintf(c.App.Writer, "... %d more\n", len(entries)-limit)
			return
		}
		fmt.Fprintln(c.App.Writer, e)
	}
}

func dumpMapCommand() *cli.Command {
	return &cli.Command{
		Name:  "dump-map",
		Usage: "Print checkpoints and the level layout of an index",
		Flags: []cli.Flag{dirFlag},
		Action: func(c *cli.Context) error {
			m, err := loadMap(c.String("dir"))
			if err != nil {
				return err
			}
			defer m.DisposeTables()

			w := c.App.Writer
			fmt.Fprintf(w, "checkpoints: prepare=%d commit=%d\n", m.PrepareCheckpoint(), m.CommitCheckpoint())
			for lvl, tables := range m.Levels() {
				fmt.Fprintf(w, "level %d:\n", lvl)
				for order, t := range tables {
					fmt.Fprintf(w, "  %d %s entries=%d bytes=%d\n", order, t.ID(), t.Count(), t.Size())
				}
			}
			return nil
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Summarize entries and bytes per level",
		Flags: []cli.Flag{dirFlag},
		Action: func(c *cli.Context) error {
			m, err := loadMap(c.String("dir"))
			if err != nil {
				return err
			}
			defer m.DisposeTables()

			w := c.App.Writer
			var totalEntries, totalBytes int64
			for lvl, tables := range m.Levels() {
				var entries, size int64
				for _, t := range tables {
					entries += t.Count()
					size += t.Size()
				}
				totalEntries += entries
				totalBytes += size
				fmt.Fprintf(w, "level %d: tables=%d entries=%d bytes=%d\n", lvl, len(tables), entries, size)
			}
			fmt.Fprintf(w, "total: tables=%d entries=%d bytes=%d commit=%d\n", m.TableCount(), totalEntries, totalBytes, m.CommitCheckpoint())
			return nil
		},
	}
}

func loadCommand() *cli.Command {
	return &cli.Command{
		Name:  "load",
		Usage: "Fill an index with synthetic entries",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Usage: "Index directory, overrides the config file", EnvVars: []string{"INDEX_DIR"}},
			&cli.StringFlag{Name: "config", Usage: "YAML options file"},
			&cli.IntFlag{Name: "count", Value: 100_000, Usage: "Number of entries to add"},
			&cli.IntFlag{Name: "streams", Value: 1000, Usage: "Number of distinct stream hashes"},
			&cli.IntFlag{Name: "memtable-size", Usage: "Override max memtable size"},
		},
		Action: func(c *cli.Context) error {
			opts := index.DefaultOptions(c.String("dir"))
			if path := c.String("config"); path != "" {
				loaded, err := index.LoadOptions(path)
				if err != nil {
					return err
				}
				opts = loaded
				if c.IsSet("dir") {
					opts.Directory = c.String("dir")
				}
			}
			if c.IsSet("memtable-size") {
				opts.MaxMemTableSize = c.Int("memtable-size")
			}
			opts.Logger = logging.DefaultLogger().With(logging.Component("table_index"))
			opts.Metrics = metrics.NewRegistry()

			streams := c.Int("streams")
			if streams <= 0 {
				return fmt.Errorf("--streams must be positive")
			}

			ti, err := index.NewTableIndex(opts)
			if err != nil {
				return err
			}
			if err := ti.Initialize(c.Context, 0); err != nil {
				return err
			}

			_, commit := ti.Checkpoints()
			next := commit + 1
			hashes := make([]uint32, streams)
			versions := make([]int32, streams)
			for i := range hashes {
				hashes[i] = rand.Uint32()
			}

			start := time.Now()
			count := c.Int("count")
			for i := 0; i < count; i++ {
				s := rand.IntN(streams)
				pos := next + int64(i)
				if err := ti.Add(pos, hashes[s], versions[s], pos); err != nil {
					ti.Close()
					return err
				}
				versions[s]++
			}
			if err := ti.WaitForBackground(time.Minute); err != nil {
				ti.Close()
				return err
			}

			stats := ti.Stats()
			elapsed := time.Since(start)
			fmt.Fprintf(c.App.Writer, "added %d entries in %v (%.0f/s)\n", count, elapsed.Round(time.Millisecond), float64(count)/max(elapsed.Seconds(), 1e-9))
			fmt.Fprintf(c.App.Writer, "memtable=%d awaiting=%d levels=%v commit=%d\n",
				stats.MemTableEntries, stats.AwaitingMemTables, stats.TablesPerLevel, stats.CommitCheckpoint)
			return ti.Close()
		},
	}
}
