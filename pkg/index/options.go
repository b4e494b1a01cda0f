package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-eventindex/pkg/logging"
	"github.com/dd0wney/cluso-eventindex/pkg/metrics"
	"github.com/dd0wney/cluso-eventindex/pkg/validation"
)

// Defaults for Options
const (
	DefaultMaxMemTableSize    = 1_000_000
	DefaultMaxTablesPerLevel  = 4
	DefaultMidpointCacheDepth = 16
	DefaultDisposalTimeout    = 5 * time.Second
	DefaultBackgroundTimeout  = 7 * time.Second

	// MaxMidpointCacheDepth bounds the midpoint cache at 2^28 samples
	MaxMidpointCacheDepth = 28
)

// Replayer re-reads the log so the index can catch up after a restart.
// Replay calls add for every index entry committed in [from, until).
type Replayer interface {
	Replay(ctx context.Context, from, until int64, add func(commitPos int64, stream uint32, version int32, position int64) error) error
}

// Options configures a TableIndex
type Options struct {
	Directory          string        `yaml:"directory" validate:"required"`
	MaxMemTableSize    int           `yaml:"max_memtable_size" validate:"min=1"`
	MaxTablesPerLevel  int           `yaml:"max_tables_per_level" validate:"min=2"`
	MidpointCacheDepth int           `yaml:"midpoint_cache_depth" validate:"min=0,max=28"`
	SynchronousFlush   bool          `yaml:"synchronous_flush"`
	DisposalTimeout    time.Duration `yaml:"disposal_timeout"`
	BackgroundTimeout  time.Duration `yaml:"background_timeout"`
	DumpCorruptIndex   bool          `yaml:"dump_corrupt_index"`

	Logger           logging.Logger    `yaml:"-" validate:"-"`
	Metrics          *metrics.Registry `yaml:"-" validate:"-"`
	Replayer         Replayer          `yaml:"-" validate:"-"`
	FilenameProvider FilenameProvider  `yaml:"-" validate:"-"`
	MemTableFactory  func() MemTable   `yaml:"-" validate:"-"`
}

// DefaultOptions returns production defaults for an index rooted at dir
func DefaultOptions(dir string) Options {
	return Options{
		Directory:          dir,
		MaxMemTableSize:    DefaultMaxMemTableSize,
		MaxTablesPerLevel:  DefaultMaxTablesPerLevel,
		MidpointCacheDepth: DefaultMidpointCacheDepth,
		DisposalTimeout:    DefaultDisposalTimeout,
		BackgroundTimeout:  DefaultBackgroundTimeout,
		DumpCorruptIndex:   true,
	}
}

// LoadOptions reads options from a YAML file on top of DefaultOptions.
// Unknown keys are rejected.
func LoadOptions(path string) (Options, error) {
	f, err := os.Open(path)
	if err != nil {
		return Options{}, ioError("load_options", path, err)
	}
	defer f.Close()

	opts := DefaultOptions("")
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		return Options{}, NewError("load_options").Path(path).Cause(wrapKind(ErrInvalidArgument, err)).Err()
	}

	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Validate checks every serialized setting
func (o *Options) Validate() error {
	if err := validation.Struct(o); err != nil {
		return NewError("validate_options").Cause(wrapKind(ErrInvalidArgument, err)).Err()
	}

	cv := validation.NewConfigValidator("Options").
		RangeInt("MidpointCacheDepth", o.MidpointCacheDepth, 0, MaxMidpointCacheDepth).
		MinDuration("DisposalTimeout", o.DisposalTimeout, 0).
		MinDuration("BackgroundTimeout", o.BackgroundTimeout, 0).
		Custom("Directory", func() error {
			info, err := os.Stat(o.Directory)
			if err == nil && !info.IsDir() {
				return fmt.Errorf("%s is not a directory", o.Directory)
			}
			return nil
		})
	if err := cv.Validate(); err != nil {
		return NewError("validate_options").Cause(wrapKind(ErrInvalidArgument, err)).Err()
	}
	return nil
}

// withDefaults fills unset collaborators and zero durations
func (o Options) withDefaults() Options {
	o.DisposalTimeout = validation.DefaultOrDuration(o.DisposalTimeout, DefaultDisposalTimeout)
	o.BackgroundTimeout = validation.DefaultOrDuration(o.BackgroundTimeout, DefaultBackgroundTimeout)

	if o.Logger == nil {
		o.Logger = logging.DefaultLogger().With(logging.Component("table_index"))
	}
	if o.Metrics == nil {
		o.Metrics = metrics.DefaultRegistry()
	}
	if o.FilenameProvider == nil {
		o.FilenameProvider = NewGUIDFilenameProvider(o.Directory)
	}
	if o.MemTableFactory == nil {
		o.MemTableFactory = func() MemTable { return NewSkipListMemTable() }
	}
	return o
}
