// Package config defines stormkv's engine configuration (spec.md §6):
// loadable from a YAML file via gopkg.in/yaml.v3 and validated with
// github.com/go-playground/validator/v10, the same pairing the pack's
// graphdb-style configuration layer uses.
package config

import (
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/kebukeYi/stormkv/internal/common"
)

// Config covers every option named in spec.md §6. YAML keys are snake
// case to match the rest of the corpus's configuration files.
type Config struct {
	// Engine selects which storage engine a directory is opened with:
	// "bitcask" or "lsm".
	Engine string `yaml:"engine" validate:"required,oneof=bitcask lsm"`

	// DataDirectory is the root directory the selected engine owns.
	DataDirectory string `yaml:"data_directory" validate:"required"`

	// SegmentByteLimit bounds a Bitcask segment's size before rotation.
	SegmentByteLimit int64 `yaml:"segment_byte_limit" validate:"required,min=1"`

	// MemtableByteLimit bounds the LSM memtable's approximate size before
	// a flush to a sorted table.
	MemtableByteLimit int64 `yaml:"memtable_byte_limit" validate:"required,min=1"`

	// FsyncIntervalMs is the period of the Bitcask engine's background
	// fsync tick. 0 disables the periodic tick (fsync only happens at
	// rotation, compaction and close).
	FsyncIntervalMs int `yaml:"fsync_interval_ms" validate:"min=0"`

	// SparseIndexStride is how many sorted-table data rows separate
	// consecutive sparse index entries. Must be at least 1.
	SparseIndexStride int `yaml:"sparse_index_stride" validate:"required,min=1"`

	// BloomFalsePositive is the target false-positive rate for each
	// sorted table's Bloom filter.
	BloomFalsePositive float64 `yaml:"bloom_false_positive" validate:"required,gt=0,lt=1"`

	// CompactionFanIn is how many of the oldest live sorted tables one LSM
	// compaction pass merges. Must be at least 2 for a compaction to do
	// anything.
	CompactionFanIn int `yaml:"compaction_fan_in" validate:"required,min=2"`
}

var validate = validator.New()

// Default returns the spec.md §6 defaults.
func Default() *Config {
	return &Config{
		Engine:             "lsm",
		DataDirectory:      "./data",
		SegmentByteLimit:   common.DefaultSegmentByteLimit,
		MemtableByteLimit:  common.DefaultMemtableByteLimit,
		FsyncIntervalMs:    common.DefaultFsyncIntervalMs,
		SparseIndexStride:  common.DefaultSparseIndexStride,
		BloomFalsePositive: 0.01,
		CompactionFanIn:    common.DefaultCompactionFanIn,
	}
}

// Load reads and validates the YAML configuration file at path, starting
// from Default() so any field the file omits keeps its default.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, common.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, common.Wrap(err, "parse config file")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every struct tag plus the cross-field constraints the
// tag language can't express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return common.Wrap(err, "invalid configuration")
	}
	if c.SparseIndexStride < 1 {
		return common.Wrapf(common.ErrInvalidArgument, "sparse_index_stride must be >= 1, got %d", c.SparseIndexStride)
	}
	if c.CompactionFanIn < 2 {
		return common.Wrapf(common.ErrInvalidArgument, "compaction_fan_in must be >= 2, got %d", c.CompactionFanIn)
	}
	return nil
}
