package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stormkv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine: bitcask
data_directory: /tmp/stormkv-data
segment_byte_limit: 1048576
memtable_byte_limit: 1048576
sparse_index_stride: 32
bloom_false_positive: 0.02
compaction_fan_in: 4
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "bitcask", cfg.Engine)
	require.Equal(t, int64(1048576), cfg.SegmentByteLimit)
	require.Equal(t, 32, cfg.SparseIndexStride)
	require.Equal(t, 4, cfg.CompactionFanIn)
}

func TestValidateRejectsUnknownEngine(t *testing.T) {
	cfg := Default()
	cfg.Engine = "rocksdb"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsFanInBelowTwo(t *testing.T) {
	cfg := Default()
	cfg.CompactionFanIn = 1
	require.Error(t, cfg.Validate())
}
