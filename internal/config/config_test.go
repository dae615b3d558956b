package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFillsDefaults(t *testing.T) {
	var cfg Config
	require.NoError(t, cfg.Normalize())

	d := Default()
	assert.Equal(t, d.ChunkSize, cfg.ChunkSize)
	assert.Equal(t, d.MemoryCeiling, cfg.MemoryCeiling)
	assert.Equal(t, d.ConnectTimeout, cfg.ConnectTimeout)
	assert.Equal(t, d.STUNServers, cfg.STUNServers)
}

func TestNormalizeRejectsInvertedWaterMarks(t *testing.T) {
	cfg := Default()
	cfg.LowWaterMark = cfg.HighWaterMark
	assert.Error(t, cfg.Normalize())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drop.json")
	raw := `{"user_id":"alice","chunk_size":16384,"connect_timeout":1000000000}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.UserID)
	assert.Equal(t, 16384, cfg.ChunkSize)
	assert.Equal(t, time.Second, cfg.ConnectTimeout)
	assert.Equal(t, Default().HighWaterMark, cfg.HighWaterMark)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("DROP_USER", "bob")
	t.Setenv("DROP_CHUNK_SIZE", "32768")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "bob", cfg.UserID)
	assert.Equal(t, 32768, cfg.ChunkSize)

	t.Setenv("DROP_MAX_CONCURRENT", "x")
	assert.Error(t, cfg.ApplyEnv())
}
