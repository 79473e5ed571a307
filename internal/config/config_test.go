package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routereplay/internal/config"
)

// TestLoad_Defaults verifies the configuration assembles from defaults when
// nothing is set.
func TestLoad_Defaults(t *testing.T) {
	cfg := config.Load(filepath.Join(t.TempDir(), "absent.env"))

	assert.Equal(t, config.DefaultAPIBaseURL, cfg.APIBaseURL)
	assert.EqualValues(t, config.DefaultChunkSize, cfg.ChunkSize)
	assert.Equal(t, config.DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, config.DefaultRetryDelay, cfg.RetryDelay)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.NotEmpty(t, cfg.CacheDir)
}

// TestLoad_Environment verifies environment variables override defaults.
func TestLoad_Environment(t *testing.T) {
	t.Setenv("REPLAY_API_URL", "http://127.0.0.1:9999")
	t.Setenv("REPLAY_MAX_RETRIES", "7")
	t.Setenv("REPLAY_RETRY_DELAY", "50ms")
	t.Setenv("REPLAY_LOG_LEVEL", "debug")

	cfg := config.Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.Equal(t, "http://127.0.0.1:9999", cfg.APIBaseURL)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, "debug", cfg.LogLevel)
}

// TestLoad_EnvFile verifies values from a .env file are picked up.
func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("REPLAY_CHUNK_SIZE=1048576\n"), 0o644))
	t.Setenv("REPLAY_CHUNK_SIZE", "") // godotenv never overrides a set variable
	os.Unsetenv("REPLAY_CHUNK_SIZE")

	cfg := config.Load(path)
	assert.EqualValues(t, 1048576, cfg.ChunkSize)
}

// TestLoad_BadValuesFallBack verifies unparsable values fall back rather
// than fail.
func TestLoad_BadValuesFallBack(t *testing.T) {
	t.Setenv("REPLAY_MAX_RETRIES", "many")
	t.Setenv("REPLAY_RETRY_DELAY", "soon")

	cfg := config.Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.Equal(t, config.DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, config.DefaultRetryDelay, cfg.RetryDelay)
}
