package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Defaults for the replay engine. The download constants match the recorded
// route artifact sizes: segments are large (tens of MiB), so downloads are
// split into 5 MiB range requests.
const (
	DefaultAPIBaseURL  = "https://api.commadotai.com"
	DefaultChunkSize   = 5 * 1024 * 1024
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 500 * time.Millisecond
	DefaultMetricsAddr = ""
	DefaultLogLevel    = "info"
)

// Config holds the processed engine configuration.
type Config struct {
	// APIBaseURL is the route index endpoint used for remote resolution.
	APIBaseURL string
	// CacheDir is where downloaded artifacts are persisted.
	CacheDir string
	// ChunkSize is the range-request size for multi-part downloads, in bytes.
	ChunkSize int64
	// MaxRetries bounds download attempts per chunk.
	MaxRetries int
	// RetryDelay is the fixed backoff between retries.
	RetryDelay time.Duration
	// MetricsAddr, if non-empty, enables the prometheus listener.
	MetricsAddr string
	LogLevel    string
}

// Load reads an optional .env file and assembles the configuration from the
// environment, falling back to defaults. A missing .env file is not an error.
func Load(paths ...string) *Config {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	_ = godotenv.Load(paths...)

	return &Config{
		APIBaseURL:  getEnv("REPLAY_API_URL", DefaultAPIBaseURL),
		CacheDir:    getEnv("REPLAY_CACHE_DIR", defaultCacheDir()),
		ChunkSize:   int64(getEnvInt("REPLAY_CHUNK_SIZE", DefaultChunkSize)),
		MaxRetries:  getEnvInt("REPLAY_MAX_RETRIES", DefaultMaxRetries),
		RetryDelay:  getEnvDuration("REPLAY_RETRY_DELAY", DefaultRetryDelay),
		MetricsAddr: getEnv("REPLAY_METRICS_ADDR", DefaultMetricsAddr),
		LogLevel:    getEnv("REPLAY_LOG_LEVEL", DefaultLogLevel),
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/routereplay"
	}
	return os.TempDir() + "/routereplay"
}

// getEnv returns the value of the environment variable named by key, or
// fallback if the variable is unset or empty.
func getEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// getEnvInt returns the integer value of the environment variable named by
// key, or fallback if unset, empty, or not a valid integer.
func getEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration returns the duration value of the environment variable named
// by key, or fallback if unset or unparsable.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}
