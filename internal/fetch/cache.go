package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"

	"routereplay/internal/logger"
	"routereplay/internal/metrics"
)

// ErrNotCached is returned by CachedOnly lookups when no complete cache
// entry exists for the URL.
var ErrNotCached = errors.New("fetch: url not in cache")

// FileReader reads route artifacts from local paths or URLs, persisting
// downloads in a content-addressed disk cache. Cache entries are only
// created from complete downloads and are never evicted automatically.
type FileReader struct {
	fetcher  *Fetcher
	cacheDir string
	enabled  bool
	logger   logger.Logger
	metrics  *metrics.Metrics
}

// NewFileReader creates a FileReader. With enableCache false every URL read
// hits the network and nothing is persisted.
func NewFileReader(f *Fetcher, cacheDir string, enableCache bool, log logger.Logger, m *metrics.Metrics) *FileReader {
	if log == nil {
		log = logger.Nop{}
	}
	return &FileReader{
		fetcher:  f,
		cacheDir: cacheDir,
		enabled:  enableCache,
		logger:   log,
		metrics:  m,
	}
}

// IsRemote reports whether src is a URL rather than a local path.
func IsRemote(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// CachePath returns the deterministic local path for a URL's cache entry.
// The key is a stable hash of the URL without its query string, so signed
// URLs for the same artifact share one entry. The original extension is kept
// so demuxers can sniff the container from the name.
func (r *FileReader) CachePath(src string) string {
	base := src
	if u, err := url.Parse(src); err == nil {
		u.RawQuery = ""
		u.Fragment = ""
		base = u.String()
	}
	key := fmt.Sprintf("%016x", xxhash.Sum64String(base))
	return filepath.Join(r.cacheDir, key+fileExt(base))
}

// fileExt returns the artifact extension including leading dot, covering the
// double extension of compressed logs (rlog.bz2, rlog.zst).
func fileExt(src string) string {
	name := filepath.Base(src)
	if i := strings.Index(name, "."); i >= 0 {
		return name[i:]
	}
	return ""
}

// Read returns the bytes of src. Local paths are read directly. URLs are
// served from the cache when possible; a miss downloads, persists the entry
// atomically (when caching is on) and returns the bytes. Failures never
// leave a partial cache entry behind.
func (r *FileReader) Read(ctx context.Context, src string) ([]byte, error) {
	if !IsRemote(src) {
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("failed to read local file %s: %w", src, err)
		}
		return data, nil
	}

	if r.enabled {
		if data, err := os.ReadFile(r.CachePath(src)); err == nil {
			r.metrics.IncCacheHits()
			r.logger.Debugf("Cache hit for %s", src)
			return data, nil
		}
		r.metrics.IncCacheMisses()
	}

	data, err := r.fetcher.Get(ctx, src)
	if err != nil {
		return nil, err
	}

	if r.enabled {
		if err := WriteFileAtomic(r.CachePath(src), data); err != nil {
			// The bytes are good; a cache write failure only costs a re-fetch.
			r.logger.Warnf("Failed to persist cache entry for %s: %v", src, err)
		}
	}
	return data, nil
}

// LocalPath resolves src to a readable local file, downloading it first if
// needed. With caching disabled the file lands in a temp directory; the
// caller owns its lifetime. Used by the frame readers, which demux from a
// file rather than a byte slice.
func (r *FileReader) LocalPath(ctx context.Context, src string) (string, error) {
	if !IsRemote(src) {
		if _, err := os.Stat(src); err != nil {
			return "", fmt.Errorf("local file %s: %w", src, err)
		}
		return src, nil
	}

	if r.enabled {
		path := r.CachePath(src)
		if _, err := os.Stat(path); err == nil {
			r.metrics.IncCacheHits()
			return path, nil
		}
		r.metrics.IncCacheMisses()
		if err := r.fetcher.GetToFile(ctx, src, path); err != nil {
			return "", err
		}
		return path, nil
	}

	tmp := filepath.Join(os.TempDir(), "routereplay",
		fmt.Sprintf("%016x%s", xxhash.Sum64String(src), fileExt(src)))
	if err := r.fetcher.GetToFile(ctx, src, tmp); err != nil {
		return "", err
	}
	return tmp, nil
}

// CachedOnly resolves src against the cache without touching the network.
// It returns ErrNotCached when caching is disabled or no complete entry
// exists for the URL.
func (r *FileReader) CachedOnly(src string) (string, error) {
	if !IsRemote(src) {
		return src, nil
	}
	if !r.enabled {
		return "", ErrNotCached
	}
	path := r.CachePath(src)
	if _, err := os.Stat(path); err != nil {
		return "", ErrNotCached
	}
	return path, nil
}

// Purge removes every cache entry. Capacity management is deliberately
// manual; the cache grows until the caller purges it.
func (r *FileReader) Purge() error {
	entries, err := os.ReadDir(r.cacheDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read cache dir %s: %w", r.cacheDir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(r.cacheDir, e.Name())); err != nil {
			return fmt.Errorf("failed to remove cache entry %s: %w", e.Name(), err)
		}
	}
	return nil
}
