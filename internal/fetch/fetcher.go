package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"routereplay/internal/logger"
	"routereplay/internal/metrics"
)

const (
	// DefaultChunkSize is the range-request size for multi-part downloads.
	DefaultChunkSize = 5 * 1024 * 1024
	// DefaultMaxRetries bounds attempts per chunk, including the first.
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the fixed backoff between attempts.
	DefaultRetryDelay = 500 * time.Millisecond

	// chunkWorkers bounds how many range requests run at once per download.
	chunkWorkers = 4
)

// Fetcher downloads route artifacts over HTTP(S) with multi-part range
// requests and bounded, fixed-delay retries per chunk.
type Fetcher struct {
	httpClient *http.Client
	logger     logger.Logger
	metrics    *metrics.Metrics

	ChunkSize  int64
	MaxRetries int
	RetryDelay time.Duration
	UserAgent  string
}

// NewFetcher creates a Fetcher with the default download policy. A nil
// client falls back to a dedicated http.Client with a response header
// timeout suitable for large blob stores.
func NewFetcher(client *http.Client, log logger.Logger, m *metrics.Metrics) *Fetcher {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 10 * time.Second,
			},
		}
	}
	if log == nil {
		log = logger.Nop{}
	}
	return &Fetcher{
		httpClient: client,
		logger:     log,
		metrics:    m,
		ChunkSize:  DefaultChunkSize,
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
	}
}

// Get downloads the full content at url. Large bodies are fetched as
// parallel range requests; every chunk is retried independently. The
// returned buffer always matches the advertised content length.
func (f *Fetcher) Get(ctx context.Context, url string) ([]byte, error) {
	length, ranged, err := f.probe(ctx, url)
	if err != nil {
		f.metrics.IncDownloadErrors()
		return nil, err
	}

	if !ranged || length <= f.ChunkSize {
		data, err := f.retry(ctx, url, func() ([]byte, error) {
			return f.getWhole(ctx, url, length)
		})
		if err != nil {
			f.metrics.IncDownloadErrors()
			return nil, err
		}
		f.metrics.IncDownloads()
		f.metrics.AddDownloadBytes(len(data))
		return data, nil
	}

	buf := make([]byte, length)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(chunkWorkers)

	for start := int64(0); start < length; start += f.ChunkSize {
		start := start
		end := start + f.ChunkSize - 1
		if end >= length {
			end = length - 1
		}
		g.Go(func() error {
			chunk, err := f.retry(gctx, url, func() ([]byte, error) {
				return f.getRange(gctx, url, start, end)
			})
			if err != nil {
				return fmt.Errorf("chunk %d-%d of %s: %w", start, end, url, err)
			}
			copy(buf[start:end+1], chunk)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		f.metrics.IncDownloadErrors()
		return nil, err
	}
	f.metrics.IncDownloads()
	f.metrics.AddDownloadBytes(len(buf))
	f.logger.Debugf("Downloaded %s (%d bytes, %d chunks)", url, length, (length+f.ChunkSize-1)/f.ChunkSize)
	return buf, nil
}

// GetToFile downloads url and persists it atomically at path: the bytes are
// written to a temp file in the same directory and renamed on success, so a
// partial download never appears under the final name.
func (f *Fetcher) GetToFile(ctx context.Context, url, path string) error {
	data, err := f.Get(ctx, url)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic writes data to path via a sibling temp file and rename.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename %s to %s: %w", tmpName, path, err)
	}
	return nil
}

// retry runs op with the fetcher's fixed-delay policy. The sleep stays on
// the calling goroutine; other in-flight chunks are unaffected.
func (f *Fetcher) retry(ctx context.Context, url string, op func() ([]byte, error)) ([]byte, error) {
	attempt := 0
	return backoff.Retry(ctx, func() ([]byte, error) {
		attempt++
		data, err := op()
		if err != nil {
			f.logger.Warnf("Download attempt %d/%d for %s failed: %v", attempt, f.MaxRetries, url, err)
		}
		return data, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(f.RetryDelay)),
		backoff.WithMaxTries(uint(f.MaxRetries)),
	)
}

// probe determines the content length and whether the server accepts range
// requests. Servers that reject HEAD are treated as non-ranged.
func (f *Fetcher) probe(ctx context.Context, url string) (int64, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to create HEAD request for %s: %w", url, err)
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("failed to probe %s: %w", url, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		f.logger.Debugf("HEAD of %s received status %d, falling back to a plain GET", url, resp.StatusCode)
		return -1, false, nil
	}
	ranged := resp.Header.Get("Accept-Ranges") == "bytes"
	return resp.ContentLength, ranged, nil
}

// getWhole fetches the entire body in one request. wantLength < 0 means the
// length is unknown and any complete body is accepted.
func (f *Fetcher) getWhole(ctx context.Context, url string, wantLength int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request for %s: %w", url, err))
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body of %s: %w", url, err)
	}
	if wantLength >= 0 && int64(len(data)) != wantLength {
		return nil, fmt.Errorf("short download of %s: got %d bytes, want %d", url, len(data), wantLength)
	}
	return data, nil
}

// getRange fetches bytes [start, end] of url via a single range request.
func (f *Fetcher) getRange(ctx context.Context, url string, start, end int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request for %s: %w", url, err))
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return nil, statusError(url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read range body of %s: %w", url, err)
	}
	if want := end - start + 1; int64(len(data)) != want {
		return nil, fmt.Errorf("short range read of %s: got %d bytes, want %d", url, len(data), want)
	}
	return data, nil
}

// statusError classifies HTTP status failures: client errors will not change
// on retry and abort the backoff loop.
func statusError(url string, code int) error {
	err := fmt.Errorf("request for %s received status %d", url, code)
	if code >= 400 && code < 500 {
		return backoff.Permanent(err)
	}
	return err
}

// Sum256Hex returns the lowercase hex SHA-256 of data, the checksum form
// used for recorded route artifacts.
func Sum256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// GetVerified downloads url and checks the content against a caller-supplied
// SHA-256. A mismatch means the artifact is corrupt, not transient; it is
// not retried.
func (f *Fetcher) GetVerified(ctx context.Context, url, wantHex string) ([]byte, error) {
	data, err := f.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	if got := Sum256Hex(data); got != wantHex {
		return nil, fmt.Errorf("checksum mismatch for %s: got %s, want %s", url, got, wantHex)
	}
	return data, nil
}
