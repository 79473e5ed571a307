package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routereplay/internal/metrics"
)

// TestNilSafety verifies every instrumentation call is a no-op on a nil
// receiver.
func TestNilSafety(t *testing.T) {
	var m *metrics.Metrics
	m.IncDownloads()
	m.IncDownloadErrors()
	m.AddDownloadBytes(100)
	m.IncCacheHits()
	m.IncCacheMisses()
	m.IncSegmentsLoaded()
	m.IncSegmentsFailed()
	m.AddEventsPublished(5)
	m.IncSeeks()
	m.SetLoadedSegments(3)
}

// TestHandler verifies recorded values show up in the scrape output.
func TestHandler(t *testing.T) {
	m := metrics.New()
	m.IncDownloads()
	m.IncDownloads()
	m.AddDownloadBytes(4096)
	m.IncSeeks()
	m.SetLoadedSegments(2)

	var gaugeUpdates int
	server := httptest.NewServer(m.Handler(func() { gaugeUpdates++ }))
	defer server.Close()

	resp, err := server.Client().Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, "replay_downloads_total 2")
	assert.Contains(t, out, "replay_download_bytes_total 4096")
	assert.Contains(t, out, "replay_seeks_total 1")
	assert.Contains(t, out, "replay_loaded_segments 2")
	assert.Equal(t, 1, gaugeUpdates)
}
