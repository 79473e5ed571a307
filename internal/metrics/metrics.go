package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the replay engine.
type Metrics struct {
	registry *prometheus.Registry

	downloadsTotal      prometheus.Counter
	downloadErrorsTotal prometheus.Counter
	downloadBytesTotal  prometheus.Counter
	cacheHitsTotal      prometheus.Counter
	cacheMissesTotal    prometheus.Counter
	segmentsLoadedTotal prometheus.Counter
	segmentsFailedTotal prometheus.Counter
	eventsPublished     prometheus.Counter
	seeksTotal          prometheus.Counter
	loadedSegments      prometheus.Gauge
}

// New creates and registers Prometheus metrics for the replay engine.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		downloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_downloads_total",
			Help: "Total number of completed artifact downloads",
		}),
		downloadErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_download_errors_total",
			Help: "Total number of downloads that failed after all retries",
		}),
		downloadBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_download_bytes_total",
			Help: "Total bytes fetched over the network",
		}),
		cacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_cache_hits_total",
			Help: "Total number of reads served from the local file cache",
		}),
		cacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_cache_misses_total",
			Help: "Total number of reads that required a network download",
		}),
		segmentsLoadedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_segments_loaded_total",
			Help: "Total number of segments that reached the Loaded state",
		}),
		segmentsFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_segments_failed_total",
			Help: "Total number of segments that reached the Failed state",
		}),
		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_events_published_total",
			Help: "Total number of events delivered to the downstream consumer",
		}),
		seeksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_seeks_total",
			Help: "Total number of seek requests",
		}),
		loadedSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replay_loaded_segments",
			Help: "Number of segments currently held in memory",
		}),
	}

	registry.MustRegister(
		m.downloadsTotal,
		m.downloadErrorsTotal,
		m.downloadBytesTotal,
		m.cacheHitsTotal,
		m.cacheMissesTotal,
		m.segmentsLoadedTotal,
		m.segmentsFailedTotal,
		m.eventsPublished,
		m.seeksTotal,
		m.loadedSegments,
	)

	return m
}

// All increment methods are nil-safe so library callers can pass a nil
// *Metrics to disable instrumentation.

// IncDownloads increments the completed downloads counter.
func (m *Metrics) IncDownloads() {
	if m != nil {
		m.downloadsTotal.Inc()
	}
}

// IncDownloadErrors increments the failed downloads counter.
func (m *Metrics) IncDownloadErrors() {
	if m != nil {
		m.downloadErrorsTotal.Inc()
	}
}

// AddDownloadBytes adds n to the downloaded bytes counter.
func (m *Metrics) AddDownloadBytes(n int) {
	if m != nil {
		m.downloadBytesTotal.Add(float64(n))
	}
}

// IncCacheHits increments the cache hit counter.
func (m *Metrics) IncCacheHits() {
	if m != nil {
		m.cacheHitsTotal.Inc()
	}
}

// IncCacheMisses increments the cache miss counter.
func (m *Metrics) IncCacheMisses() {
	if m != nil {
		m.cacheMissesTotal.Inc()
	}
}

// IncSegmentsLoaded increments the loaded segments counter.
func (m *Metrics) IncSegmentsLoaded() {
	if m != nil {
		m.segmentsLoadedTotal.Inc()
	}
}

// IncSegmentsFailed increments the failed segments counter.
func (m *Metrics) IncSegmentsFailed() {
	if m != nil {
		m.segmentsFailedTotal.Inc()
	}
}

// AddEventsPublished adds n to the published events counter.
func (m *Metrics) AddEventsPublished(n int) {
	if m != nil {
		m.eventsPublished.Add(float64(n))
	}
}

// IncSeeks increments the seek counter.
func (m *Metrics) IncSeeks() {
	if m != nil {
		m.seeksTotal.Inc()
	}
}

// SetLoadedSegments sets the in-memory segments gauge.
func (m *Metrics) SetLoadedSegments(n int) {
	if m != nil {
		m.loadedSegments.Set(float64(n))
	}
}

// Handler returns an http.Handler that serves the registry.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
