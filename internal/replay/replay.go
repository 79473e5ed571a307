// Package replay is the scheduling core of the engine: it maintains a
// sliding window of loaded segments around the playhead, merges their
// events into one time-ordered timeline, drives playback at wall-clock
// pace, and serves random-access seeks.
package replay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"routereplay/internal/fetch"
	"routereplay/internal/logger"
	"routereplay/internal/logs"
	"routereplay/internal/metrics"
	"routereplay/internal/models"
	"routereplay/internal/route"
	"routereplay/internal/segment"
)

const (
	// Prefetch window around the current segment.
	forwardSegments = 2
	backSegments    = 1

	segmentDurationNS = models.SegmentDuration * 1e9
)

// ErrSegmentFailed is wrapped into Seek errors when the segment covering
// the seek target failed to load.
var ErrSegmentFailed = errors.New("replay: segment failed to load")

// ErrNotLoaded is returned by operations that require a loaded route.
var ErrNotLoaded = errors.New("replay: route not loaded")

// Replay owns all mutable playback state: the segment table, the merged
// timeline, and the playhead. Every mutation happens under one mutex; the
// condition variable signals "timeline updated" to waiters.
type Replay struct {
	routeID string
	dataDir string
	flags   models.Flags
	sink    EventSink
	speed   float64

	logger   logger.Logger
	stats    *metrics.Metrics
	resolver *route.Resolver
	files    *fetch.FileReader

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	cond *sync.Cond
	// wake interrupts a timed playback sleep early (seek, pause, close).
	wake chan struct{}

	route          *route.Route
	segments       map[int]*segment.Segment
	merged         []logs.Event
	mergedGen      uint64
	routeStartTime uint64
	curMonoTime    uint64
	currentSegment int
	paused         bool
	ended          bool
	closed         bool
	streamStarted  bool
	// publishing marks an event handed to the sink and not yet returned;
	// Seek drains it before reporting success.
	publishing bool
}

// Option configures a Replay.
type Option func(*Replay)

// WithLogger sets the engine logger.
func WithLogger(log logger.Logger) Option {
	return func(r *Replay) { r.logger = log }
}

// WithMetrics attaches prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Replay) { r.stats = m }
}

// WithSpeed sets the playback rate; 1.0 is wall-clock pace. Zero or
// negative publishes as fast as the consumer accepts.
func WithSpeed(speed float64) Option {
	return func(r *Replay) { r.speed = speed }
}

// WithStartPaused loads the route without starting to publish events.
func WithStartPaused() Option {
	return func(r *Replay) { r.paused = true }
}

// WithResolver overrides the route resolver, used by tests to point at a
// fake route index.
func WithResolver(rs *route.Resolver) Option {
	return func(r *Replay) { r.resolver = rs }
}

// WithFileReader overrides the artifact reader (cache location, fetcher).
func WithFileReader(fr *fetch.FileReader) Option {
	return func(r *Replay) { r.files = fr }
}

// New creates a Replay for the given route. dataDir selects local
// resolution when non-empty. The sink may be nil for consumers that only
// inspect state.
func New(routeID, dataDir string, flags models.Flags, sink EventSink, opts ...Option) *Replay {
	r := &Replay{
		routeID:        routeID,
		dataDir:        dataDir,
		flags:          flags,
		sink:           sink,
		speed:          1.0,
		logger:         logger.Nop{},
		segments:       make(map[int]*segment.Segment),
		wake:           make(chan struct{}, 1),
		currentSegment: -1,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cond = sync.NewCond(&r.mu)

	if r.files == nil {
		fetcher := fetch.NewFetcher(nil, r.logger, r.stats)
		cacheDir := defaultCacheDir()
		r.files = fetch.NewFileReader(fetcher, cacheDir, !flags.Has(models.FlagNoFileCache), r.logger, r.stats)
	}
	if r.resolver == nil {
		fetcher := fetch.NewFetcher(nil, r.logger, r.stats)
		r.resolver = route.NewResolver(defaultAPIBaseURL, fetcher, r.logger)
	}
	r.resolver.AllowNetwork = !flags.Has(models.FlagNoHTTP)
	return r
}

const defaultAPIBaseURL = "https://api.commadotai.com"

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "routereplay")
	}
	return filepath.Join(os.TempDir(), "routereplay")
}

// Load resolves the route, queues the initial prefetch window, and blocks
// until the first segment's outcome establishes the route start timestamp.
// Playback begins immediately unless WithStartPaused was given.
func (r *Replay) Load(ctx context.Context) error {
	rt, err := r.resolver.Resolve(ctx, r.routeID, r.dataDir)
	if err != nil {
		return err
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.mu.Lock()
	r.route = rt
	r.currentSegment = rt.Segments[0].Index
	r.queueSegmentsLocked()
	first := r.segments[rt.Segments[0].Index]
	r.mu.Unlock()

	select {
	case <-first.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if !first.Loaded() {
		return fmt.Errorf("first segment of route %s (stream %s): %w: %v",
			rt.ID.Canonical(), first.FailedStream(), ErrSegmentFailed, first.Err())
	}

	r.mu.Lock()
	if r.routeStartTime == 0 {
		// The load watcher merges too, but it may not have run yet.
		r.mergeSegmentsLocked()
	}
	if !r.streamStarted {
		r.streamStarted = true
		go r.streamLoop()
	}
	r.mu.Unlock()

	r.logger.Infof("Route %s loaded: %d segments, start time %d",
		rt.ID.Canonical(), len(rt.Segments), r.RouteStartTime())
	return nil
}

// RouteStartTime returns the monotonic timestamp of the route's first
// event, or 0 before Load completes.
func (r *Replay) RouteStartTime() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routeStartTime
}

// CurrentSeconds returns the playhead position relative to the route start.
func (r *Replay) CurrentSeconds() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.curMonoTime < r.routeStartTime {
		return 0
	}
	return float64(r.curMonoTime-r.routeStartTime) / 1e9
}

// CurrentSegment returns the segment index the playhead is in.
func (r *Replay) CurrentSegment() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentSegment
}

// TotalSeconds returns the route length implied by its last segment.
func (r *Replay) TotalSeconds() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.route == nil {
		return 0
	}
	return float64(r.route.MaxIndex()+1) * models.SegmentDuration
}

// Paused reports whether playback is currently paused.
func (r *Replay) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Pause stops event delivery; the playhead holds its position.
func (r *Replay) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
	r.notify()
}

// Resume continues delivery from the playhead.
func (r *Replay) Resume() {
	r.mu.Lock()
	r.paused = false
	r.ended = false
	r.mu.Unlock()
	r.notify()
}

// Seek moves the playhead to seconds from the route start. It re-centers
// the prefetch window and blocks until the segment covering the target has
// loaded or failed; a failed target is returned as an error and playback
// stays paused. On success the pre-seek paused state is restored.
func (r *Replay) Seek(ctx context.Context, seconds float64) error {
	r.stats.IncSeeks()

	r.mu.Lock()
	if r.route == nil || r.routeStartTime == 0 {
		r.mu.Unlock()
		return ErrNotLoaded
	}
	if seconds < 0 {
		seconds = 0
	}
	if max := float64(r.route.MaxIndex()+1) * models.SegmentDuration; seconds >= max {
		r.mu.Unlock()
		return fmt.Errorf("seek target %.1fs is beyond the route end (%.0fs)", seconds, max)
	}

	targetSeg := int(seconds) / models.SegmentDuration
	if _, ok := r.route.At(targetSeg); !ok {
		r.mu.Unlock()
		return fmt.Errorf("seek target %.1fs: segment %d missing from route: %w", seconds, targetSeg, ErrSegmentFailed)
	}

	wasPaused := r.paused
	r.paused = true
	r.ended = false
	r.curMonoTime = r.routeStartTime + uint64(seconds*1e9)
	r.currentSegment = targetSeg
	// Invalidate the playback cursor so an iteration validated against the
	// pre-seek playhead can never commit or publish a stale event.
	r.mergedGen++
	r.queueSegmentsLocked()
	seg := r.segments[targetSeg]
	r.mu.Unlock()
	r.notify()

	r.logger.Debugf("Seeking to %.1fs (segment %d)", seconds, targetSeg)

	select {
	case <-seg.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if !seg.Loaded() {
		// Stay paused rather than silently resuming elsewhere.
		return fmt.Errorf("seek target segment %d (stream %s): %w: %v",
			targetSeg, seg.FailedStream(), ErrSegmentFailed, seg.Err())
	}

	r.mu.Lock()
	r.paused = wasPaused
	// An event scheduled before the seek may still be in the sink; do not
	// return while it could land after us.
	for r.publishing {
		r.cond.Wait()
	}
	r.mu.Unlock()
	r.notify()
	return nil
}

// Close stops playback, cancels pending work, and frees every segment.
func (r *Replay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	segs := r.segments
	r.segments = make(map[int]*segment.Segment)
	r.merged = nil
	r.mu.Unlock()
	r.notify()

	if r.cancel != nil {
		r.cancel()
	}
	for _, s := range segs {
		// In-flight loads run to completion; wait so Close never races a
		// reader teardown.
		<-s.Done()
		s.Close()
	}
	r.stats.SetLoadedSegments(0)
}

// notify wakes both lock-bound waiters and a timed playback sleep.
func (r *Replay) notify() {
	r.cond.Broadcast()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// queueSegmentsLocked creates and starts loads for every segment inside the
// prefetch window that is not yet tracked, and evicts settled segments far
// outside it. Callers hold r.mu.
func (r *Replay) queueSegmentsLocked() {
	if r.route == nil || r.closed {
		return
	}

	lo := r.currentSegment - backSegments
	hi := r.currentSegment + forwardSegments
	for n := lo; n <= hi; n++ {
		files, ok := r.route.At(n)
		if !ok {
			continue
		}
		if _, exists := r.segments[n]; exists {
			continue
		}
		seg := segment.New(n, files, r.flags, r.files, r.logger, r.stats)
		r.segments[n] = seg
		seg.Load(r.loadContext())
		go r.watchSegment(seg)
	}

	// Eviction keeps memory bounded. Loads still in flight are left alone;
	// their result lands and they are evicted on a later pass.
	evicted := false
	for n, seg := range r.segments {
		if n >= lo && n <= hi {
			continue
		}
		select {
		case <-seg.Done():
		default:
			continue
		}
		delete(r.segments, n)
		go seg.Close()
		evicted = true
		r.logger.Debugf("Evicted segment %d", n)
	}
	if evicted {
		// Drop the evicted events from the live timeline too, or they stay
		// playable and pinned in memory until the next load completes.
		r.mergeSegmentsLocked()
	}
	r.stats.SetLoadedSegments(len(r.segments))
}

func (r *Replay) loadContext() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}

// watchSegment merges the timeline once a segment load settles. A failure
// during prefetch is logged and playback skips past the missing range; only
// seeks surface it to callers.
func (r *Replay) watchSegment(seg *segment.Segment) {
	<-seg.Done()
	if !seg.Loaded() {
		r.logger.Warnf("Segment %d unavailable (stream %s): %v; playback will skip it",
			seg.Number, seg.FailedStream(), seg.Err())
	}
	r.mu.Lock()
	r.mergeSegmentsLocked()
	r.mu.Unlock()
	r.notify()
}

// mergeSegmentsLocked rebuilds the merged timeline by concatenating loaded
// segments' events in segment order. Segments cover non-overlapping,
// increasing time ranges, so concatenation suffices; global order is still
// verified as a post-condition. The previous slice is never mutated, so the
// playback loop can keep reading its snapshot without the lock.
func (r *Replay) mergeSegmentsLocked() {
	nums := make([]int, 0, len(r.segments))
	for n, seg := range r.segments {
		if seg.Loaded() {
			nums = append(nums, n)
		}
	}
	sort.Ints(nums)

	var merged []logs.Event
	for _, n := range nums {
		merged = append(merged, r.segments[n].Log.Events...)
	}

	if !logs.IsSorted(merged) {
		// Overlapping segment recordings would break scheduling; recover
		// with a stable sort that keeps same-timestamp file order.
		r.logger.Errorf("Merged timeline not globally sorted across segments %v; re-sorting", nums)
		sort.SliceStable(merged, func(i, j int) bool { return merged[i].MonoTime < merged[j].MonoTime })
	}

	if r.routeStartTime == 0 && len(merged) > 0 && len(nums) > 0 && nums[0] == r.route.Segments[0].Index {
		r.routeStartTime = merged[0].MonoTime
		if r.curMonoTime < r.routeStartTime {
			r.curMonoTime = r.routeStartTime
		}
	}

	r.merged = merged
	r.mergedGen++
	r.logger.Debugf("Merged timeline: segments %v, %d events", nums, len(merged))
}

// segmentFor returns the loaded segment covering t, or nil.
func (r *Replay) segmentFor(t uint64) *segment.Segment {
	if t < r.routeStartTime {
		return nil
	}
	n := int((t - r.routeStartTime) / segmentDurationNS)
	seg := r.segments[n]
	if seg == nil || !seg.Loaded() {
		return nil
	}
	return seg
}
