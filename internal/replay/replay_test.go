package replay_test

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routereplay/internal/fetch"
	"routereplay/internal/logger"
	"routereplay/internal/logs"
	"routereplay/internal/models"
	"routereplay/internal/replay"
)

const (
	testRouteID = "d0ng1e|2021-09-29--13-46-36"
	// Recorded clocks never start at zero; events begin 5 s in.
	baseMono = uint64(5_000_000_000)
)

// collector is a thread-safe event sink.
type collector struct {
	mu     sync.Mutex
	events []replay.StreamEvent
}

func (c *collector) sink(ev replay.StreamEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) snapshot() []replay.StreamEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]replay.StreamEvent{}, c.events...)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// waitCount polls until at least n events arrived.
func (c *collector) waitCount(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for c.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d events, got %d", n, c.count())
		}
		time.Sleep(time.Millisecond)
	}
}

// segmentEvents builds one segment's log: an event per second plus an
// initData record at the segment boundary.
func segmentEvents(n int) []logs.Event {
	start := baseMono + uint64(n)*60_000_000_000
	events := []logs.Event{{Kind: logs.KindInitData, MonoTime: start}}
	for k := 1; k < 60; k++ {
		events = append(events, logs.Event{
			Kind:     logs.KindCarState,
			MonoTime: start + uint64(k)*1_000_000_000,
			Data:     []byte{byte(n), byte(k)},
		})
	}
	return events
}

// writeRoute lays out a 3-segment local route of zstd logs.
func writeRoute(t *testing.T) string {
	t.Helper()
	dataDir := t.TempDir()
	for n := 0; n < 3; n++ {
		dir := filepath.Join(dataDir, fmt.Sprintf("2021-09-29--13-46-36--%d", n))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		data, err := logs.EncodeEventsZstd(segmentEvents(n))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "rlog.zst"), data, 0o644))
	}
	return dataDir
}

func newTestReplay(t *testing.T, dataDir string, sink replay.EventSink, opts ...replay.Option) *replay.Replay {
	t.Helper()
	files := fetch.NewFileReader(nil, t.TempDir(), false, logger.Nop{}, nil)
	opts = append([]replay.Option{
		replay.WithFileReader(files),
		replay.WithSpeed(0), // publish as fast as the sink accepts
	}, opts...)
	r := replay.New(testRouteID, dataDir, models.FlagNone, sink, opts...)
	t.Cleanup(r.Close)
	return r
}

// TestReplay_PlayThrough verifies the whole route is published in
// non-decreasing timestamp order across segment boundaries.
func TestReplay_PlayThrough(t *testing.T) {
	c := &collector{}
	r := newTestReplay(t, writeRoute(t), c.sink)
	require.NoError(t, r.Load(context.Background()))

	assert.Equal(t, baseMono, r.RouteStartTime())
	assert.Equal(t, 180.0, r.TotalSeconds())

	c.waitCount(t, 3*60-1) // every event after the first is published
	events := c.snapshot()
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].MonoTime, events[i-1].MonoTime,
			"event %d out of order", i)
	}
	last := events[len(events)-1]
	assert.Equal(t, baseMono+179_000_000_000, last.MonoTime)
	assert.InDelta(t, 179.0, last.RouteSeconds, 0.001)
}

// TestReplay_StartPaused verifies no events flow until Resume.
func TestReplay_StartPaused(t *testing.T) {
	c := &collector{}
	r := newTestReplay(t, writeRoute(t), c.sink, replay.WithStartPaused())
	require.NoError(t, r.Load(context.Background()))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, c.count())
	assert.True(t, r.Paused())

	r.Resume()
	c.waitCount(t, 10)
}

// TestReplay_PauseHoldsPlayhead verifies Pause stops delivery and Resume
// continues from the held position.
func TestReplay_PauseHoldsPlayhead(t *testing.T) {
	c := &collector{}
	// Finite pace so the route cannot finish before Pause lands.
	r := newTestReplay(t, writeRoute(t), c.sink, replay.WithSpeed(60))
	require.NoError(t, r.Load(context.Background()))

	c.waitCount(t, 5)
	r.Pause()
	at := c.count()
	pos := r.CurrentSeconds()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, c.count(), at+1, "events kept flowing while paused")
	assert.Equal(t, pos, r.CurrentSeconds())

	r.Resume()
	c.waitCount(t, at+5)
	events := c.snapshot()
	// Delivery resumed after the held position, in order.
	assert.GreaterOrEqual(t, events[at].MonoTime, events[at-1].MonoTime)
}

// TestReplay_Seek verifies the playhead, segment bookkeeping, and the first
// event published after a seek.
func TestReplay_Seek(t *testing.T) {
	c := &collector{}
	r := newTestReplay(t, writeRoute(t), c.sink, replay.WithStartPaused())
	require.NoError(t, r.Load(context.Background()))

	require.NoError(t, r.Seek(context.Background(), 95.5))
	assert.Equal(t, 1, r.CurrentSegment())
	assert.InDelta(t, 95.5, r.CurrentSeconds(), 0.001)
	assert.True(t, r.Paused(), "seek while paused stays paused")

	before := c.count()
	r.Resume()
	c.waitCount(t, before+1)
	first := c.snapshot()[before]
	assert.Greater(t, first.MonoTime, baseMono+uint64(95.5*1e9))
	assert.Equal(t, baseMono+96_000_000_000, first.MonoTime)
}

// TestReplay_SeekRandom hammers the playhead with random targets and checks
// the bookkeeping after every jump.
func TestReplay_SeekRandom(t *testing.T) {
	c := &collector{}
	r := newTestReplay(t, writeRoute(t), c.sink, replay.WithStartPaused())
	require.NoError(t, r.Load(context.Background()))

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		target := rng.Float64() * 180
		require.NoError(t, r.Seek(context.Background(), target), "seek %d to %.2fs", i, target)
		assert.Equal(t, int(target)/models.SegmentDuration, r.CurrentSegment())
		assert.InDelta(t, target, r.CurrentSeconds(), 0.001)
	}
}

// TestReplay_SeekBounds verifies targets outside the route are rejected or
// clamped.
func TestReplay_SeekBounds(t *testing.T) {
	r := newTestReplay(t, writeRoute(t), nil, replay.WithStartPaused())
	require.NoError(t, r.Load(context.Background()))

	err := r.Seek(context.Background(), 180)
	assert.Error(t, err, "seek to the route end is past the last event")

	require.NoError(t, r.Seek(context.Background(), -5))
	assert.InDelta(t, 0.0, r.CurrentSeconds(), 0.001)
	assert.Equal(t, 0, r.CurrentSegment())
}

// TestReplay_SeekBeforeLoad verifies seeking an unloaded route fails.
func TestReplay_SeekBeforeLoad(t *testing.T) {
	r := newTestReplay(t, writeRoute(t), nil)
	assert.ErrorIs(t, r.Seek(context.Background(), 10), replay.ErrNotLoaded)
}

// TestReplay_FirstSegmentFailure verifies a broken first segment fails the
// whole load.
func TestReplay_FirstSegmentFailure(t *testing.T) {
	dataDir := writeRoute(t)
	corrupt := filepath.Join(dataDir, "2021-09-29--13-46-36--0", "rlog.zst")
	require.NoError(t, os.WriteFile(corrupt, []byte{0x28, 0xb5, 0x2f, 0xfd, 0xff}, 0o644))

	r := newTestReplay(t, dataDir, nil)
	err := r.Load(context.Background())
	assert.ErrorIs(t, err, replay.ErrSegmentFailed)
}

// TestReplay_SkipsFailedSegment verifies playback crosses a broken middle
// segment instead of stalling on it.
func TestReplay_SkipsFailedSegment(t *testing.T) {
	dataDir := writeRoute(t)
	corrupt := filepath.Join(dataDir, "2021-09-29--13-46-36--1", "rlog.zst")
	require.NoError(t, os.WriteFile(corrupt, []byte{0x28, 0xb5, 0x2f, 0xfd, 0xff}, 0o644))

	c := &collector{}
	r := newTestReplay(t, dataDir, c.sink)
	require.NoError(t, r.Load(context.Background()))

	// Segment 0 then, after the skip, segment 2.
	c.waitCount(t, 60+30)
	events := c.snapshot()
	sawThird := false
	for i, ev := range events {
		assert.GreaterOrEqual(t, ev.MonoTime, baseMono)
		inSecond := ev.MonoTime >= baseMono+60_000_000_000 && ev.MonoTime < baseMono+120_000_000_000
		assert.False(t, inSecond, "event %d came from the failed segment", i)
		if ev.MonoTime >= baseMono+120_000_000_000 {
			sawThird = true
		}
	}
	assert.True(t, sawThird, "playback never reached the segment after the failure")
}

// TestReplay_SeekIntoFailedSegment verifies a seek into a broken segment
// errors and leaves playback paused.
func TestReplay_SeekIntoFailedSegment(t *testing.T) {
	dataDir := writeRoute(t)
	corrupt := filepath.Join(dataDir, "2021-09-29--13-46-36--1", "rlog.zst")
	require.NoError(t, os.WriteFile(corrupt, []byte{0x28, 0xb5, 0x2f, 0xfd, 0xff}, 0o644))

	r := newTestReplay(t, dataDir, nil, replay.WithStartPaused())
	require.NoError(t, r.Load(context.Background()))

	err := r.Seek(context.Background(), 75)
	assert.ErrorIs(t, err, replay.ErrSegmentFailed)
	assert.True(t, r.Paused())

	// Other segments remain seekable.
	assert.NoError(t, r.Seek(context.Background(), 130))
	assert.Equal(t, 2, r.CurrentSegment())
}

// TestReplay_Close verifies Close stops delivery and is idempotent.
func TestReplay_Close(t *testing.T) {
	c := &collector{}
	r := newTestReplay(t, writeRoute(t), c.sink)
	require.NoError(t, r.Load(context.Background()))
	c.waitCount(t, 1)

	r.Close()
	at := c.count()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, c.count(), at+1)
	r.Close()
}

// TestReplay_EndOfRoute verifies playback settles once the last event is
// out, and a seek back restarts it.
func TestReplay_EndOfRoute(t *testing.T) {
	c := &collector{}
	r := newTestReplay(t, writeRoute(t), c.sink)
	require.NoError(t, r.Load(context.Background()))

	c.waitCount(t, 3*60-1)
	time.Sleep(50 * time.Millisecond)
	done := c.count()

	require.NoError(t, r.Seek(context.Background(), 170))
	c.waitCount(t, done+1)
	events := c.snapshot()
	assert.Greater(t, events[done].MonoTime, baseMono+170_000_000_000)
}

// TestReplay_SeekDuringSlowPublish verifies that once Seek returns, no event
// from before the seek target is delivered, even when the sink is slow enough
// for a seek to land while an event is in flight.
func TestReplay_SeekDuringSlowPublish(t *testing.T) {
	c := &collector{}
	slow := func(ev replay.StreamEvent) {
		c.sink(ev)
		time.Sleep(20 * time.Millisecond)
	}
	r := newTestReplay(t, writeRoute(t), slow)
	require.NoError(t, r.Load(context.Background()))

	c.waitCount(t, 2)
	require.NoError(t, r.Seek(context.Background(), 150))
	after := c.count()

	c.waitCount(t, after+3)
	for _, ev := range c.snapshot()[after:] {
		assert.Greater(t, ev.MonoTime, baseMono+150_000_000_000)
	}
}

// TestReplay_PauseDuringSlowPublish verifies that an event already handed to
// the sink when Pause lands is not delivered a second time after Resume.
func TestReplay_PauseDuringSlowPublish(t *testing.T) {
	c := &collector{}
	slow := func(ev replay.StreamEvent) {
		c.sink(ev)
		time.Sleep(20 * time.Millisecond)
	}
	r := newTestReplay(t, writeRoute(t), slow)
	require.NoError(t, r.Load(context.Background()))

	c.waitCount(t, 3)
	r.Pause()
	time.Sleep(50 * time.Millisecond)
	r.Resume()
	c.waitCount(t, 8)

	events := c.snapshot()
	for i := 1; i < len(events); i++ {
		// Fixture timestamps are unique, so a re-emission shows up as a
		// non-increasing step.
		assert.Greater(t, events[i].MonoTime, events[i-1].MonoTime)
	}
}

// TestReplay_SeekBackAfterEviction seeks to the route end so the first
// segment falls out of the prefetch window, then seeks back into it and
// verifies playback resumes from the reloaded segment.
func TestReplay_SeekBackAfterEviction(t *testing.T) {
	c := &collector{}
	r := newTestReplay(t, writeRoute(t), c.sink, replay.WithStartPaused())
	require.NoError(t, r.Load(context.Background()))

	require.NoError(t, r.Seek(context.Background(), 170))
	require.NoError(t, r.Seek(context.Background(), 5))
	assert.Equal(t, 0, r.CurrentSegment())

	r.Resume()
	c.waitCount(t, 1)
	assert.Equal(t, baseMono+6_000_000_000, c.snapshot()[0].MonoTime)
}
