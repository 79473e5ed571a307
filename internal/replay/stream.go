package replay

import (
	"errors"
	"sort"
	"time"

	"routereplay/internal/frame"
	"routereplay/internal/logs"
	"routereplay/internal/models"
	"routereplay/internal/segment"
)

// streamLoop is the playback goroutine. It owns nothing: all shared state
// lives behind r.mu, and every sleep happens with the lock released so
// loaders and seek callers are never blocked by pacing.
func (r *Replay) streamLoop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for !r.closed {
		for !r.closed && (r.paused || r.ended || len(r.merged) == 0) {
			r.cond.Wait()
		}
		if r.closed {
			return
		}

		// Snapshot the immutable timeline; a merge publishes a fresh slice
		// and bumps the generation instead of mutating this one.
		events := r.merged
		gen := r.mergedGen

		i := upperBound(events, r.curMonoTime)
		if i >= len(events) {
			r.handleExhaustedLocked()
			continue
		}

		// Wall-clock pacing is anchored at the first event of this run.
		startMono := events[i].MonoTime
		startWall := time.Now()

		for i < len(events) && !r.closed && !r.paused && r.mergedGen == gen {
			ev := &events[i]

			due := time.Duration(0)
			if r.speed > 0 {
				due = time.Duration(float64(ev.MonoTime-startMono) / r.speed)
			}

			seg := r.segmentFor(ev.MonoTime)
			routeStart := r.routeStartTime
			r.mu.Unlock()

			interrupted := r.sleepUntil(startWall.Add(due))

			r.mu.Lock()
			if interrupted || r.closed || r.paused || r.mergedGen != gen {
				// A seek or pause landed mid-sleep; recompute before
				// publishing anything stale.
				break
			}

			// Commit the playhead before the sink runs: a pause or seek
			// landing while the sink executes applies to the NEXT event,
			// and this one is never re-emitted. The playhead only moves
			// forward here; seeks are the sole backward path.
			r.curMonoTime = ev.MonoTime
			r.stats.AddEventsPublished(1)
			if n := int((ev.MonoTime - r.routeStartTime) / segmentDurationNS); n != r.currentSegment {
				r.currentSegment = n
				r.queueSegmentsLocked()
			}
			i++
			r.publishing = true
			r.mu.Unlock()

			out := r.buildStreamEvent(ev, seg, routeStart)
			if r.sink != nil {
				r.sink(out)
			}

			r.mu.Lock()
			r.publishing = false
			r.cond.Broadcast()
		}
	}
}

// handleExhaustedLocked decides what to do when the cursor runs off the end
// of the merged timeline: wait for in-flight loads, skip forward past a
// failed or missing range, or mark the route ended.
func (r *Replay) handleExhaustedLocked() {
	for _, seg := range r.segments {
		select {
		case <-seg.Done():
		default:
			// A merge is coming; wait for it.
			r.cond.Wait()
			return
		}
	}

	if r.currentSegment < r.route.MaxIndex() {
		// Nothing left to wait for in this range: skip past it.
		r.currentSegment++
		if t := r.routeStartTime + uint64(r.currentSegment)*segmentDurationNS; t > r.curMonoTime {
			r.curMonoTime = t
		}
		r.logger.Debugf("Skipping forward to segment %d", r.currentSegment)
		r.queueSegmentsLocked()
		return
	}

	if !r.ended {
		r.ended = true
		r.logger.Infof("Playback reached the end of route %s", r.route.ID.Canonical())
	}
}

// sleepUntil blocks until deadline or until notify fires, reporting whether
// the sleep was interrupted.
func (r *Replay) sleepUntil(deadline time.Time) bool {
	d := time.Until(deadline)
	if d <= 0 {
		// Drain a stale wake token so it cannot spuriously interrupt the
		// next sleep, then publish immediately.
		select {
		case <-r.wake:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-r.wake:
		return true
	}
}

// buildStreamEvent assembles the emitted event, decoding the camera frame
// for camera-frame kinds. Runs without the lock; the frame reader's own
// mutex guards decoder state, and the returned buffer is an exclusive copy.
func (r *Replay) buildStreamEvent(ev *logs.Event, seg *segment.Segment, routeStart uint64) StreamEvent {
	out := StreamEvent{
		Kind:         ev.Kind,
		MonoTime:     ev.MonoTime,
		RouteSeconds: float64(ev.MonoTime-routeStart) / 1e9,
		Data:         ev.Data,
	}

	cam, ok := ev.Kind.Camera()
	if !ok || seg == nil {
		return out
	}
	idx, ok := ev.FrameIndex()
	if !ok {
		return out
	}

	fr := r.frameReader(seg, cam)
	if fr == nil {
		return out
	}
	buf := make([]byte, fr.YUVSize())
	if err := fr.Get(int(idx), buf); err != nil {
		if errors.Is(err, frame.ErrOutOfRange) {
			// Crash-cut videos end before the log does; emit without frame.
			r.logger.Debugf("Frame %d of %s past end of stream", idx, cam)
		} else {
			r.logger.Warnf("Failed to decode frame %d of %s: %v", idx, cam, err)
		}
		return out
	}
	out.Camera = cam
	out.Frame = buf
	out.Width = fr.Width()
	out.Height = fr.Height()
	return out
}

// frameReader picks the reader serving cam, substituting the low-res
// stream for road frames in qcamera-only mode.
func (r *Replay) frameReader(seg *segment.Segment, cam models.CameraType) *frame.Reader {
	if r.flags.Has(models.FlagQCamera) {
		if cam != models.RoadCam {
			return nil
		}
		return seg.Frame(models.QCam)
	}
	return seg.Frame(cam)
}

// upperBound returns the index of the first event strictly after t.
func upperBound(events []logs.Event, t uint64) int {
	return sort.Search(len(events), func(i int) bool { return events[i].MonoTime > t })
}
