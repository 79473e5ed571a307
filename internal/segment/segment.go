// Package segment owns the readers for one time-slice of a route: the event
// log plus the camera streams selected by the playback flags.
package segment

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"routereplay/internal/fetch"
	"routereplay/internal/frame"
	"routereplay/internal/logger"
	"routereplay/internal/logs"
	"routereplay/internal/metrics"
	"routereplay/internal/models"
)

// State is the segment lifecycle.
type State int32

const (
	Idle State = iota
	Loading
	Loaded
	Failed
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Segment holds one segment's descriptor, lifecycle state, and, once
// Loaded, its log reader and per-camera frame readers. Exactly one load
// attempt runs per Segment; repeated Load calls share its outcome.
type Segment struct {
	Number int

	files  models.SegmentFiles
	flags  models.Flags
	reader *fetch.FileReader
	logger logger.Logger
	stats  *metrics.Metrics

	once  sync.Once
	done  chan struct{}
	state atomic.Int32

	mu           sync.Mutex
	err          error
	failedStream string
	tempPaths    []string

	// Log and frames are written once before done closes and never
	// mutated after, so post-Done reads need no lock.
	Log    *logs.Reader
	frames [models.MaxCamera]*frame.Reader
}

// New creates an Idle segment for the given descriptor.
func New(number int, files models.SegmentFiles, flags models.Flags, reader *fetch.FileReader, log logger.Logger, stats *metrics.Metrics) *Segment {
	if log == nil {
		log = logger.Nop{}
	}
	return &Segment{
		Number: number,
		files:  files,
		flags:  flags,
		reader: reader,
		logger: log,
		stats:  stats,
		done:   make(chan struct{}),
	}
}

// Load starts fetching and decoding the segment's streams in the
// background. Idempotent: later calls are no-ops sharing the first
// attempt's outcome via Done.
func (s *Segment) Load(ctx context.Context) {
	s.once.Do(func() {
		s.state.Store(int32(Loading))
		go s.load(ctx)
	})
}

func (s *Segment) load(ctx context.Context) {
	defer close(s.done)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.loadLog(gctx); err != nil {
			s.recordFailure("rlog", err)
			return err
		}
		return nil
	})

	for _, cam := range s.flags.Cameras() {
		locator := s.files.Camera(cam)
		if locator == "" {
			// Local routes may lack individual camera files; an absent
			// stream is skipped, not failed.
			s.logger.Debugf("Segment %d has no %s stream", s.Number, cam)
			continue
		}
		cam := cam
		g.Go(func() error {
			if err := s.loadCamera(gctx, cam, locator); err != nil {
				s.recordFailure(cam.String(), err)
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.state.Store(int32(Failed))
		s.stats.IncSegmentsFailed()
		s.logger.Warnf("Segment %d failed to load: %v", s.Number, err)
		return
	}
	s.state.Store(int32(Loaded))
	s.stats.IncSegmentsLoaded()
	s.logger.Debugf("Segment %d loaded: %d events", s.Number, len(s.Log.Events))
}

func (s *Segment) loadLog(ctx context.Context) error {
	if s.files.Log == "" {
		return fmt.Errorf("segment %d has no log", s.Number)
	}
	data, err := s.reader.Read(ctx, s.files.Log)
	if err != nil {
		return fmt.Errorf("failed to fetch log of segment %d: %w", s.Number, err)
	}
	lr := logs.NewReader(s.logger)
	if err := lr.Load(data); err != nil {
		return fmt.Errorf("failed to decode log of segment %d: %w", s.Number, err)
	}
	s.Log = lr
	return nil
}

func (s *Segment) loadCamera(ctx context.Context, cam models.CameraType, locator string) error {
	path, err := s.reader.LocalPath(ctx, locator)
	if err != nil {
		return fmt.Errorf("failed to fetch %s of segment %d: %w", cam, s.Number, err)
	}
	if s.flags.Has(models.FlagNoFileCache) && fetch.IsRemote(locator) {
		s.mu.Lock()
		s.tempPaths = append(s.tempPaths, path)
		s.mu.Unlock()
	}
	fr, err := frame.New(s.logger, path)
	if err != nil {
		return fmt.Errorf("failed to open %s of segment %d: %w", cam, s.Number, err)
	}
	s.mu.Lock()
	s.frames[cam] = fr
	s.mu.Unlock()
	return nil
}

func (s *Segment) recordFailure(stream string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
		s.failedStream = stream
	}
}

// Done is closed when the load attempt finished, either way.
func (s *Segment) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Segment) State() State { return State(s.state.Load()) }

// Loaded reports whether every required stream decoded successfully.
func (s *Segment) Loaded() bool { return s.State() == Loaded }

// Err returns the first stream failure, or nil.
func (s *Segment) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// FailedStream names the stream whose failure marked the segment Failed.
func (s *Segment) FailedStream() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedStream
}

// Frame returns the frame reader for cam, or nil if the stream was not
// loaded.
func (s *Segment) Frame(cam models.CameraType) *frame.Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[cam]
}

// Close releases the segment's readers and any uncached temp downloads.
// Safe to call on a segment that never loaded.
func (s *Segment) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, fr := range s.frames {
		if fr != nil {
			fr.Close()
			s.frames[i] = nil
		}
	}
	for _, p := range s.tempPaths {
		os.Remove(p)
	}
	s.tempPaths = nil
	s.Log = nil
}
