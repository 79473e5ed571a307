package replay

import (
	"routereplay/internal/logs"
	"routereplay/internal/models"
)

// StreamEvent is one emitted timeline entry: the decoded log event plus, for
// camera-frame kinds, the decoded frame belonging to it. The Frame buffer is
// an exclusive copy owned by the consumer.
type StreamEvent struct {
	Kind     logs.EventKind
	MonoTime uint64
	// RouteSeconds is the event time relative to the route start.
	RouteSeconds float64
	// Data is the raw event payload, byte-for-byte as recorded.
	Data []byte

	// Camera and Frame are set for camera-frame events whose stream was
	// loaded; Width and Height describe the planar 4:2:0 frame layout.
	Camera models.CameraType
	Frame  []byte
	Width  int
	Height int
}

// EventSink receives emitted events in non-decreasing timestamp order.
// Called from the playback goroutine; a slow sink delays playback.
type EventSink func(StreamEvent)
