package logs

import (
	"encoding/binary"

	"routereplay/internal/models"
)

// EventKind is the discriminant of a recorded event.
type EventKind uint16

const (
	KindInitData EventKind = iota + 1
	KindRoadCameraFrame
	KindDriverCameraFrame
	KindWideRoadCameraFrame
	KindCarState
	KindControlsState
	KindModelOutput
	KindGPSLocation
	KindThumbnail
)

// String returns the event kind name used in logs.
func (k EventKind) String() string {
	switch k {
	case KindInitData:
		return "initData"
	case KindRoadCameraFrame:
		return "roadCameraFrame"
	case KindDriverCameraFrame:
		return "driverCameraFrame"
	case KindWideRoadCameraFrame:
		return "wideRoadCameraFrame"
	case KindCarState:
		return "carState"
	case KindControlsState:
		return "controlsState"
	case KindModelOutput:
		return "modelOutput"
	case KindGPSLocation:
		return "gpsLocation"
	case KindThumbnail:
		return "thumbnail"
	}
	return "unknown"
}

// Camera maps camera-frame event kinds to their camera stream. The second
// return is false for non-camera kinds.
func (k EventKind) Camera() (models.CameraType, bool) {
	switch k {
	case KindRoadCameraFrame:
		return models.RoadCam, true
	case KindDriverCameraFrame:
		return models.DriverCam, true
	case KindWideRoadCameraFrame:
		return models.WideRoadCam, true
	}
	return 0, false
}

// Event is one decoded log record. Immutable once produced; Data is the raw
// payload and round-trips byte-for-byte through EncodeEvents.
type Event struct {
	Kind EventKind
	// MonoTime is the recording-relative monotonic timestamp in nanoseconds.
	MonoTime uint64
	Data     []byte
}

// FrameIndex extracts the zero-based segment frame index carried by
// camera-frame events. The second return is false for other kinds or for a
// payload too short to hold the index.
func (e *Event) FrameIndex() (uint32, bool) {
	if _, ok := e.Kind.Camera(); !ok || len(e.Data) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(e.Data[:4]), true
}

// LessThan orders events by monotonic timestamp. Equal timestamps compare
// false both ways, so stable sorts preserve original file order.
func (e *Event) LessThan(other *Event) bool {
	return e.MonoTime < other.MonoTime
}

// IsSorted reports whether events are in non-decreasing timestamp order.
func IsSorted(events []Event) bool {
	for i := 1; i < len(events); i++ {
		if events[i].MonoTime < events[i-1].MonoTime {
			return false
		}
	}
	return true
}
