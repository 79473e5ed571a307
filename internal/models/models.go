package models

// SegmentDuration is the fixed length of one route segment in seconds.
const SegmentDuration = 60

// CameraType identifies one of the recorded camera streams.
type CameraType int

const (
	RoadCam CameraType = iota
	DriverCam
	WideRoadCam
	QCam

	MaxCamera
)

// AllCameras lists every camera variant in a fixed iteration order.
var AllCameras = [MaxCamera]CameraType{RoadCam, DriverCam, WideRoadCam, QCam}

// String returns the short name used in logs and diagnostics.
func (c CameraType) String() string {
	switch c {
	case RoadCam:
		return "roadCam"
	case DriverCam:
		return "driverCam"
	case WideRoadCam:
		return "wideRoadCam"
	case QCam:
		return "qcam"
	}
	return "unknownCam"
}

// Flags select which streams a replay session loads and how artifacts are
// retrieved. They compose with bitwise OR.
type Flags uint32

const FlagNone Flags = 0

const (
	// FlagDCam makes the driver camera a mandatory stream.
	FlagDCam Flags = 1 << iota
	// FlagECam makes the wide road camera a mandatory stream.
	FlagECam
	// FlagQCamera replaces all full-resolution cameras with the low-res one.
	FlagQCamera
	// FlagNoFileCache bypasses the local download cache.
	FlagNoFileCache
	// FlagNoHTTP disables network access entirely; only local routes load.
	FlagNoHTTP
)

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Cameras returns the camera set selected by the flags, in fixed order.
func (f Flags) Cameras() []CameraType {
	if f.Has(FlagQCamera) {
		return []CameraType{QCam}
	}
	cams := []CameraType{RoadCam}
	if f.Has(FlagDCam) {
		cams = append(cams, DriverCam)
	}
	if f.Has(FlagECam) {
		cams = append(cams, WideRoadCam)
	}
	return cams
}

// SegmentFiles describes where one segment's artifacts live. Each locator is
// either an HTTP(S) URL or a local file path; empty means the artifact does
// not exist for this segment. Immutable once the route is resolved.
type SegmentFiles struct {
	Index   int
	Log     string
	Road    string
	Driver  string
	Wide    string
	QCamera string
}

// Camera returns the locator for the given camera variant.
func (s SegmentFiles) Camera(cam CameraType) string {
	switch cam {
	case RoadCam:
		return s.Road
	case DriverCam:
		return s.Driver
	case WideRoadCam:
		return s.Wide
	case QCam:
		return s.QCamera
	}
	return ""
}
