// Package route resolves a recorded route identifier into the ordered list
// of per-segment artifact locators, either by scanning a local data
// directory or by querying the remote route index.
package route

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"routereplay/internal/models"
)

// ErrNotFound marks a route identifier that cannot be resolved. Resolution
// failures are fatal to the whole route load and are never retried.
var ErrNotFound = errors.New("route: not found")

// Log file names probed in preference order; newer recordings use zstd.
var logFileNames = []string{"rlog.zst", "rlog.bz2", "rlog"}

// Camera container file names inside a segment directory.
const (
	roadCamFile   = "fcamera.hevc"
	driverCamFile = "dcamera.hevc"
	wideCamFile   = "ecamera.hevc"
	qCameraFile   = "qcamera.ts"
)

// Identifier is a parsed route identifier of the form
// "<dongle-id>|<date>--<time>", optionally suffixed with "--<n>" for a
// single segment or "/<begin>[:<end>]" for a half-open segment range.
type Identifier struct {
	DongleID string
	// Name is the timestamp part after the dongle id; local segment
	// directories are named "<Name>--<index>".
	Name string
	// Begin and End bound the requested segment range; End < 0 means open.
	Begin int
	End   int
}

// Canonical returns the bare "<dongle>|<name>" form without range suffixes.
func (id Identifier) Canonical() string {
	return id.DongleID + "|" + id.Name
}

// InRange reports whether segment index n falls in the requested range.
func (id Identifier) InRange(n int) bool {
	return n >= id.Begin && (id.End < 0 || n < id.End)
}

// ParseIdentifier parses a route identifier string.
func ParseIdentifier(routeID string) (Identifier, error) {
	id := Identifier{Begin: 0, End: -1}

	base := routeID
	if i := strings.IndexByte(base, '/'); i >= 0 {
		rng := base[i+1:]
		base = base[:i]
		begin, end, err := parseRange(rng)
		if err != nil {
			return Identifier{}, fmt.Errorf("invalid segment range %q in route %q: %w", rng, routeID, err)
		}
		id.Begin, id.End = begin, end
	}

	dongle, name, ok := strings.Cut(base, "|")
	if !ok || dongle == "" || name == "" {
		return Identifier{}, fmt.Errorf("invalid route identifier %q: want <dongle-id>|<date>--<time>", routeID)
	}

	// A trailing "--<n>" selects exactly one segment.
	parts := strings.Split(name, "--")
	if len(parts) == 3 {
		if n, err := strconv.Atoi(parts[2]); err == nil {
			name = parts[0] + "--" + parts[1]
			id.Begin, id.End = n, n+1
		}
	}

	id.DongleID = dongle
	id.Name = name
	return id, nil
}

func parseRange(s string) (int, int, error) {
	beginStr, endStr, hasEnd := strings.Cut(s, ":")
	begin, err := strconv.Atoi(beginStr)
	if err != nil || begin < 0 {
		return 0, 0, fmt.Errorf("bad begin %q", beginStr)
	}
	if !hasEnd {
		return begin, -1, nil
	}
	end, err := strconv.Atoi(endStr)
	if err != nil || end <= begin {
		return 0, 0, fmt.Errorf("bad end %q", endStr)
	}
	return begin, end, nil
}

// Route is a resolved recording: an identifier plus the immutable ordered
// segment descriptor list. Segment count and ordering are fixed at
// resolution time.
type Route struct {
	ID Identifier
	// DataDir is the local root the route was resolved from, empty for
	// remote routes.
	DataDir  string
	Segments []models.SegmentFiles
}

// MaxIndex returns the highest segment index, or -1 for an empty route.
func (r *Route) MaxIndex() int {
	if len(r.Segments) == 0 {
		return -1
	}
	return r.Segments[len(r.Segments)-1].Index
}

// At returns the descriptor for segment index n.
func (r *Route) At(n int) (models.SegmentFiles, bool) {
	for _, s := range r.Segments {
		if s.Index == n {
			return s, true
		}
	}
	return models.SegmentFiles{}, false
}
