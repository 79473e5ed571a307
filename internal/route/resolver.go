package route

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"routereplay/internal/fetch"
	"routereplay/internal/logger"
	"routereplay/internal/models"
)

// Resolver builds Routes from local directories or the remote route index.
type Resolver struct {
	apiBaseURL string
	fetcher    *fetch.Fetcher
	logger     logger.Logger
	// AllowNetwork false fails remote resolution fast (local-only mode).
	AllowNetwork bool
}

// NewResolver creates a resolver against the given route index endpoint.
func NewResolver(apiBaseURL string, f *fetch.Fetcher, log logger.Logger) *Resolver {
	if log == nil {
		log = logger.Nop{}
	}
	return &Resolver{
		apiBaseURL:   strings.TrimRight(apiBaseURL, "/"),
		fetcher:      f,
		logger:       log,
		AllowNetwork: true,
	}
}

// Resolve turns a route identifier into a Route. With a non-empty dataDir
// the segment descriptors come from the expected on-disk layout; otherwise
// the remote route index is consulted. An unknown route or an empty segment
// list is a resolution failure.
func (rs *Resolver) Resolve(ctx context.Context, routeID, dataDir string) (*Route, error) {
	id, err := ParseIdentifier(routeID)
	if err != nil {
		return nil, err
	}

	var segments []models.SegmentFiles
	if dataDir != "" {
		segments, err = rs.scanLocal(id, dataDir)
	} else {
		if !rs.AllowNetwork {
			return nil, fmt.Errorf("route %s: %w: network disabled and no local data dir given", id.Canonical(), ErrNotFound)
		}
		segments, err = rs.lookupRemote(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	filtered := segments[:0]
	for _, s := range segments {
		if id.InRange(s.Index) {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 0 {
		return nil, fmt.Errorf("route %s has no segments in the requested range: %w", id.Canonical(), ErrNotFound)
	}

	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Index < filtered[j].Index })
	rs.logger.Infof("Resolved route %s: %d segments (%d..%d)",
		id.Canonical(), len(filtered), filtered[0].Index, filtered[len(filtered)-1].Index)
	return &Route{ID: id, DataDir: dataDir, Segments: filtered}, nil
}

// scanLocal walks dataDir for "<name>--<n>" segment directories and probes
// the fixed artifact file names. Missing files leave descriptor fields
// empty.
func (rs *Resolver) scanLocal(id Identifier, dataDir string) ([]models.SegmentFiles, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan data dir %s: %w", dataDir, err)
	}

	prefix := id.Name + "--"
	var segments []models.SegmentFiles
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		n, err := strconv.Atoi(e.Name()[len(prefix):])
		if err != nil || n < 0 {
			continue
		}

		dir := filepath.Join(dataDir, e.Name())
		seg := models.SegmentFiles{
			Index:   n,
			Log:     firstExisting(dir, logFileNames...),
			Road:    firstExisting(dir, roadCamFile),
			Driver:  firstExisting(dir, driverCamFile),
			Wide:    firstExisting(dir, wideCamFile),
			QCamera: firstExisting(dir, qCameraFile),
		}
		segments = append(segments, seg)
	}

	if len(segments) == 0 {
		return nil, fmt.Errorf("route %s not found under %s: %w", id.Canonical(), dataDir, ErrNotFound)
	}
	return segments, nil
}

func firstExisting(dir string, names ...string) string {
	for _, name := range names {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// routeFiles is the remote index response: per-artifact URL lists covering
// the whole route.
type routeFiles struct {
	Logs     []string `json:"logs"`
	Cameras  []string `json:"cameras"`
	DCameras []string `json:"dcameras"`
	ECameras []string `json:"ecameras"`
	QCameras []string `json:"qcameras"`
}

// lookupRemote queries the route index and groups the returned URLs by the
// segment index embedded in each URL path.
func (rs *Resolver) lookupRemote(ctx context.Context, id Identifier) ([]models.SegmentFiles, error) {
	endpoint := fmt.Sprintf("%s/v1/route/%s/files", rs.apiBaseURL, url.PathEscape(id.Canonical()))
	data, err := rs.fetcher.Get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("route index lookup for %s failed: %w (%w)", id.Canonical(), err, ErrNotFound)
	}

	var files routeFiles
	if err := json.Unmarshal(data, &files); err != nil {
		return nil, fmt.Errorf("failed to decode route index response for %s: %w", id.Canonical(), err)
	}

	bySegment := map[int]*models.SegmentFiles{}
	segment := func(n int) *models.SegmentFiles {
		if s, ok := bySegment[n]; ok {
			return s
		}
		s := &models.SegmentFiles{Index: n}
		bySegment[n] = s
		return s
	}

	assign := func(urls []string, set func(*models.SegmentFiles, string)) {
		for _, u := range urls {
			n, err := segmentIndexFromURL(u)
			if err != nil {
				rs.logger.Warnf("Skipping route file with unparsable segment index: %s: %v", u, err)
				continue
			}
			set(segment(n), u)
		}
	}
	assign(files.Logs, func(s *models.SegmentFiles, u string) { s.Log = u })
	assign(files.Cameras, func(s *models.SegmentFiles, u string) { s.Road = u })
	assign(files.DCameras, func(s *models.SegmentFiles, u string) { s.Driver = u })
	assign(files.ECameras, func(s *models.SegmentFiles, u string) { s.Wide = u })
	assign(files.QCameras, func(s *models.SegmentFiles, u string) { s.QCamera = u })

	if len(bySegment) == 0 {
		return nil, fmt.Errorf("route index for %s returned no files: %w", id.Canonical(), ErrNotFound)
	}

	segments := make([]models.SegmentFiles, 0, len(bySegment))
	for _, s := range bySegment {
		segments = append(segments, *s)
	}
	return segments, nil
}

// segmentIndexFromURL extracts the segment number from an artifact URL of
// the form ".../<route>/<segment>/<file>".
func segmentIndexFromURL(artifact string) (int, error) {
	u, err := url.Parse(artifact)
	if err != nil {
		return 0, err
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return 0, fmt.Errorf("path %q too short", u.Path)
	}
	n, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad segment component %q", parts[len(parts)-2])
	}
	return n, nil
}
