package api

import (
	"context"
	"encoding/json"
	"image"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/LdDl/ppe-watch/mot"
	"github.com/LdDl/ppe-watch/pipeline"
	"github.com/LdDl/ppe-watch/ppe"
	"github.com/LdDl/ppe-watch/registry"
	"github.com/LdDl/ppe-watch/store"
	"github.com/LdDl/ppe-watch/stream"
	"github.com/LdDl/ppe-watch/violation"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type fakeBackend struct {
	stopped   bool
	stopErr   error
	queryErr  error
	lastLimit int
	lastOff   int
}

func (f *fakeBackend) RecentSightings() map[string]registry.Sighting {
	return map[string]registry.Sighting{
		"alice_1_2":   {Key: "alice_1_2", Timestamp: t0, CameraID: 1, TrackID: 2, Name: "alice", Similarity: 0.8, BBox: mot.NewRect(10, 20, 30, 40)},
		"Unknown_2_1": {Key: "Unknown_2_1", Timestamp: t0, CameraID: 2, TrackID: 1, Name: "Unknown"},
	}
}

func (f *fakeBackend) ViolationStatus() []violation.WindowStatus {
	return []violation.WindowStatus{
		{Key: violation.Key{CameraID: 1, TrackID: 2}, PersonName: "alice", Ratio: 1, Filled: 10, Confirmed: true, LastConfirmed: t0},
		{Key: violation.Key{CameraID: 2, TrackID: 1}, PersonName: "Unknown", Ratio: 0.5, Filled: 4},
	}
}

func (f *fakeBackend) ConfirmedViolations(ctx context.Context, limit, offset int) ([]store.Record, error) {
	f.lastLimit, f.lastOff = limit, offset
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return []store.Record{store.NewRecord(t0, 1, 2, "alice", ppe.ClassNoHelmet, 0.8, true)}, nil
}

func (f *fakeBackend) StopAll() error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = true
	return nil
}

func (f *fakeBackend) Stats() []pipeline.CameraStats {
	return []pipeline.CameraStats{{ID: 1, State: pipeline.StateRunning}}
}

type envelope struct {
	Status     string            `json:"status"`
	Message    string            `json:"message"`
	Error      string            `json:"error"`
	Detections []sightingJSON    `json:"detections"`
	Violations json.RawMessage   `json:"violations"`
	Cameras    []json.RawMessage `json:"cameras"`
	Stream     json.RawMessage   `json:"stream"`
}

func do(t *testing.T, s *Server, method, target string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	env := envelope{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec, env
}

func TestCrossCameraDetections(t *testing.T) {
	s := NewServer(&fakeBackend{}, nil, false)
	rec, env := do(t, s, http.MethodGet, "/cross_camera_detections")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", env.Status)
	require.Len(t, env.Detections, 2)
	assert.Equal(t, "Unknown_2_1", env.Detections[0].Key)
	assert.Equal(t, "alice_1_2", env.Detections[1].Key)
	assert.Equal(t, [4]float64{10, 20, 40, 60}, env.Detections[1].BBox)
	assert.Equal(t, "2024-05-01 08:00:00", env.Detections[1].Timestamp)
}

func TestViolationStatus(t *testing.T) {
	s := NewServer(&fakeBackend{}, nil, false)
	_, env := do(t, s, http.MethodGet, "/violations/status")
	windows := []windowJSON{}
	require.NoError(t, json.Unmarshal(env.Violations, &windows))
	require.Len(t, windows, 2)
	assert.Equal(t, "2024-05-01 08:00:00", windows[0].LastConfirmed)
	assert.Empty(t, windows[1].LastConfirmed)
	assert.Equal(t, 0.5, windows[1].Ratio)
}

func TestRecentViolations(t *testing.T) {
	backend := &fakeBackend{}
	s := NewServer(backend, nil, false)
	_, env := do(t, s, http.MethodGet, "/violations/recent?limit=5&offset=2")
	assert.Equal(t, "success", env.Status)
	assert.Equal(t, 5, backend.lastLimit)
	assert.Equal(t, 2, backend.lastOff)
	records := []store.Record{}
	require.NoError(t, json.Unmarshal(env.Violations, &records))
	require.Len(t, records, 1)
	assert.Equal(t, ppe.SeverityHigh, records[0].Severity)

	_, _ = do(t, s, http.MethodGet, "/violations/recent")
	assert.Equal(t, store.DefaultLimit, backend.lastLimit)

	rec, env := do(t, s, http.MethodGet, "/violations/recent?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "error", env.Status)
	assert.NotEmpty(t, env.Error)
	assert.JSONEq(t, `[]`, string(env.Violations))

	backend.queryErr = errors.New("database is locked")
	rec, env = do(t, s, http.MethodGet, "/violations/recent")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "database is locked", env.Error)
	assert.JSONEq(t, `[]`, string(env.Violations))
}

func TestStopProcessing(t *testing.T) {
	backend := &fakeBackend{}
	s := NewServer(backend, nil, false)
	rec, env := do(t, s, http.MethodPost, "/stop_processing")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, backend.stopped)
	assert.Len(t, env.Cameras, 1)

	backend.stopErr = errors.New("camera 2 did not stop in time")
	rec, env = do(t, s, http.MethodPost, "/stop_processing")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "error", env.Status)
	assert.Equal(t, "camera 2 did not stop in time", env.Error)
	require.NotNil(t, env.Cameras)
	assert.Empty(t, env.Cameras)
}

func TestVideoFeedUnknownCamera(t *testing.T) {
	s := NewServer(&fakeBackend{}, nil, false)
	rec, env := do(t, s, http.MethodGet, "/video_feed/5")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "error", env.Status)
	assert.JSONEq(t, `{}`, string(env.Stream))
	rec, env = do(t, s, http.MethodGet, "/video_feed/abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, env.Error)
	assert.JSONEq(t, `{}`, string(env.Stream))
	rec, env = do(t, s, http.MethodGet, "/mjpeg/5")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{}`, string(env.Stream))
}

func TestVideoFeedStreamsFrames(t *testing.T) {
	pull := func(ctx context.Context, timeout time.Duration) (image.Image, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
			return image.NewRGBA(image.Rect(0, 0, 64, 48)), nil
		}
	}
	b, err := stream.NewBroadcaster(pull, stream.DefaultQuality, 50*time.Millisecond)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	s := NewServer(&fakeBackend{}, map[int]*stream.Broadcaster{1: b}, false)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer reqCancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, srv.URL+"/video_feed/1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/x-mixed-replace", mediaType)
	reader := multipart.NewReader(resp.Body, params["boundary"])
	part, err := reader.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
	reqCancel()

	assert.Eventually(t, func() bool { return b.Viewers() == 1 }, time.Second, 5*time.Millisecond)
}
