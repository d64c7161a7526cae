package pipeline

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/LdDl/ppe-watch/config"
	"github.com/LdDl/ppe-watch/mot"
	"github.com/LdDl/ppe-watch/ppe"
	"github.com/LdDl/ppe-watch/reid"
	"github.com/LdDl/ppe-watch/store"
	"github.com/LdDl/ppe-watch/violation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T, cfg config.Config, det *fixedDetector, emb fixedEmbedder, clock *manualClock) (*Runner, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	deps := Deps{
		Opener:   memOpener,
		Detector: det,
		Embedder: emb,
		Matcher:  reid.NewMatcher(reid.Gallery{{Name: "alice", Embeddings: [][]float64{{1, 0, 0}}}}, 0.5),
		Sink:     mem,
		Querier:  mem,
	}
	if clock != nil {
		deps.Now = clock.Now
	}
	r, err := New(cfg, deps)
	require.NoError(t, err)
	return r, mem
}

func confirmedRecords(recs []store.Record) []store.Record {
	out := make([]store.Record, 0)
	for _, rec := range recs {
		if rec.Confirmed {
			out = append(out, rec)
		}
	}
	return out
}

func TestProcessFrameConfirmsOnce(t *testing.T) {
	clock := &manualClock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	det := &fixedDetector{class: ppe.ClassNoHelmet}
	cfg := testConfig(config.CameraConfig{ID: 1, Source: "mem"})
	r, mem := newTestRunner(t, cfg, det, fixedEmbedder{}, clock)
	cam := r.cameras[1]
	ctx := context.Background()

	var last ProcessedFrame
	for i := 0; i < 15; i++ {
		last = r.processFrame(ctx, cam, Frame{CameraID: 1, Seq: uint64(i + 1), Image: grayFrame()})
		clock.Advance(100 * time.Millisecond)
	}
	require.NoError(t, r.Close())

	assert.True(t, last.Annotated)
	require.Len(t, last.Tracks, 1)
	assert.Equal(t, 1, last.Tracks[0].TrackID)
	assert.Equal(t, "alice", last.Tracks[0].Name)
	assert.Equal(t, ppe.ClassNoHelmet, last.Tracks[0].Class)
	// Confirmed violator inside cooldown is drawn as violating, not checking
	assert.False(t, last.Tracks[0].Checking)
	assert.Equal(t, colorViolate, trackColor(last.Tracks[0]))

	// Violations are never persisted before confirmation
	all := mem.All()
	require.Len(t, all, 1)
	rec := all[0]
	assert.True(t, rec.Confirmed)
	assert.Equal(t, ppe.SeverityHigh, rec.Severity)
	assert.Equal(t, "alice", rec.PersonName)
	assert.Equal(t, 1, rec.CameraID)
	assert.Equal(t, 1, rec.PersonID)
	assert.Equal(t, "Missing Helmet", rec.ViolationType)
	assert.Equal(t, "2024-05-01 08:00:00", rec.Timestamp)

	status := r.ViolationStatus()
	require.Len(t, status, 1)
	assert.Equal(t, violation.Key{CameraID: 1, TrackID: 1}, status[0].Key)
	assert.True(t, status[0].Confirmed)

	sightings := r.RecentSightings()
	require.Contains(t, sightings, "alice_1_1")
	assert.Greater(t, sightings["alice_1_1"].Similarity, 0.9)
}

func TestProcessFrameCooldown(t *testing.T) {
	clock := &manualClock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	det := &fixedDetector{class: ppe.ClassNoVest}
	r, mem := newTestRunner(t, testConfig(config.CameraConfig{ID: 2, Source: "mem"}), det, fixedEmbedder{}, clock)
	cam := r.cameras[2]
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		r.processFrame(ctx, cam, Frame{CameraID: 2, Image: grayFrame()})
		clock.Advance(time.Second)
	}
	// Within cooldown
	for i := 0; i < 5; i++ {
		r.processFrame(ctx, cam, Frame{CameraID: 2, Image: grayFrame()})
		clock.Advance(time.Second)
	}
	clock.Advance(30 * time.Second)
	r.processFrame(ctx, cam, Frame{CameraID: 2, Image: grayFrame()})
	require.NoError(t, r.Close())

	confirmed := confirmedRecords(mem.All())
	require.Len(t, confirmed, 2)
	for _, rec := range confirmed {
		assert.Equal(t, ppe.SeverityMedium, rec.Severity)
	}
}

func TestProcessFramePersistsSafeObservations(t *testing.T) {
	det := &fixedDetector{class: ppe.ClassCompliant}
	r, mem := newTestRunner(t, testConfig(config.CameraConfig{ID: 1, Source: "mem"}), det, fixedEmbedder{}, nil)
	cam := r.cameras[1]
	for i := 0; i < 3; i++ {
		pf := r.processFrame(context.Background(), cam, Frame{CameraID: 1, Image: grayFrame()})
		require.Len(t, pf.Tracks, 1)
		assert.False(t, pf.Tracks[0].Checking)
	}
	require.NoError(t, r.Close())
	all := mem.All()
	require.Len(t, all, 3)
	for _, rec := range all {
		assert.False(t, rec.Confirmed)
		assert.False(t, rec.IsViolation)
		assert.Equal(t, ppe.SeverityNone, rec.Severity)
	}
}

func TestProcessFrameInferenceFailure(t *testing.T) {
	det := &fixedDetector{class: ppe.ClassNoHelmet, fail: true}
	r, mem := newTestRunner(t, testConfig(config.CameraConfig{ID: 1, Source: "mem"}), det, fixedEmbedder{}, nil)
	cam := r.cameras[1]
	frame := Frame{CameraID: 1, Seq: 7, Image: grayFrame()}
	pf := r.processFrame(context.Background(), cam, frame)
	assert.False(t, pf.Annotated)
	assert.Equal(t, uint64(7), pf.Seq)
	assert.Same(t, frame.Image.(*image.RGBA), pf.Image.(*image.RGBA))
	assert.Equal(t, uint64(1), cam.stats().InferenceErrors)

	det.fail = false
	r.deps.Embedder = fixedEmbedder{fail: true}
	pf = r.processFrame(context.Background(), cam, frame)
	assert.False(t, pf.Annotated)
	assert.Equal(t, uint64(2), cam.stats().InferenceErrors)
	assert.Equal(t, 0, r.registry.Len())

	require.NoError(t, r.Close())
	assert.Equal(t, 0, mem.Len())
}

func TestProcessFrameWithoutEmbedder(t *testing.T) {
	det := &fixedDetector{class: ppe.ClassCompliant}
	mem := store.NewMemoryStore()
	r, err := New(testConfig(config.CameraConfig{ID: 1, Source: "mem"}), Deps{Opener: memOpener, Detector: det, Sink: mem})
	require.NoError(t, err)
	pf := r.processFrame(context.Background(), r.cameras[1], Frame{CameraID: 1, Image: grayFrame()})
	require.Len(t, pf.Tracks, 1)
	assert.Equal(t, reid.Unknown, pf.Tracks[0].Name)
	assert.Contains(t, r.RecentSightings(), "Unknown_1_1")
	require.NoError(t, r.Close())

	_, err = r.ConfirmedViolations(context.Background(), 10, 0)
	assert.Error(t, err)
}

func TestCropImage(t *testing.T) {
	img := grayFrame()
	crop, err := cropImage(img, mot.NewRect(190, 150, 50, 50))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(190, 150, 200, 160), crop.Bounds())

	_, err = cropImage(img, mot.NewRect(300, 300, 10, 10))
	assert.ErrorIs(t, err, errEmptyCrop)
}

func TestAnnotateColors(t *testing.T) {
	canvas := toRGBA(grayFrame())
	annotate(canvas, TrackInfo{TrackID: 3, BBox: mot.NewRect(40, 60, 50, 80), Class: ppe.ClassNoHelmet, Name: "bob"})
	assert.Equal(t, colorViolate, canvas.RGBAAt(40, 100))
	annotate(canvas, TrackInfo{TrackID: 4, BBox: mot.NewRect(120, 60, 50, 80), Class: ppe.ClassCompliant, Name: "bob"})
	assert.Equal(t, colorSafe, canvas.RGBAAt(120, 100))
	annotate(canvas, TrackInfo{TrackID: 5, BBox: mot.NewRect(100, 140, 20, 10), Class: ppe.ClassNoVest, Checking: true})
	assert.Equal(t, colorChecking, canvas.RGBAAt(100, 145))
	assert.Equal(t, "ID: 3 (bob, without_helmet)", trackLabel(TrackInfo{TrackID: 3, Name: "bob", Class: ppe.ClassNoHelmet}))
}
