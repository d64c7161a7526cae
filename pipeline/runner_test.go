package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/LdDl/ppe-watch/config"
	"github.com/LdDl/ppe-watch/ppe"
	"github.com/LdDl/ppe-watch/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stateOf(r *Runner, id int) State {
	for _, s := range r.Stats() {
		if s.ID == id {
			return s.State
		}
	}
	return ""
}

func TestRunnerEndToEnd(t *testing.T) {
	det := &fixedDetector{class: ppe.ClassNoHelmet}
	r, mem := newTestRunner(t, testConfig(config.CameraConfig{ID: 1, Source: "mem"}), det, fixedEmbedder{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))
	assert.Equal(t, StateRunning, stateOf(r, 1))

	require.Eventually(t, func() bool {
		recs, err := r.ConfirmedViolations(context.Background(), 0, 0)
		return err == nil && len(recs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	frames, ok := r.Frames(1)
	require.True(t, ok)
	pf, err := frames.Get(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, pf.Annotated)

	require.NoError(t, r.Close())
	assert.Equal(t, StateStopped, stateOf(r, 1))

	confirmed := confirmedRecords(mem.All())
	require.Len(t, confirmed, 1)
	assert.Equal(t, ppe.SeverityHigh, confirmed[0].Severity)
	assert.Equal(t, "without_helmet", confirmed[0].ClassName)

	stats := r.Stats()[0]
	assert.Greater(t, stats.FramesRead, uint64(9))
	assert.Greater(t, stats.FramesProcessed, uint64(9))
}

func TestRunnerHaltsUnavailableCameraOnly(t *testing.T) {
	det := &fixedDetector{class: ppe.ClassCompliant}
	cfg := testConfig(
		config.CameraConfig{ID: 1, Source: "mem"},
		config.CameraConfig{ID: 2, Source: "/missing.mp4", Fallback: "9"},
		config.CameraConfig{ID: 3, Source: "/missing.mp4", Fallback: "mem"},
	)
	r, _ := newTestRunner(t, cfg, det, fixedEmbedder{}, nil)
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool { return stateOf(r, 2) == StateHalted }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		stats := r.Stats()
		return stats[0].FramesProcessed > 0 && stats[2].FramesProcessed > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, stateOf(r, 1))
	assert.Equal(t, "mem", r.Stats()[2].Source)

	require.NoError(t, r.Close())
	assert.Equal(t, StateHalted, stateOf(r, 2))
}

func TestRunnerStartStopCamera(t *testing.T) {
	det := &fixedDetector{class: ppe.ClassCompliant}
	r, _ := newTestRunner(t, testConfig(config.CameraConfig{ID: 4, Source: "mem"}), det, fixedEmbedder{}, nil)
	defer r.Close()

	assert.Equal(t, StateIdle, stateOf(r, 4))
	assert.ErrorIs(t, r.StartCamera(99), ErrUnknownCamera)
	assert.ErrorIs(t, r.StopCamera(99), ErrUnknownCamera)
	_, ok := r.Frames(99)
	assert.False(t, ok)

	require.NoError(t, r.StartCamera(4))
	require.NoError(t, r.StartCamera(4))
	require.Eventually(t, func() bool { return r.Stats()[0].FramesProcessed > 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.StopCamera(4))
	assert.Equal(t, StateStopped, stateOf(r, 4))

	processed := r.Stats()[0].FramesProcessed
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, processed, r.Stats()[0].FramesProcessed)

	// Restart after stop
	require.NoError(t, r.StartCamera(4))
	assert.Equal(t, StateRunning, stateOf(r, 4))
	require.NoError(t, r.StopAll())
	assert.Equal(t, []int{4}, r.Cameras())
}

func TestRunnerPuller(t *testing.T) {
	det := &fixedDetector{class: ppe.ClassCompliant}
	r, _ := newTestRunner(t, testConfig(config.CameraConfig{ID: 1, Source: "mem"}), det, fixedEmbedder{}, nil)
	defer r.Close()
	pull, ok := r.Puller(1)
	require.True(t, ok)
	_, err := pull(context.Background(), 10*time.Millisecond)
	assert.Error(t, err)

	require.NoError(t, r.Start(context.Background()))
	img, err := pull(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 200, img.Bounds().Dx())
}

func TestRunnerSweep(t *testing.T) {
	clock := &manualClock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	det := &fixedDetector{class: ppe.ClassNoVest}
	r, _ := newTestRunner(t, testConfig(config.CameraConfig{ID: 1, Source: "mem"}), det, fixedEmbedder{}, clock)
	defer r.Close()
	r.processFrame(context.Background(), r.cameras[1], Frame{CameraID: 1, Image: grayFrame()})
	assert.Equal(t, 1, r.registry.Len())
	assert.Equal(t, 1, r.confirmer.Len())

	clock.Advance(11 * time.Second)
	r.sweepOnce()
	assert.Equal(t, 0, r.registry.Len())
	assert.Equal(t, 1, r.confirmer.Len())

	clock.Advance(20 * time.Second)
	r.sweepOnce()
	assert.Equal(t, 0, r.confirmer.Len())
}

func TestNewValidatesDeps(t *testing.T) {
	cfg := testConfig(config.CameraConfig{ID: 1, Source: "mem"})
	_, err := New(cfg, Deps{Detector: &fixedDetector{}, Sink: store.NewMemoryStore()})
	assert.Error(t, err)
	_, err = New(cfg, Deps{Opener: memOpener, Sink: store.NewMemoryStore()})
	assert.Error(t, err)
	_, err = New(cfg, Deps{Opener: memOpener, Detector: &fixedDetector{}})
	assert.Error(t, err)
	cfg.Violation.WindowSize = 0
	_, err = New(cfg, Deps{Opener: memOpener, Detector: &fixedDetector{}, Sink: store.NewMemoryStore()})
	assert.Error(t, err)
}

func TestRunnerStampsFramesWithInjectedClock(t *testing.T) {
	clock := &manualClock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	det := &fixedDetector{class: ppe.ClassCompliant}
	r, _ := newTestRunner(t, testConfig(config.CameraConfig{ID: 1, Source: "mem"}), det, fixedEmbedder{}, clock)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	frames, ok := r.Frames(1)
	require.True(t, ok)
	pf, err := frames.Get(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	assert.Equal(t, clock.Now(), pf.CapturedAt)
	sightings := r.RecentSightings()
	require.Contains(t, sightings, "alice_1_1")
	assert.Equal(t, pf.CapturedAt, sightings["alice_1_1"].Timestamp)
}
