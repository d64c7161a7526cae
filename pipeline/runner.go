// Package pipeline runs per-camera ingestion and processing loops and exposes the query surface
// over shared state: cross-camera sightings, violation windows and persisted violations.
package pipeline

import (
	"context"
	"image"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/LdDl/ppe-watch/config"
	"github.com/LdDl/ppe-watch/inference"
	"github.com/LdDl/ppe-watch/mot"
	"github.com/LdDl/ppe-watch/queue"
	"github.com/LdDl/ppe-watch/registry"
	"github.com/LdDl/ppe-watch/reid"
	"github.com/LdDl/ppe-watch/source"
	"github.com/LdDl/ppe-watch/store"
	"github.com/LdDl/ppe-watch/stream"
	"github.com/LdDl/ppe-watch/violation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUnknownCamera is returned for camera identifiers absent in configuration
	ErrUnknownCamera = errors.New("unknown camera")
	// ErrStopTimeout is returned when camera loops did not exit in time
	ErrStopTimeout = errors.New("camera did not stop in time")
)

// Deps are collaborators of Runner. Embedder and Matcher are optional: without them everybody is Unknown
type Deps struct {
	Opener   source.Opener
	Detector inference.Detector
	Embedder inference.Embedder
	Matcher  *reid.Matcher
	Sink     store.Sink
	Querier  store.Querier
	// Now is a clock. Defaults to time.Now
	Now func() time.Time
}

// Runner owns cameras, shared registries and the persistence pool
type Runner struct {
	cfg  config.Config
	deps Deps
	now  func() time.Time

	registry  *registry.Registry
	confirmer *violation.Confirmer
	pool      *store.Pool

	mu          sync.Mutex
	cameras     map[int]*camera
	order       []int
	baseCtx     context.Context
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
	closed      bool
}

// New creates runner for every configured camera. Nothing is started yet
func New(cfg config.Config, deps Deps) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Opener == nil {
		return nil, errors.New("Source opener is required")
	}
	if deps.Detector == nil {
		return nil, errors.New("Detector is required")
	}
	if deps.Sink == nil {
		return nil, errors.New("Persistence sink is required")
	}
	if deps.Matcher == nil {
		deps.Matcher = reid.NewMatcher(nil, cfg.Identity.Threshold)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	r := &Runner{
		cfg:      cfg,
		deps:     deps,
		now:      now,
		registry: registry.New(),
		confirmer: violation.NewConfirmer(violation.Options{
			WindowSize:    cfg.Violation.WindowSize,
			Threshold:     cfg.Violation.Threshold,
			Cooldown:      cfg.Violation.Cooldown,
			CheckingRatio: cfg.Violation.CheckingRatio,
			StaleAfter:    cfg.Violation.StaleAfter,
		}),
		pool:    store.NewPool(deps.Sink, cfg.Store.QueueSize, cfg.Store.Workers),
		cameras: make(map[int]*camera, len(cfg.Cameras)),
		order:   make([]int, 0, len(cfg.Cameras)),
		baseCtx: context.Background(),
	}
	algorithm := mot.MatchingAlgorithmHungarian
	if strings.ToLower(cfg.Tracker.Algorithm) == "greedy" {
		algorithm = mot.MatchingAlgorithmGreedy
	}
	for _, camCfg := range cfg.Cameras {
		r.cameras[camCfg.ID] = newCamera(camCfg, cfg.Pipeline, mot.NewSortTracker(cfg.Tracker.MaxAge, cfg.Tracker.MinHits, cfg.Tracker.IoUThreshold, algorithm), now)
		r.order = append(r.order, camCfg.ID)
	}
	sort.Ints(r.order)
	return r, nil
}

// Start starts every camera and the sweeper. Cameras stop when ctx is done
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("Runner is closed")
	}
	r.baseCtx = ctx
	if r.sweepCancel == nil {
		sweepCtx, cancel := context.WithCancel(ctx)
		r.sweepCancel = cancel
		r.sweepDone = make(chan struct{})
		go r.sweep(sweepCtx, r.sweepDone)
	}
	ids := append([]int(nil), r.order...)
	r.mu.Unlock()
	for _, id := range ids {
		if err := r.StartCamera(id); err != nil {
			return err
		}
	}
	return nil
}

// StartCamera starts loops of a camera. Starting running camera is a no-op
func (r *Runner) StartCamera(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("Runner is closed")
	}
	cam, ok := r.cameras[id]
	if !ok {
		return errors.Wrapf(ErrUnknownCamera, "id %d", id)
	}
	if cam.running() {
		return nil
	}
	cam.start(r.baseCtx, r)
	log.Info().Int("camera_id", id).Str("source", cam.cfg.Source).Msg("Camera started")
	return nil
}

// StopCamera signals camera loops to exit and waits up to the stop timeout
func (r *Runner) StopCamera(id int) error {
	r.mu.Lock()
	cam, ok := r.cameras[id]
	r.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrUnknownCamera, "id %d", id)
	}
	if !cam.stop(r.cfg.Pipeline.StopTimeout) {
		log.Warn().Int("camera_id", id).Dur("timeout", r.cfg.Pipeline.StopTimeout).Msg("Camera did not stop in time")
		return errors.Wrapf(ErrStopTimeout, "id %d", id)
	}
	log.Info().Int("camera_id", id).Msg("Camera stopped")
	return nil
}

// StopAll stops every camera. Returns first error, all cameras are tried
func (r *Runner) StopAll() error {
	r.mu.Lock()
	ids := append([]int(nil), r.order...)
	r.mu.Unlock()
	var first error
	for _, id := range ids {
		if err := r.StopCamera(id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close stops cameras and the sweeper, then drains persistence queue
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	err := r.StopAll()

	r.mu.Lock()
	cancel, done := r.sweepCancel, r.sweepDone
	r.sweepCancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	r.pool.Close()
	stats := r.pool.Stats()
	log.Info().Uint64("saved", stats.Saved).Uint64("dropped", stats.Dropped).Uint64("failed", stats.Failed).Msg("Persistence drained")
	return err
}

// Cameras returns configured camera identifiers in ascending order
func (r *Runner) Cameras() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.order...)
}

// Frames returns processed frames queue of a camera
func (r *Runner) Frames(id int) (*queue.Queue[ProcessedFrame], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cam, ok := r.cameras[id]
	if !ok {
		return nil, false
	}
	return cam.processed, true
}

// Puller adapts processed frames queue of a camera to stream.Broadcaster
func (r *Runner) Puller(id int) (stream.PullFunc, bool) {
	frames, ok := r.Frames(id)
	if !ok {
		return nil, false
	}
	return func(ctx context.Context, timeout time.Duration) (image.Image, error) {
		pf, err := frames.Get(ctx, timeout)
		if err != nil {
			return nil, err
		}
		return pf.Image, nil
	}, true
}

// sweep periodically drops stale sightings and idle violation windows
func (r *Runner) sweep(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.Registry.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Runner) sweepOnce() {
	now := r.now()
	sightings := r.registry.Sweep(r.cfg.Registry.TTL, now)
	windows := r.confirmer.Prune(now)
	if sightings > 0 || windows > 0 {
		log.Debug().Int("sightings", sightings).Int("windows", windows).Msg("Swept stale state")
	}
}
