package pipeline

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LdDl/ppe-watch/config"
	"github.com/LdDl/ppe-watch/mot"
	"github.com/LdDl/ppe-watch/queue"
	"github.com/LdDl/ppe-watch/source"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// State of a camera
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateHalted  State = "halted"
	StateStopped State = "stopped"
)

// Frame is a captured frame. Ownership moves with the queue slot
type Frame struct {
	CameraID   int
	Seq        uint64
	Image      image.Image
	CapturedAt time.Time
}

// CameraStats is a snapshot of camera counters
type CameraStats struct {
	ID              int    `json:"camera_id"`
	Name            string `json:"name"`
	Source          string `json:"source"`
	State           State  `json:"state"`
	FramesRead      uint64 `json:"frames_read"`
	FramesProcessed uint64 `json:"frames_processed"`
	RawDrops        uint64 `json:"raw_drops"`
	ProcessedDrops  uint64 `json:"processed_drops"`
	InferenceErrors uint64 `json:"inference_errors"`
}

type camera struct {
	cfg       config.CameraConfig
	pipeCfg   config.PipelineConfig
	raw       *queue.Queue[Frame]
	processed *queue.Queue[ProcessedFrame]
	// tracker is touched by processing loop only
	tracker *mot.SortTracker
	now     func() time.Time

	mu      sync.Mutex
	state   State
	usedRef string
	cancel  context.CancelFunc
	done    chan struct{}

	seq             uint64
	framesRead      uint64
	framesProcessed uint64
	inferenceErrors uint64
}

func newCamera(cfg config.CameraConfig, pipeCfg config.PipelineConfig, tracker *mot.SortTracker, now func() time.Time) *camera {
	return &camera{
		cfg:       cfg,
		pipeCfg:   pipeCfg,
		raw:       queue.New[Frame](pipeCfg.RawQueue),
		processed: queue.New[ProcessedFrame](pipeCfg.ProcessedQueue),
		tracker:   tracker,
		now:       now,
		state:     StateIdle,
	}
}

func (c *camera) running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *camera) start(parent context.Context, r *Runner) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.state = StateRunning
	c.mu.Unlock()
	// Previous run could leave stale frames and tracks
	c.raw.Drain()
	c.tracker.Reset()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.ingest(ctx, cancel, r.deps.Opener)
	}()
	go func() {
		defer wg.Done()
		c.process(ctx, r)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()
}

// stop cancels loops and waits for them. Returns false on timeout
func (c *camera) stop(timeout time.Duration) bool {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return true
	}
	cancel()
	select {
	case <-done:
	case <-time.After(timeout):
		return false
	}
	c.mu.Lock()
	if c.state != StateHalted {
		c.state = StateStopped
	}
	c.mu.Unlock()
	return true
}

func (c *camera) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *camera) stats() CameraStats {
	c.mu.Lock()
	state, used := c.state, c.usedRef
	c.mu.Unlock()
	if used == "" {
		used = c.cfg.Source
	}
	return CameraStats{
		ID:              c.cfg.ID,
		Name:            c.cfg.Name,
		Source:          used,
		State:           state,
		FramesRead:      atomic.LoadUint64(&c.framesRead),
		FramesProcessed: atomic.LoadUint64(&c.framesProcessed),
		RawDrops:        c.raw.Stats().Drops,
		ProcessedDrops:  c.processed.Stats().Drops,
		InferenceErrors: atomic.LoadUint64(&c.inferenceErrors),
	}
}

func (c *camera) open(opener source.Opener) (source.Source, error) {
	src, used, err := source.OpenWithFallback(opener, c.cfg.Source, c.cfg.Fallback)
	if err != nil {
		return nil, err
	}
	if used != c.cfg.Source {
		log.Warn().Int("camera_id", c.cfg.ID).Str("source", c.cfg.Source).Str("fallback", used).Msg("Primary source unavailable, using fallback")
	}
	c.mu.Lock()
	c.usedRef = used
	c.mu.Unlock()
	return src, nil
}

// ingest reads frames at a fixed pace and never blocks on downstream: full raw queue evicts the oldest frame.
// Unavailable source halts this camera only.
func (c *camera) ingest(ctx context.Context, halt context.CancelFunc, opener source.Opener) {
	src, err := c.open(opener)
	if err != nil {
		log.Error().Err(err).Int("camera_id", c.cfg.ID).Msg("Camera halted")
		c.setState(StateHalted)
		halt()
		return
	}
	defer func() {
		src.Close()
	}()

	ticker := time.NewTicker(c.pipeCfg.FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		img, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, source.ErrEndOfStream) {
				log.Debug().Err(err).Int("camera_id", c.cfg.ID).Msg("Can't read frame")
				continue
			}
			if rewindErr := src.Rewind(); rewindErr == nil {
				continue
			}
			src.Close()
			src, err = c.open(opener)
			if err != nil {
				log.Error().Err(err).Int("camera_id", c.cfg.ID).Msg("Can't reopen source, camera halted")
				c.setState(StateHalted)
				src = nopSource{}
				halt()
				return
			}
			continue
		}
		atomic.AddUint64(&c.framesRead, 1)
		c.raw.Put(Frame{
			CameraID:   c.cfg.ID,
			Seq:        atomic.AddUint64(&c.seq, 1),
			Image:      img,
			CapturedAt: c.now(),
		})
	}
}

// process consumes raw frames in FIFO order and publishes results into processed queue
func (c *camera) process(ctx context.Context, r *Runner) {
	for {
		if ctx.Err() != nil {
			return
		}
		frame, err := c.raw.Get(ctx, c.pipeCfg.GetTimeout)
		if err != nil {
			continue
		}
		pf := r.processFrame(ctx, c, frame)
		atomic.AddUint64(&c.framesProcessed, 1)
		c.processed.Put(pf)
	}
}

// nopSource keeps deferred Close safe after failed reopen
type nopSource struct{}

func (nopSource) Next(context.Context) (image.Image, error) { return nil, source.ErrEndOfStream }
func (nopSource) Rewind() error                             { return nil }
func (nopSource) Close() error                              { return nil }
