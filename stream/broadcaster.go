package stream

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// DefaultPullTimeout is how long broadcaster waits for a frame before emitting placeholder
const DefaultPullTimeout = time.Second

// JPEGSink receives encoded frames. github.com/hybridgroup/mjpeg Stream satisfies it
type JPEGSink interface {
	UpdateJPEG(jpeg []byte)
}

// PullFunc waits for next frame up to timeout. Any error besides context cancellation means "no frame"
type PullFunc func(ctx context.Context, timeout time.Duration) (image.Image, error)

// Broadcaster pulls frames of one camera and fans encoded JPEGs out to registered sinks.
// Placeholder is sent when no frame arrives in time, so viewers keep receiving parts.
type Broadcaster struct {
	pull        PullFunc
	quality     int
	pullTimeout time.Duration
	placeholder []byte

	mu     sync.RWMutex
	sinks  map[int]JPEGSink
	nextID int
	latest []byte

	frames       uint64
	placeholders uint64
}

// NewBroadcaster creates broadcaster. Non-positive timeout means DefaultPullTimeout
func NewBroadcaster(pull PullFunc, quality int, pullTimeout time.Duration) (*Broadcaster, error) {
	if pullTimeout <= 0 {
		pullTimeout = DefaultPullTimeout
	}
	placeholder, err := EncodeJPEG(Placeholder(PlaceholderWidth, PlaceholderHeight), quality)
	if err != nil {
		return nil, errors.Wrap(err, "Can't prepare placeholder")
	}
	return &Broadcaster{
		pull:        pull,
		quality:     quality,
		pullTimeout: pullTimeout,
		placeholder: placeholder,
		sinks:       make(map[int]JPEGSink),
	}, nil
}

// Add registers sink and returns its handle for Remove
func (b *Broadcaster) Add(sink JPEGSink) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.sinks[b.nextID] = sink
	return b.nextID
}

// Remove unregisters sink
func (b *Broadcaster) Remove(id int) {
	b.mu.Lock()
	delete(b.sinks, id)
	b.mu.Unlock()
}

// Viewers returns number of registered sinks
func (b *Broadcaster) Viewers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sinks)
}

// Latest returns last broadcasted JPEG, placeholder before the first one
func (b *Broadcaster) Latest() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.latest == nil {
		return b.placeholder
	}
	return b.latest
}

// Counts returns number of real frames and placeholders sent
func (b *Broadcaster) Counts() (uint64, uint64) {
	return atomic.LoadUint64(&b.frames), atomic.LoadUint64(&b.placeholders)
}

// Step pulls one frame (or times out) and broadcasts it
func (b *Broadcaster) Step(ctx context.Context) error {
	img, err := b.pull(ctx, b.pullTimeout)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	payload := b.placeholder
	if err == nil && img != nil {
		encoded, encErr := EncodeJPEG(img, b.quality)
		if encErr == nil {
			payload = encoded
		}
	}
	if err == nil && img != nil && len(payload) > 0 {
		atomic.AddUint64(&b.frames, 1)
	} else {
		atomic.AddUint64(&b.placeholders, 1)
	}

	b.mu.Lock()
	b.latest = payload
	sinks := make([]JPEGSink, 0, len(b.sinks))
	for _, sink := range b.sinks {
		sinks = append(sinks, sink)
	}
	b.mu.Unlock()
	for _, sink := range sinks {
		sink.UpdateJPEG(payload)
	}
	return nil
}

// Run broadcasts until context is done
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		if err := b.Step(ctx); err != nil {
			return
		}
	}
}

// ChanSink keeps only the newest frame for a single slow viewer
type ChanSink struct {
	frames chan []byte
}

// NewChanSink creates sink
func NewChanSink() *ChanSink {
	return &ChanSink{frames: make(chan []byte, 1)}
}

// UpdateJPEG implements JPEGSink. Unread frame is replaced
func (c *ChanSink) UpdateJPEG(jpeg []byte) {
	for {
		select {
		case c.frames <- jpeg:
			return
		default:
		}
		select {
		case <-c.frames:
		default:
		}
	}
}

// Frames returns channel of frames
func (c *ChanSink) Frames() <-chan []byte {
	return c.frames
}
