package pipeline

import (
	"context"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/LdDl/ppe-watch/config"
	"github.com/LdDl/ppe-watch/inference"
	"github.com/LdDl/ppe-watch/mot"
	"github.com/LdDl/ppe-watch/ppe"
	"github.com/LdDl/ppe-watch/source"
	"github.com/pkg/errors"
)

// memSource replays the same few frames forever
type memSource struct {
	frames []image.Image
	cursor int
}

func (m *memSource) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.cursor >= len(m.frames) {
		return nil, source.ErrEndOfStream
	}
	img := m.frames[m.cursor]
	m.cursor++
	return img, nil
}

func (m *memSource) Rewind() error {
	m.cursor = 0
	return nil
}

func (m *memSource) Close() error { return nil }

func grayFrame() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 200, 160))
	for y := 0; y < 160; y++ {
		for x := 0; x < 200; x++ {
			img.Set(x, y, color.RGBA{R: 90, G: 90, B: 90, A: 255})
		}
	}
	return img
}

// memOpener opens "mem" references only
var memOpener = source.OpenerFunc(func(ref string) (source.Source, error) {
	if ref != "mem" {
		return nil, errors.Errorf("no such source '%s'", ref)
	}
	return &memSource{frames: []image.Image{grayFrame(), grayFrame(), grayFrame()}}, nil
})

// fixedDetector sees one person of given class at the same place on every frame
type fixedDetector struct {
	sync.Mutex
	class ppe.Class
	fail  bool
}

func (d *fixedDetector) Detect(ctx context.Context, img image.Image) ([]inference.Detection, error) {
	d.Lock()
	defer d.Unlock()
	if d.fail {
		return nil, errors.New("model crashed")
	}
	return []inference.Detection{
		{BBox: mot.NewRect(40, 30, 50, 100), Class: d.class, Confidence: 0.92},
		// Below confidence floor, never tracked
		{BBox: mot.NewRect(120, 30, 40, 90), Class: ppe.ClassNoVest, Confidence: 0.3},
	}, nil
}

type fixedEmbedder struct {
	fail bool
}

func (e fixedEmbedder) Embed(ctx context.Context, crop image.Image) ([]float64, error) {
	if e.fail {
		return nil, errors.New("embedder is down")
	}
	if crop.Bounds().Empty() {
		return nil, errors.New("empty crop")
	}
	return []float64{1, 0.05, 0}, nil
}

// manualClock is advanced by tests
type manualClock struct {
	sync.Mutex
	t time.Time
}

func (c *manualClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.Lock()
	c.t = c.t.Add(d)
	c.Unlock()
}

func testConfig(cameras ...config.CameraConfig) config.Config {
	cfg := config.Default()
	cfg.Cameras = cameras
	cfg.Pipeline.FrameInterval = 5 * time.Millisecond
	cfg.Pipeline.GetTimeout = 20 * time.Millisecond
	cfg.Pipeline.StopTimeout = 2 * time.Second
	cfg.Store.Workers = 2
	return cfg
}
