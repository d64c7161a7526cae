// Package cvcapture reads frames through OpenCV: video files, RTSP/HTTP streams and capture devices.
package cvcapture

import (
	"context"
	"image"
	"strconv"
	"sync"

	"github.com/LdDl/ppe-watch/source"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Opener opens OpenCV captures. Numeric references are treated as device indices
type Opener struct {
	// BufferSize limits internal capture buffer (frames). Zero keeps OpenCV default
	BufferSize int
}

// Open implements source.Opener
func (o Opener) Open(ref string) (source.Source, error) {
	var device interface{} = ref
	isDevice := false
	if idx, err := strconv.Atoi(ref); err == nil {
		device = idx
		isDevice = true
	}
	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, errors.Wrapf(err, "Can't open capture '%s'", ref)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, errors.Errorf("Capture '%s' is not opened", ref)
	}
	if o.BufferSize > 0 {
		capture.Set(gocv.VideoCaptureBufferSize, float64(o.BufferSize))
	}
	return &Capture{
		ref:      ref,
		isDevice: isDevice,
		capture:  capture,
		mat:      gocv.NewMat(),
	}, nil
}

// Capture is a gocv.VideoCapture backed source
type Capture struct {
	sync.Mutex
	ref      string
	isDevice bool
	capture  *gocv.VideoCapture
	mat      gocv.Mat
	closed   bool
}

// Next implements source.Source. Failed read of a file means end of stream
func (c *Capture) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return nil, errors.Errorf("Capture '%s' is closed", c.ref)
	}
	if ok := c.capture.Read(&c.mat); !ok || c.mat.Empty() {
		if c.isDevice {
			return nil, errors.Errorf("Can't read frame from device '%s'", c.ref)
		}
		return nil, source.ErrEndOfStream
	}
	img, err := c.mat.ToImage()
	if err != nil {
		return nil, errors.Wrap(err, "Can't convert frame")
	}
	return img, nil
}

// Rewind implements source.Source. Devices and live streams can't be rewound
func (c *Capture) Rewind() error {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return errors.Errorf("Capture '%s' is closed", c.ref)
	}
	if c.isDevice {
		return errors.Errorf("Device '%s' can't be rewound", c.ref)
	}
	c.capture.Set(gocv.VideoCapturePosFrames, 0)
	if c.capture.Get(gocv.VideoCapturePosFrames) != 0 {
		return errors.Errorf("Capture '%s' did not rewind", c.ref)
	}
	return nil
}

// Close implements source.Source
func (c *Capture) Close() error {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.mat.Close()
	return c.capture.Close()
}
