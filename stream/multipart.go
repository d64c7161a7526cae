// Package stream delivers processed frames to viewers as multipart JPEG (MJPEG over HTTP).
package stream

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/textproto"
	"strconv"

	"github.com/pkg/errors"
)

const (
	// Boundary separates parts of the stream
	Boundary = "frame"
	// ContentType of the whole stream
	ContentType = "multipart/x-mixed-replace; boundary=" + Boundary
	// DefaultQuality of JPEG encoding
	DefaultQuality = 85
	// PlaceholderWidth and PlaceholderHeight are dimensions of the keep-alive frame
	PlaceholderWidth  = 640
	PlaceholderHeight = 480
)

// EncodeJPEG encodes image. Quality outside [1, 100] means DefaultQuality
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	buf := bytes.Buffer{}
	err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	if err != nil {
		return nil, errors.Wrap(err, "Can't encode JPEG")
	}
	return buf.Bytes(), nil
}

// Placeholder returns black frame of given size
func Placeholder(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.Black}, image.Point{}, draw.Src)
	return img
}

// MultipartWriter writes JPEG parts of a multipart/x-mixed-replace stream
type MultipartWriter struct {
	mw *multipart.Writer
}

// NewMultipartWriter wraps writer. Caller sets ContentType header on HTTP responses
func NewMultipartWriter(w io.Writer) (*MultipartWriter, error) {
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(Boundary); err != nil {
		return nil, errors.Wrap(err, "Can't set multipart boundary")
	}
	return &MultipartWriter{mw: mw}, nil
}

// WriteFrame writes a single JPEG part
func (m *MultipartWriter) WriteFrame(jpegBytes []byte) error {
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", "image/jpeg")
	header.Set("Content-Length", strconv.Itoa(len(jpegBytes)))
	part, err := m.mw.CreatePart(header)
	if err != nil {
		return errors.Wrap(err, "Can't create multipart part")
	}
	_, err = part.Write(jpegBytes)
	if err != nil {
		return errors.Wrap(err, "Can't write frame")
	}
	return nil
}

// Close writes trailing boundary
func (m *MultipartWriter) Close() error {
	return m.mw.Close()
}
