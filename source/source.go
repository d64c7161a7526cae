// Package source describes frame sources and opens them.
package source

import (
	"context"
	"image"

	"github.com/pkg/errors"
)

var (
	// ErrEndOfStream is returned by Next when source has no more frames. Rewind to replay
	ErrEndOfStream = errors.New("end of stream")
	// ErrSourceUnavailable is returned when neither primary nor fallback reference can be opened
	ErrSourceUnavailable = errors.New("source unavailable")
)

// Source yields frames of a single camera
type Source interface {
	// Next returns next frame. Returns ErrEndOfStream at the end
	Next(ctx context.Context) (image.Image, error)
	// Rewind moves to the first frame
	Rewind() error
	Close() error
}

// Opener opens source by reference: file path, directory, stream URL or device index
type Opener interface {
	Open(ref string) (Source, error)
}

// OpenerFunc adapts function to Opener
type OpenerFunc func(ref string) (Source, error)

// Open implements Opener
func (f OpenerFunc) Open(ref string) (Source, error) {
	return f(ref)
}

// OpenWithFallback opens primary reference and then fallback one (when not empty).
// Returns used reference. Both failures are wrapped into ErrSourceUnavailable.
func OpenWithFallback(opener Opener, ref, fallback string) (Source, string, error) {
	src, err := opener.Open(ref)
	if err == nil {
		return src, ref, nil
	}
	if fallback == "" || fallback == ref {
		return nil, "", errors.Wrapf(ErrSourceUnavailable, "'%s': %s", ref, err.Error())
	}
	src, fallbackErr := opener.Open(fallback)
	if fallbackErr != nil {
		return nil, "", errors.Wrapf(ErrSourceUnavailable, "'%s': %s; fallback '%s': %s", ref, err.Error(), fallback, fallbackErr.Error())
	}
	return src, fallback, nil
}
