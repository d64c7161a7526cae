package store

import (
	"context"

	"github.com/pkg/errors"
)

// Fanout saves every record into all sinks. Sinks may accept only a subset of records (see ConfirmedOnly)
type Fanout []Sink

// Save implements Sink. All sinks are tried; first error is returned
func (f Fanout) Save(ctx context.Context, rec Record) error {
	var first error
	for i, sink := range f {
		err := sink.Save(ctx, rec)
		if err != nil && first == nil {
			first = errors.Wrapf(err, "Sink %d failed", i)
		}
	}
	return first
}

// ConfirmedOnly passes through confirmed violations only
func ConfirmedOnly(sink Sink) Sink {
	return SinkFunc(func(ctx context.Context, rec Record) error {
		if !rec.Confirmed {
			return nil
		}
		return sink.Save(ctx, rec)
	})
}
