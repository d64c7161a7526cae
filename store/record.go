// Package store persists detection and violation records.
package store

import (
	"context"
	"time"

	"github.com/LdDl/ppe-watch/ppe"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TimeLayout is the layout of Record.Timestamp
const TimeLayout = "2006-01-02 15:04:05"

// UnknownPerson is stored for people without gallery match
const UnknownPerson = "Unknown"

const (
	// DefaultLimit of confirmed violations query
	DefaultLimit = 20
	// MaxLimit of confirmed violations query
	MaxLimit = 100
)

// ErrClosed is returned by sinks after Close
var ErrClosed = errors.New("store is closed")

// Record is a single persisted observation. Records are never modified once written
type Record struct {
	ID            string       `json:"id"`
	Timestamp     string       `json:"timestamp"`
	CameraID      int          `json:"camera_id"`
	PersonID      int          `json:"person_id"`
	PersonName    string       `json:"person_name"`
	ClassName     string       `json:"class_name"`
	ViolationType string       `json:"violation_type,omitempty"`
	Similarity    float64      `json:"similarity"`
	IsViolation   bool         `json:"is_violation"`
	Confirmed     bool         `json:"confirmed"`
	Severity      ppe.Severity `json:"severity"`
}

// NewRecord builds record of an observation. Severity is NONE unless the violation is confirmed
func NewRecord(at time.Time, cameraID, personID int, personName string, class ppe.Class, similarity float64, confirmed bool) Record {
	if personName == "" {
		personName = UnknownPerson
	}
	rec := Record{
		ID:          uuid.New().String(),
		Timestamp:   at.Format(TimeLayout),
		CameraID:    cameraID,
		PersonID:    personID,
		PersonName:  personName,
		ClassName:   string(class),
		Similarity:  similarity,
		IsViolation: class.IsViolation(),
		Confirmed:   confirmed && class.IsViolation(),
		Severity:    ppe.SeverityNone,
	}
	if rec.Confirmed {
		rec.Severity = class.Severity()
		rec.ViolationType = class.ViolationType()
	}
	return rec
}

// Sink accepts records
type Sink interface {
	Save(ctx context.Context, rec Record) error
}

// Querier reads confirmed violations, most recent first
type Querier interface {
	ConfirmedViolations(ctx context.Context, limit, offset int) ([]Record, error)
}

// Store is both Sink and Querier
type Store interface {
	Sink
	Querier
}

// SinkFunc adapts function to Sink
type SinkFunc func(ctx context.Context, rec Record) error

// Save implements Sink
func (f SinkFunc) Save(ctx context.Context, rec Record) error {
	return f(ctx, rec)
}

// ClampPage normalizes pagination: limit in [1, MaxLimit] (DefaultLimit when not positive), offset >= 0
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
