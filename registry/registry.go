// Package registry keeps recent sightings of people across all cameras.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/LdDl/ppe-watch/mot"
)

const (
	DefaultRecentWindow = 5 * time.Second
	DefaultTTL          = 10 * time.Second
)

// UnknownName is used in keys of people without gallery match
const UnknownName = "Unknown"

// Sighting is the latest observation of a person on some camera
type Sighting struct {
	Key        string
	Timestamp  time.Time
	CameraID   int
	TrackID    int
	Name       string
	Embedding  []float64
	Similarity float64
	BBox       mot.Rectangle
}

// SightingKey builds global person key: "<name>_<camera>_<track>"
func SightingKey(name string, cameraID, trackID int) string {
	if name == "" {
		name = UnknownName
	}
	return fmt.Sprintf("%s_%d_%d", name, cameraID, trackID)
}

// Registry is a TTL map of sightings. Safe for concurrent use
type Registry struct {
	mu        sync.Mutex
	sightings map[string]Sighting
}

// New creates empty registry
func New() *Registry {
	return &Registry{
		sightings: make(map[string]Sighting),
	}
}

// Upsert inserts or replaces sighting. Empty key is derived from name, camera and track
func (r *Registry) Upsert(s Sighting) {
	if s.Key == "" {
		s.Key = SightingKey(s.Name, s.CameraID, s.TrackID)
	}
	s.Embedding = cloneFloats(s.Embedding)
	r.mu.Lock()
	r.sightings[s.Key] = s
	r.mu.Unlock()
}

// Recent returns copies of sightings younger than maxAge at given moment
func (r *Registry) Recent(maxAge time.Duration, now time.Time) map[string]Sighting {
	r.mu.Lock()
	defer r.mu.Unlock()
	recent := make(map[string]Sighting)
	for key, s := range r.sightings {
		if now.Sub(s.Timestamp) < maxAge {
			s.Embedding = cloneFloats(s.Embedding)
			recent[key] = s
		}
	}
	return recent
}

// Sweep drops sightings older than ttl. Returns number of dropped sightings
func (r *Registry) Sweep(ttl time.Duration, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, s := range r.sightings {
		if now.Sub(s.Timestamp) > ttl {
			delete(r.sightings, key)
			n++
		}
	}
	return n
}

// Len returns number of sightings
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sightings)
}

func cloneFloats(v []float64) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	copy(out, v)
	return out
}
