// Package reid matches face/appearance embeddings against a gallery of known people.
package reid

import (
	"sync"
)

// Unknown is the name reported for embeddings without a gallery match
const Unknown = "Unknown"

// DefaultThreshold is the similarity a match has to exceed
const DefaultThreshold = 0.5

// Identity is a known person with one or more reference embeddings
type Identity struct {
	Name       string      `json:"name"`
	Embeddings [][]float64 `json:"embeddings"`
}

// Gallery is an ordered set of identities. Order decides ties
type Gallery []Identity

// Names returns identity names in gallery order
func (g Gallery) Names() []string {
	names := make([]string, len(g))
	for i := range g {
		names[i] = g[i].Name
	}
	return names
}

// Match is a result of gallery lookup
type Match struct {
	Name       string
	Similarity float64
	Known      bool
}

// Matcher looks up embeddings in a gallery. Safe for concurrent use
type Matcher struct {
	mu        sync.RWMutex
	gallery   Gallery
	threshold float64
}

// NewMatcher creates matcher over given gallery. Non-positive threshold means DefaultThreshold
func NewMatcher(gallery Gallery, threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Matcher{
		gallery:   gallery,
		threshold: threshold,
	}
}

// Threshold returns minimal similarity (exclusive)
func (m *Matcher) Threshold() float64 {
	return m.threshold
}

// SetGallery replaces gallery
func (m *Matcher) SetGallery(gallery Gallery) {
	m.mu.Lock()
	m.gallery = gallery
	m.mu.Unlock()
}

// Len returns number of identities
func (m *Matcher) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.gallery)
}

// Match finds the most similar identity. Candidate must beat both the threshold and
// the best similarity seen so far, so the first identity wins equal scores.
func (m *Matcher) Match(embedding []float64) Match {
	m.mu.RLock()
	defer m.mu.RUnlock()
	best := Match{Name: Unknown}
	bestSim := m.threshold
	for _, identity := range m.gallery {
		for _, ref := range identity.Embeddings {
			sim := CosineSimilarity(embedding, ref)
			if sim > bestSim {
				bestSim = sim
				best = Match{Name: identity.Name, Similarity: sim, Known: true}
			}
		}
	}
	return best
}
