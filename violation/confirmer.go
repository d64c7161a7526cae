// Package violation confirms safety-equipment violations by voting over a sliding window
// of per-frame classification outcomes.
package violation

import (
	"sort"
	"sync"
	"time"
)

const (
	DefaultWindowSize    = 10
	DefaultThreshold     = 0.9
	DefaultCooldown      = 30 * time.Second
	DefaultCheckingRatio = 0.5
	DefaultStaleAfter    = 30 * time.Second
)

// Key identifies a window. Track identifiers are only unique within one camera
type Key struct {
	CameraID int
	TrackID  int
}

// Observation is one frame outcome for a tracked person
type Observation struct {
	Key         Key
	Class       string
	IsViolation bool
	PersonName  string
	Timestamp   time.Time
}

// Decision is a confirmer verdict after observation has been appended
type Decision struct {
	// Confirmed is set once per cooldown when window votes for a violation
	Confirmed bool
	// Checking is set when window leans to a violation but it is not confirmed
	Checking bool
	// Class is the most frequent violation label among positives. Empty when there are no positives
	Class string
	// Ratio of positive entries in the window
	Ratio float64
	// Filled is number of entries in the window
	Filled int
}

// WindowStatus is a read-only view of a window
type WindowStatus struct {
	Key           Key
	PersonName    string
	Ratio         float64
	Filled        int
	Confirmed     bool
	LastConfirmed time.Time
	LastActivity  time.Time
}

type entry struct {
	class       string
	isViolation bool
	timestamp   time.Time
}

type window struct {
	entries       []entry
	personName    string
	lastActivity  time.Time
	lastConfirmed time.Time
	confirmed     bool
}

// Options of Confirmer. Zero values mean defaults
type Options struct {
	WindowSize    int
	Threshold     float64
	Cooldown      time.Duration
	CheckingRatio float64
	StaleAfter    time.Duration
}

// Confirmer keeps windows for every (camera, track). Safe for concurrent use
type Confirmer struct {
	mu            sync.Mutex
	windowSize    int
	threshold     float64
	cooldown      time.Duration
	checkingRatio float64
	staleAfter    time.Duration
	windows       map[Key]*window
}

// NewConfirmer creates Confirmer
func NewConfirmer(opts Options) *Confirmer {
	if opts.WindowSize < 1 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.CheckingRatio <= 0 {
		opts.CheckingRatio = DefaultCheckingRatio
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	return &Confirmer{
		windowSize:    opts.WindowSize,
		threshold:     opts.Threshold,
		cooldown:      opts.Cooldown,
		checkingRatio: opts.CheckingRatio,
		staleAfter:    opts.StaleAfter,
		windows:       make(map[Key]*window),
	}
}

// Observe appends observation to its window and votes
func (c *Confirmer) Observe(obs Observation) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[obs.Key]
	if !ok {
		w = &window{entries: make([]entry, 0, c.windowSize)}
		c.windows[obs.Key] = w
	}
	w.entries = append(w.entries, entry{class: obs.Class, isViolation: obs.IsViolation, timestamp: obs.Timestamp})
	if len(w.entries) > c.windowSize {
		// Shift instead of reslicing so backing array does not grow
		copy(w.entries, w.entries[len(w.entries)-c.windowSize:])
		w.entries = w.entries[:c.windowSize]
	}
	if obs.PersonName != "" {
		w.personName = obs.PersonName
	}
	w.lastActivity = obs.Timestamp

	ratio := w.ratio()
	decision := Decision{
		Ratio:  ratio,
		Filled: len(w.entries),
		Class:  w.dominantClass(),
	}
	votes := len(w.entries) >= c.windowSize && ratio >= c.threshold
	if votes {
		if !w.confirmed || obs.Timestamp.Sub(w.lastConfirmed) > c.cooldown {
			w.confirmed = true
			w.lastConfirmed = obs.Timestamp
			decision.Confirmed = true
			return decision
		}
	}
	// Full windows at threshold held back by cooldown are already confirmed, not checking
	decision.Checking = !votes && ratio >= c.checkingRatio
	return decision
}

// Prune drops windows without activity for longer than stale period. Returns number of dropped windows
func (c *Confirmer) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, w := range c.windows {
		if now.Sub(w.lastActivity) > c.staleAfter {
			delete(c.windows, key)
			n++
		}
	}
	return n
}

// Forget drops window of the given key
func (c *Confirmer) Forget(key Key) {
	c.mu.Lock()
	delete(c.windows, key)
	c.mu.Unlock()
}

// Len returns number of windows
func (c *Confirmer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}

// Status returns all windows ordered by camera, then by track
func (c *Confirmer) Status() []WindowStatus {
	c.mu.Lock()
	statuses := make([]WindowStatus, 0, len(c.windows))
	for key, w := range c.windows {
		statuses = append(statuses, WindowStatus{
			Key:           key,
			PersonName:    w.personName,
			Ratio:         w.ratio(),
			Filled:        len(w.entries),
			Confirmed:     w.confirmed,
			LastConfirmed: w.lastConfirmed,
			LastActivity:  w.lastActivity,
		})
	}
	c.mu.Unlock()
	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].Key.CameraID != statuses[j].Key.CameraID {
			return statuses[i].Key.CameraID < statuses[j].Key.CameraID
		}
		return statuses[i].Key.TrackID < statuses[j].Key.TrackID
	})
	return statuses
}

func (w *window) ratio() float64 {
	if len(w.entries) == 0 {
		return 0
	}
	positives := 0
	for _, e := range w.entries {
		if e.isViolation {
			positives++
		}
	}
	return float64(positives) / float64(len(w.entries))
}

// dominantClass returns the most frequent label among positive entries; first encountered wins ties
func (w *window) dominantClass() string {
	counts := make(map[string]int)
	order := make([]string, 0, 2)
	for _, e := range w.entries {
		if !e.isViolation {
			continue
		}
		if _, ok := counts[e.class]; !ok {
			order = append(order, e.class)
		}
		counts[e.class]++
	}
	best := ""
	bestCount := 0
	for _, class := range order {
		if counts[class] > bestCount {
			best = class
			bestCount = counts[class]
		}
	}
	return best
}
