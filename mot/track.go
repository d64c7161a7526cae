package mot

import (
	"math"

	kalman_filter "github.com/LdDl/kalman-filter"
	"github.com/pkg/errors"
)

// TrackState is a lifecycle state of a track
type TrackState uint8

const (
	// TrackTentative is a fresh track which has not collected enough hits yet
	TrackTentative TrackState = iota
	// TrackConfirmed is a track associated with a detection on the current frame
	TrackConfirmed
	// TrackLost is a confirmed track which missed one or more frames
	TrackLost
	// TrackRemoved is a track which missed more than max age frames. It is dropped from the tracker
	TrackRemoved
)

func (s TrackState) String() string {
	switch s {
	case TrackTentative:
		return "tentative"
	case TrackConfirmed:
		return "confirmed"
	case TrackLost:
		return "lost"
	case TrackRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Track is a tracked object using 8-D Kalman filter for full bounding box dynamics.
// State vector: [cx, cy, w, h, vx, vy, vw, vh] - center position, size, and velocities.
// Constant velocity model: no control input is applied on prediction.
type Track struct {
	id              int
	state           TrackState
	currentBBox     Rectangle
	predictedBBox   Rectangle
	age             int
	hits            int
	hitStreak       int
	timeSinceUpdate int
	label           string
	confidence      float64
	labels          []string
	maxLabels       int
	track           []Point
	maxTrackLen     int
	tracker         *kalman_filter.KalmanBBox
}

func newTrack(id int, detection Detection, dt float64, maxLabels int) *Track {
	bbox := detection.BBox
	center := bbox.Center()

	// Kalman filter props
	uCx := 0.0
	uCy := 0.0
	uW := 0.0
	uH := 0.0
	stdDevA := 2.0
	stdDevMCx := 0.1
	stdDevMCy := 0.1
	stdDevMW := 0.1
	stdDevMH := 0.1
	kf := kalman_filter.NewKalmanBBox(
		dt, uCx, uCy, uW, uH,
		stdDevA, stdDevMCx, stdDevMCy, stdDevMW, stdDevMH,
		kalman_filter.WithStateBBox(center.X, center.Y, bbox.Width, bbox.Height),
	)

	if maxLabels < 1 {
		maxLabels = 1
	}
	track := Track{
		id:            id,
		state:         TrackTentative,
		currentBBox:   bbox,
		predictedBBox: bbox,
		hits:          1,
		hitStreak:     1,
		label:         detection.Label,
		confidence:    detection.Confidence,
		labels:        make([]string, 0, maxLabels),
		maxLabels:     maxLabels,
		track:         make([]Point, 0, 150),
		maxTrackLen:   150,
		tracker:       kf,
	}
	track.pushLabel(detection.Label)
	track.track = append(track.track, center)
	return &track
}

// GetID returns track's identifier. Identifiers are unique within a single tracker only
func (track *Track) GetID() int {
	return track.id
}

// GetState returns track's lifecycle state
func (track *Track) GetState() TrackState {
	return track.state
}

// GetBBox returns track's current (smoothed) bounding box
func (track *Track) GetBBox() Rectangle {
	return track.currentBBox
}

// GetPredictedBBox returns predicted bounding box from Kalman filter
func (track *Track) GetPredictedBBox() Rectangle {
	return track.predictedBBox
}

// GetAge returns number of frames since track creation
func (track *Track) GetAge() int {
	return track.age
}

// GetHits returns number of frames with successful association
func (track *Track) GetHits() int {
	return track.hits
}

// GetHitStreak returns number of consecutive frames with successful association
func (track *Track) GetHitStreak() int {
	return track.hitStreak
}

// GetTimeSinceUpdate returns number of frames since last successful association
func (track *Track) GetTimeSinceUpdate() int {
	return track.timeSinceUpdate
}

// GetLabel returns class label of the last associated detection
func (track *Track) GetLabel() string {
	return track.label
}

// GetConfidence returns confidence of the last associated detection
func (track *Track) GetConfidence() float64 {
	return track.confidence
}

// GetLabels returns copy of recent class labels, oldest first
func (track *Track) GetLabels() []string {
	labels := make([]string, len(track.labels))
	copy(labels, track.labels)
	return labels
}

// GetTrack returns track's center trajectory. Be careful: this is not copy of trajectory, but reference to it
func (track *Track) GetTrack() []Point {
	return track.track
}

// GetVelocity returns current velocity estimates (vx, vy, vw, vh) from Kalman filter
func (track *Track) GetVelocity() (float64, float64, float64, float64) {
	return track.tracker.GetVelocity()
}

// predict executes Kalman filter prediction step and ages the track by one frame
func (track *Track) predict() {
	track.tracker.Predict()
	cx, cy, w, h := track.tracker.GetState()
	// Size velocity could shrink the box to nothing; keep last known size then
	if w <= 0 || h <= 0 || math.IsNaN(w) || math.IsNaN(h) {
		w = track.currentBBox.Width
		h = track.currentBBox.Height
	}
	track.predictedBBox = Rectangle{
		X:      cx - w/2.0,
		Y:      cy - h/2.0,
		Width:  w,
		Height: h,
	}
	track.age++
	if track.timeSinceUpdate > 0 {
		track.hitStreak = 0
	}
	track.timeSinceUpdate++
}

// update executes Kalman filter update step with associated detection
func (track *Track) update(detection Detection, minHits int) error {
	bbox := detection.BBox
	center := bbox.Center()
	err := track.tracker.Update(center.X, center.Y, bbox.Width, bbox.Height)
	if err != nil {
		return errors.Wrap(err, "Can't update object tracker")
	}

	cx, cy, w, h := track.tracker.GetState()
	track.currentBBox = Rectangle{
		X:      cx - w/2.0,
		Y:      cy - h/2.0,
		Width:  w,
		Height: h,
	}
	track.timeSinceUpdate = 0
	track.hits++
	track.hitStreak++
	track.label = detection.Label
	track.confidence = detection.Confidence
	track.pushLabel(detection.Label)
	track.refreshState(minHits)

	track.track = append(track.track, Point{X: cx, Y: cy})
	if len(track.track) > track.maxTrackLen {
		track.track = track.track[1:]
	}
	return nil
}

// markMissed moves track to Lost or Removed state after a frame without association
func (track *Track) markMissed(maxAge int) {
	if track.timeSinceUpdate > maxAge {
		track.state = TrackRemoved
		return
	}
	if track.state == TrackConfirmed {
		track.state = TrackLost
	}
}

func (track *Track) refreshState(minHits int) {
	if track.hits >= minHits {
		track.state = TrackConfirmed
		return
	}
	track.state = TrackTentative
}

func (track *Track) pushLabel(label string) {
	track.labels = append(track.labels, label)
	if len(track.labels) > track.maxLabels {
		track.labels = track.labels[1:]
	}
}
