package mot

import (
	"github.com/arthurkushman/go-hungarian"
	"github.com/pkg/errors"
)

// MatchingAlgorithm is for algorithm type for matching detections to tracks
type MatchingAlgorithm uint16

const (
	// MatchingAlgorithmHungarian uses the Hungarian algorithm (Kuhn-Munkres) for optimal assignment
	MatchingAlgorithmHungarian MatchingAlgorithm = iota
	// MatchingAlgorithmGreedy uses a greedy algorithm for faster but potentially suboptimal assignment
	MatchingAlgorithmGreedy
)

// tieBias slightly penalizes later detections, so equal IoU values resolve to the earliest detection
const tieBias = 1e-9

// Detection is a single detector output for the current frame
type Detection struct {
	BBox       Rectangle
	Label      string
	Confidence float64
}

// TrackOutput is a track associated with a detection on the current frame
type TrackOutput struct {
	ID         int
	BBox       Rectangle
	Label      string
	Confidence float64
	State      TrackState
}

// SortTracker is implementation of Multi-object tracker (MOT) called SORT:
// Kalman filter prediction and IoU based assignment of detections to tracks.
// It is not safe for concurrent use: keep one instance per camera.
type SortTracker struct {
	// Maximum number of frames a track can be missing before it is removed
	maxAge int
	// Minimum number of hits for a track to become confirmed
	minHits int
	// Minimum IoU between predicted track box and detection to be considered the same object
	iouThreshold float64
	// Algorithm to use for matching
	algorithm MatchingAlgorithm
	// Time step for Kalman filter
	dt float64
	// Length of class label history per track
	maxLabels int
	// Last issued track identifier
	nextID int
	// Main storage. Always ordered by identifier
	tracks []*Track
}

// SortOption configures SortTracker
type SortOption func(*SortTracker)

// WithTimeStep sets Kalman filter time step. Default is 1.0 (one frame)
func WithTimeStep(dt float64) SortOption {
	return func(st *SortTracker) {
		if dt > 0 {
			st.dt = dt
		}
	}
}

// WithLabelHistory sets number of recent class labels kept per track. Default is 10
func WithLabelHistory(n int) SortOption {
	return func(st *SortTracker) {
		if n > 0 {
			st.maxLabels = n
		}
	}
}

// DefaultSortTracker creates a SortTracker with default parameters:
// maxAge=40, minHits=1, iouThreshold=0.3, Hungarian matching.
func DefaultSortTracker() *SortTracker {
	return NewSortTracker(40, 1, 0.3, MatchingAlgorithmHungarian)
}

// NewSortTracker creates a new instance of SortTracker with specified parameters.
func NewSortTracker(maxAge, minHits int, iouThreshold float64, algorithm MatchingAlgorithm, options ...SortOption) *SortTracker {
	st := &SortTracker{
		maxAge:       maxAge,
		minHits:      minHits,
		iouThreshold: iouThreshold,
		algorithm:    algorithm,
		dt:           1.0,
		maxLabels:    10,
		tracks:       make([]*Track, 0),
	}
	for _, option := range options {
		option(st)
	}
	return st
}

// Update advances tracker by one frame and returns confirmed tracks associated on this frame, ordered by identifier.
func (st *SortTracker) Update(detections []Detection) ([]TrackOutput, error) {
	// 1. Predict next positions for all existing tracks via Kalman filter
	for _, track := range st.tracks {
		track.predict()
	}

	existing := st.tracks
	matchedTracks := make([]bool, len(existing))
	matchedDetections := make([]bool, len(detections))

	// 2-4. Associate detections with tracks. No tracks or no detections means nothing to solve
	if len(existing) > 0 && len(detections) > 0 {
		iouMatrix := st.createIoUMatrix(existing, detections)
		matches := st.performMatching(iouMatrix)
		for _, match := range matches {
			trackIdx, detIdx := match[0], match[1]
			if iouMatrix[trackIdx][detIdx] < st.iouThreshold {
				continue
			}
			track := existing[trackIdx]
			err := track.update(detections[detIdx], st.minHits)
			if err != nil {
				return nil, errors.Wrapf(err, "Can't update track with id %d", track.id)
			}
			matchedTracks[trackIdx] = true
			matchedDetections[detIdx] = true
		}
	}

	// 5. Unmatched tracks: Lost or Removed
	for trackIdx, track := range existing {
		if !matchedTracks[trackIdx] {
			track.markMissed(st.maxAge)
		}
	}
	alive := existing[:0]
	for _, track := range existing {
		if track.state != TrackRemoved {
			alive = append(alive, track)
		}
	}
	// Drop references to removed tracks
	for i := len(alive); i < len(existing); i++ {
		existing[i] = nil
	}
	st.tracks = alive

	// 6. Unmatched detections start new tracks. Identifiers grow monotonically, so order is kept
	for detIdx, detection := range detections {
		if matchedDetections[detIdx] {
			continue
		}
		st.nextID++
		track := newTrack(st.nextID, detection, st.dt, st.maxLabels)
		track.refreshState(st.minHits)
		st.tracks = append(st.tracks, track)
	}

	outputs := make([]TrackOutput, 0, len(st.tracks))
	for _, track := range st.tracks {
		if track.timeSinceUpdate != 0 || track.state != TrackConfirmed {
			continue
		}
		outputs = append(outputs, TrackOutput{
			ID:         track.id,
			BBox:       track.currentBBox,
			Label:      track.label,
			Confidence: track.confidence,
			State:      track.state,
		})
	}
	return outputs, nil
}

// Tracks returns all tracks kept by tracker (tentative, confirmed and lost), ordered by identifier.
// Returned tracks must not be modified.
func (st *SortTracker) Tracks() []*Track {
	tracks := make([]*Track, len(st.tracks))
	copy(tracks, st.tracks)
	return tracks
}

// Len returns number of tracks kept by tracker
func (st *SortTracker) Len() int {
	return len(st.tracks)
}

// Reset drops all tracks and restarts identifiers
func (st *SortTracker) Reset() {
	st.tracks = make([]*Track, 0)
	st.nextID = 0
}

// createIoUMatrix is helper function to create IoU matrix: rows = tracks (predicted boxes), columns = detections.
func (st *SortTracker) createIoUMatrix(tracks []*Track, detections []Detection) [][]float64 {
	iouMatrix := make([][]float64, len(tracks))
	for i, track := range tracks {
		row := make([]float64, len(detections))
		for j, detection := range detections {
			row[j] = IoU(track.predictedBBox, detection.BBox)
		}
		iouMatrix[i] = row
	}
	return iouMatrix
}

// performMatching is helper function to perform matching using Hungarian or Greedy algorithm.
// Returns: a slice of [2]int, where each element is {trackIndex, detectionIndex}, ordered by track index.
func (st *SortTracker) performMatching(iouMatrix [][]float64) [][2]int {
	switch st.algorithm {
	case MatchingAlgorithmHungarian:
		return st.performHungarianMatching(iouMatrix)
	case MatchingAlgorithmGreedy:
		return performGreedyMatching(iouMatrix, st.iouThreshold)
	default:
		return performGreedyMatching(iouMatrix, st.iouThreshold)
	}
}

func (st *SortTracker) performHungarianMatching(iouMatrix [][]float64) [][2]int {
	numTracks := len(iouMatrix)
	if numTracks == 0 || len(iouMatrix[0]) == 0 {
		return [][2]int{}
	}
	numDetections := len(iouMatrix[0])

	// Pad to square matrix. Padding is done with 0.0 values (lowest IoU)
	paddedSize := maxInt(numTracks, numDetections)
	paddedMatrix := make([][]float64, paddedSize)
	for i := 0; i < paddedSize; i++ {
		paddedMatrix[i] = make([]float64, paddedSize)
	}
	for i := 0; i < numTracks; i++ {
		for j := 0; j < numDetections; j++ {
			if iouMatrix[i][j] > 0 {
				paddedMatrix[i][j] = iouMatrix[i][j] - tieBias*float64(j)
			}
		}
	}

	// Apply Hungarian algorithm. SolveMax may settle on a suboptimal assignment,
	// so its result is checked against Kuhn-Munkres and replaced when worse
	rowToCol := hungarianRows(hungarian.SolveMax(paddedMatrix), paddedSize)
	libraryTotal, valid := assignmentTotal(paddedMatrix, rowToCol)
	optimal := solveMaxAssignment(paddedMatrix)
	optimalTotal, _ := assignmentTotal(paddedMatrix, optimal)
	if !valid || optimalTotal > libraryTotal+assignmentEps {
		rowToCol = optimal
	}

	matches := make([][2]int, 0, minInt(numTracks, numDetections))
	for trackIndex := 0; trackIndex < numTracks; trackIndex++ {
		detectionIndex := rowToCol[trackIndex]
		// Assignment to a padded column means "no detection"
		if detectionIndex < numDetections {
			matches = append(matches, [2]int{trackIndex, detectionIndex})
		}
	}
	return matches
}

// hungarianRows flattens go-hungarian result into row -> column slice. Missing rows get -1
func hungarianRows(assignments map[int]map[int]float64, size int) []int {
	rowToCol := make([]int, size)
	for i := range rowToCol {
		rowToCol[i] = -1
		rowMap, ok := assignments[i]
		if !ok {
			continue
		}
		for j := range rowMap {
			rowToCol[i] = j
			break
		}
	}
	return rowToCol
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
