package mot

import (
	"container/heap"
)

// iouPair holds a track/detection pair with its IoU score for priority queue
type iouPair struct {
	score    float64
	trackIdx int
	detIdx   int
	index    int
}

// iouHeap implements heap.Interface for max-heap by score.
// Equal scores resolve to the earliest detection, then to the earliest track.
type iouHeap []*iouPair

func (h iouHeap) Len() int { return len(h) }

func (h iouHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	if h[i].detIdx != h[j].detIdx {
		return h[i].detIdx < h[j].detIdx
	}
	return h[i].trackIdx < h[j].trackIdx
}

func (h iouHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *iouHeap) Push(x any) {
	n := len(*h)
	item := x.(*iouPair)
	item.index = n
	*h = append(*h, item)
}

func (h *iouHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// performGreedyMatching is helper function for greedy matching: pairs are taken from the highest IoU down,
// skipping pairs whose track or detection is already reserved.
// Returns pairs ordered by track index.
func performGreedyMatching(iouMatrix [][]float64, minIoU float64) [][2]int {
	matches := make([][2]int, 0)
	numTracks := len(iouMatrix)
	if numTracks == 0 || len(iouMatrix[0]) == 0 {
		return matches
	}
	numDetections := len(iouMatrix[0])

	pq := &iouHeap{}
	heap.Init(pq)
	for i := 0; i < numTracks; i++ {
		for j := 0; j < numDetections; j++ {
			if iouMatrix[i][j] >= minIoU && iouMatrix[i][j] > 0 {
				heap.Push(pq, &iouPair{score: iouMatrix[i][j], trackIdx: i, detIdx: j})
			}
		}
	}

	// Prevent double update of tracks and detections
	reservedTracks := make([]bool, numTracks)
	reservedDetections := make([]bool, numDetections)
	byTrack := make([]int, numTracks)
	for i := range byTrack {
		byTrack[i] = -1
	}
	for pq.Len() > 0 {
		item := heap.Pop(pq).(*iouPair)
		if reservedTracks[item.trackIdx] || reservedDetections[item.detIdx] {
			continue
		}
		reservedTracks[item.trackIdx] = true
		reservedDetections[item.detIdx] = true
		byTrack[item.trackIdx] = item.detIdx
	}
	for trackIdx, detIdx := range byTrack {
		if detIdx >= 0 {
			matches = append(matches, [2]int{trackIdx, detIdx})
		}
	}
	return matches
}
