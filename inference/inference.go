// Package inference declares contracts of the models the pipeline runs on every frame.
package inference

import (
	"context"
	"image"

	"github.com/LdDl/ppe-watch/mot"
	"github.com/LdDl/ppe-watch/ppe"
)

// DefaultConfidence is the detector score a detection has to exceed
const DefaultConfidence = 0.5

// Detection is a person box classified by equipment class
type Detection struct {
	BBox       mot.Rectangle
	Class      ppe.Class
	Confidence float64
}

// Detector finds people and classifies their equipment
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
}

// Embedder turns person crop into appearance/face embedding
type Embedder interface {
	Embed(ctx context.Context, crop image.Image) ([]float64, error)
}

// DetectorFunc adapts function to Detector
type DetectorFunc func(ctx context.Context, img image.Image) ([]Detection, error)

// Detect implements Detector
func (f DetectorFunc) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	return f(ctx, img)
}

// EmbedderFunc adapts function to Embedder
type EmbedderFunc func(ctx context.Context, crop image.Image) ([]float64, error)

// Embed implements Embedder
func (f EmbedderFunc) Embed(ctx context.Context, crop image.Image) ([]float64, error) {
	return f(ctx, crop)
}

// FilterConfident keeps detections with confidence strictly above floor and non-empty boxes.
// Input order is preserved.
func FilterConfident(detections []Detection, floor float64) []Detection {
	kept := make([]Detection, 0, len(detections))
	for _, det := range detections {
		if det.Confidence <= floor || det.BBox.Area() <= 0 {
			continue
		}
		kept = append(kept, det)
	}
	return kept
}

// ToTrackerDetections converts detections into tracker input
func ToTrackerDetections(detections []Detection) []mot.Detection {
	out := make([]mot.Detection, len(detections))
	for i, det := range detections {
		out[i] = mot.Detection{
			BBox:       det.BBox,
			Label:      string(det.Class),
			Confidence: det.Confidence,
		}
	}
	return out
}
