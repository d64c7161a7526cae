package pipeline

import (
	"context"
	"image"
	"image/draw"
	"sync/atomic"
	"time"

	"github.com/LdDl/ppe-watch/inference"
	"github.com/LdDl/ppe-watch/mot"
	"github.com/LdDl/ppe-watch/ppe"
	"github.com/LdDl/ppe-watch/registry"
	"github.com/LdDl/ppe-watch/reid"
	"github.com/LdDl/ppe-watch/store"
	"github.com/LdDl/ppe-watch/violation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var errEmptyCrop = errors.New("empty crop")

// TrackInfo is a per-frame outcome for one tracked person
type TrackInfo struct {
	TrackID    int           `json:"track_id"`
	BBox       mot.Rectangle `json:"bbox"`
	Class      ppe.Class     `json:"class"`
	Name       string        `json:"name"`
	Similarity float64       `json:"similarity"`
	Confirmed  bool          `json:"confirmed"`
	Checking   bool          `json:"checking"`
	Ratio      float64       `json:"ratio"`
}

// ProcessedFrame is a frame after detection, tracking and annotation.
// Annotated is false when inference failed and the raw frame was forwarded.
type ProcessedFrame struct {
	CameraID   int
	Seq        uint64
	Image      image.Image
	CapturedAt time.Time
	Annotated  bool
	Tracks     []TrackInfo
}

func passThrough(frame Frame) ProcessedFrame {
	return ProcessedFrame{
		CameraID:   frame.CameraID,
		Seq:        frame.Seq,
		Image:      frame.Image,
		CapturedAt: frame.CapturedAt,
	}
}

// processFrame runs detect → track → embed → match → confirm → persist → annotate for a single frame.
// Inference failure forwards the raw frame.
func (r *Runner) processFrame(ctx context.Context, cam *camera, frame Frame) ProcessedFrame {
	cameraID := cam.cfg.ID
	detections, err := r.deps.Detector.Detect(ctx, frame.Image)
	if err != nil {
		atomic.AddUint64(&cam.inferenceErrors, 1)
		log.Error().Err(err).Int("camera_id", cameraID).Uint64("seq", frame.Seq).Msg("Detection failed")
		return passThrough(frame)
	}
	detections = inference.FilterConfident(detections, r.cfg.Pipeline.ConfidenceFloor)
	outputs, err := cam.tracker.Update(inference.ToTrackerDetections(detections))
	if err != nil {
		log.Error().Err(err).Int("camera_id", cameraID).Uint64("seq", frame.Seq).Msg("Tracker update failed")
		return passThrough(frame)
	}

	type identified struct {
		out        mot.TrackOutput
		name       string
		similarity float64
		embedding  []float64
	}
	// Embeddings first: a failure here leaves registries untouched for the whole frame
	people := make([]identified, 0, len(outputs))
	for _, out := range outputs {
		person := identified{out: out, name: reid.Unknown}
		if r.deps.Embedder != nil {
			crop, err := cropImage(frame.Image, out.BBox)
			if err != nil {
				continue
			}
			embedding, err := r.deps.Embedder.Embed(ctx, crop)
			if err != nil {
				atomic.AddUint64(&cam.inferenceErrors, 1)
				log.Error().Err(err).Int("camera_id", cameraID).Int("track_id", out.ID).Msg("Embedding failed")
				return passThrough(frame)
			}
			match := r.deps.Matcher.Match(embedding)
			person.name = match.Name
			person.similarity = match.Similarity
			person.embedding = embedding
		}
		people = append(people, person)
	}

	now := r.now()
	tracks := make([]TrackInfo, 0, len(people))
	for _, person := range people {
		out := person.out
		class := ppe.ParseClass(out.Label)
		r.registry.Upsert(registry.Sighting{
			Timestamp:  now,
			CameraID:   cameraID,
			TrackID:    out.ID,
			Name:       person.name,
			Embedding:  person.embedding,
			Similarity: person.similarity,
			BBox:       out.BBox,
		})
		decision := r.confirmer.Observe(violation.Observation{
			Key:         violation.Key{CameraID: cameraID, TrackID: out.ID},
			Class:       string(class),
			IsViolation: class.IsViolation(),
			PersonName:  person.name,
			Timestamp:   now,
		})
		// Safe observations are persisted every frame, violations only once confirmed
		if class == ppe.ClassCompliant {
			r.pool.Submit(store.NewRecord(now, cameraID, out.ID, person.name, class, person.similarity, false))
		}
		if decision.Confirmed {
			confirmedClass := ppe.ParseClass(decision.Class)
			r.pool.Submit(store.NewRecord(now, cameraID, out.ID, person.name, confirmedClass, person.similarity, true))
			log.Warn().Int("camera_id", cameraID).Int("track_id", out.ID).Str("person", person.name).Str("class", decision.Class).Float64("ratio", decision.Ratio).Msg("Violation confirmed")
		}
		tracks = append(tracks, TrackInfo{
			TrackID:    out.ID,
			BBox:       out.BBox,
			Class:      class,
			Name:       person.name,
			Similarity: person.similarity,
			Confirmed:  decision.Confirmed,
			Checking:   decision.Checking,
			Ratio:      decision.Ratio,
		})
	}

	canvas := toRGBA(frame.Image)
	for _, track := range tracks {
		annotate(canvas, track)
	}
	return ProcessedFrame{
		CameraID:   cameraID,
		Seq:        frame.Seq,
		Image:      canvas,
		CapturedAt: frame.CapturedAt,
		Annotated:  true,
		Tracks:     tracks,
	}
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// cropImage cuts bbox clipped to image bounds
func cropImage(img image.Image, bbox mot.Rectangle) (image.Image, error) {
	rect := bbox.ImageRect().Intersect(img.Bounds())
	if rect.Empty() {
		return nil, errEmptyCrop
	}
	if si, ok := img.(subImager); ok {
		return si.SubImage(rect), nil
	}
	crop := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(crop, crop.Bounds(), img, rect.Min, draw.Src)
	return crop, nil
}

// toRGBA copies frame so annotations never touch source buffers
func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	canvas := image.NewRGBA(b)
	draw.Draw(canvas, b, img, b.Min, draw.Src)
	return canvas
}
