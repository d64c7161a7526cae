// Package api exposes the query surface and live streams over HTTP.
package api

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/LdDl/ppe-watch/pipeline"
	"github.com/LdDl/ppe-watch/registry"
	"github.com/LdDl/ppe-watch/store"
	"github.com/LdDl/ppe-watch/stream"
	"github.com/LdDl/ppe-watch/violation"
	"github.com/gin-gonic/gin"
	"github.com/hybridgroup/mjpeg"
	"github.com/rs/zerolog/log"
)

// Backend is the query surface served by the API
type Backend interface {
	RecentSightings() map[string]registry.Sighting
	ViolationStatus() []violation.WindowStatus
	ConfirmedViolations(ctx context.Context, limit, offset int) ([]store.Record, error)
	StopAll() error
	Stats() []pipeline.CameraStats
}

// Server holds HTTP routes
type Server struct {
	backend      Backend
	broadcasters map[int]*stream.Broadcaster
	mjpegStreams map[int]*mjpeg.Stream
	router       *gin.Engine
}

// NewServer builds router. Every broadcaster additionally feeds an MJPEG stream served at /mjpeg/:camera
func NewServer(backend Backend, broadcasters map[int]*stream.Broadcaster, debug bool) *Server {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		backend:      backend,
		broadcasters: broadcasters,
		mjpegStreams: make(map[int]*mjpeg.Stream, len(broadcasters)),
		router:       gin.New(),
	}
	for id, b := range broadcasters {
		ms := mjpeg.NewStream()
		b.Add(ms)
		s.mjpegStreams[id] = ms
	}
	s.router.Use(gin.Recovery(), requestLogger())
	s.router.GET("/health", s.health)
	s.router.GET("/cameras", s.cameras)
	s.router.GET("/video_feed/:camera", s.videoFeed)
	s.router.GET("/mjpeg/:camera", s.mjpegFeed)
	s.router.GET("/cross_camera_detections", s.crossCameraDetections)
	s.router.GET("/violations/status", s.violationStatus)
	s.router.GET("/violations/recent", s.recentViolations)
	s.router.POST("/stop_processing", s.stopProcessing)
	return s
}

// Handler returns http.Handler of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().Str("method", c.Request.Method).Str("path", c.FullPath()).Int("status", c.Writer.Status()).Dur("took", time.Since(start)).Msg("HTTP request")
	}
}

func success(c *gin.Context, message string, key string, payload interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": message,
		key:       payload,
	})
}

func failure(c *gin.Context, code int, message string, err error, key string, empty interface{}) {
	body := gin.H{
		"status":  "error",
		"message": message,
		"error":   err.Error(),
		key:       empty,
	}
	c.JSON(code, body)
}

func (s *Server) health(c *gin.Context) {
	success(c, "ok", "time", time.Now().Format(store.TimeLayout))
}

func (s *Server) cameras(c *gin.Context) {
	success(c, "Camera statistics", "cameras", s.backend.Stats())
}

type sightingJSON struct {
	Key        string     `json:"key"`
	Timestamp  string     `json:"timestamp"`
	CameraID   int        `json:"camera_id"`
	TrackID    int        `json:"track_id"`
	Name       string     `json:"name"`
	Similarity float64    `json:"similarity"`
	BBox       [4]float64 `json:"bbox"`
}

func (s *Server) crossCameraDetections(c *gin.Context) {
	recent := s.backend.RecentSightings()
	out := make([]sightingJSON, 0, len(recent))
	for key, sighting := range recent {
		x1, y1, x2, y2 := sighting.BBox.Corners()
		out = append(out, sightingJSON{
			Key:        key,
			Timestamp:  sighting.Timestamp.Format(store.TimeLayout),
			CameraID:   sighting.CameraID,
			TrackID:    sighting.TrackID,
			Name:       sighting.Name,
			Similarity: sighting.Similarity,
			BBox:       [4]float64{x1, y1, x2, y2},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	success(c, "Recent cross-camera detections", "detections", out)
}

type windowJSON struct {
	CameraID      int     `json:"camera_id"`
	TrackID       int     `json:"track_id"`
	PersonName    string  `json:"person_name"`
	Ratio         float64 `json:"violation_ratio"`
	Filled        int     `json:"window_filled"`
	Confirmed     bool    `json:"confirmed"`
	LastConfirmed string  `json:"last_confirmed,omitempty"`
}

func (s *Server) violationStatus(c *gin.Context) {
	status := s.backend.ViolationStatus()
	out := make([]windowJSON, 0, len(status))
	for _, w := range status {
		item := windowJSON{
			CameraID:   w.Key.CameraID,
			TrackID:    w.Key.TrackID,
			PersonName: w.PersonName,
			Ratio:      w.Ratio,
			Filled:     w.Filled,
			Confirmed:  w.Confirmed,
		}
		if w.Confirmed {
			item.LastConfirmed = w.LastConfirmed.Format(store.TimeLayout)
		}
		out = append(out, item)
	}
	success(c, "Active violation windows", "violations", out)
}

func (s *Server) recentViolations(c *gin.Context) {
	limit, err := queryInt(c, "limit", store.DefaultLimit)
	if err != nil {
		failure(c, http.StatusBadRequest, "Bad 'limit' parameter", err, "violations", []store.Record{})
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		failure(c, http.StatusBadRequest, "Bad 'offset' parameter", err, "violations", []store.Record{})
		return
	}
	records, err := s.backend.ConfirmedViolations(c.Request.Context(), limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("Can't query confirmed violations")
		failure(c, http.StatusInternalServerError, "Can't query confirmed violations", err, "violations", []store.Record{})
		return
	}
	success(c, "Confirmed violations", "violations", records)
}

func (s *Server) stopProcessing(c *gin.Context) {
	if err := s.backend.StopAll(); err != nil {
		failure(c, http.StatusInternalServerError, "Can't stop processing", err, "cameras", []pipeline.CameraStats{})
		return
	}
	success(c, "Processing stopped", "cameras", s.backend.Stats())
}

func queryInt(c *gin.Context, key string, defaultValue int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(raw)
}

func (s *Server) cameraParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("camera"))
	if err != nil {
		failure(c, http.StatusBadRequest, "Bad camera identifier", err, "stream", gin.H{})
		return 0, false
	}
	return id, true
}
