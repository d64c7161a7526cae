package api

import (
	"net/http"

	"github.com/LdDl/ppe-watch/stream"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var errUnknownCamera = errors.New("unknown camera")

// videoFeed writes multipart JPEG stream until client goes away
func (s *Server) videoFeed(c *gin.Context) {
	id, ok := s.cameraParam(c)
	if !ok {
		return
	}
	b, ok := s.broadcasters[id]
	if !ok {
		failure(c, http.StatusNotFound, "No stream for camera", errUnknownCamera, "stream", gin.H{})
		return
	}
	sink := stream.NewChanSink()
	handle := b.Add(sink)
	defer b.Remove(handle)

	mw, err := stream.NewMultipartWriter(c.Writer)
	if err != nil {
		failure(c, http.StatusInternalServerError, "Can't start stream", err, "stream", gin.H{})
		return
	}
	c.Header("Content-Type", stream.ContentType)
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Connection", "close")
	c.Status(http.StatusOK)
	log.Info().Int("camera_id", id).Str("remote", c.ClientIP()).Msg("Viewer connected")

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			log.Info().Int("camera_id", id).Str("remote", c.ClientIP()).Msg("Viewer disconnected")
			return
		case frame := <-sink.Frames():
			if err := mw.WriteFrame(frame); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

// mjpegFeed serves the same frames through hybridgroup/mjpeg handler
func (s *Server) mjpegFeed(c *gin.Context) {
	id, ok := s.cameraParam(c)
	if !ok {
		return
	}
	ms, ok := s.mjpegStreams[id]
	if !ok {
		failure(c, http.StatusNotFound, "No stream for camera", errUnknownCamera, "stream", gin.H{})
		return
	}
	ms.ServeHTTP(c.Writer, c.Request)
}
