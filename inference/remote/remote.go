// Package remote talks to model servers over HTTP: frames are posted as JPEG, results come back as JSON.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"time"

	"github.com/LdDl/ppe-watch/inference"
	"github.com/LdDl/ppe-watch/mot"
	"github.com/LdDl/ppe-watch/ppe"
	"github.com/pkg/errors"
)

const (
	defaultTimeout = 5 * time.Second
	jpegQuality    = 90
	maxErrorBody   = 512
)

// Client posts frames to detector and embedder endpoints
type Client struct {
	detectURL string
	embedURL  string
	http      *http.Client
}

// Option configures Client
type Option func(*Client)

// WithHTTPClient replaces default HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		if c != nil {
			client.http = c
		}
	}
}

// WithTimeout sets per-request timeout of default HTTP client
func WithTimeout(timeout time.Duration) Option {
	return func(client *Client) {
		if timeout > 0 {
			client.http = &http.Client{Timeout: timeout}
		}
	}
}

// NewClient creates client. Empty URL disables corresponding model
func NewClient(detectURL, embedURL string, options ...Option) *Client {
	c := &Client{
		detectURL: detectURL,
		embedURL:  embedURL,
		http:      &http.Client{Timeout: defaultTimeout},
	}
	for _, option := range options {
		option(c)
	}
	return c
}

type detectionJSON struct {
	BBox       []float64 `json:"bbox"`
	Class      string    `json:"class"`
	ClassID    *int      `json:"class_id,omitempty"`
	Confidence float64   `json:"confidence"`
}

type detectResponse struct {
	Detections []detectionJSON `json:"detections"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Detect implements inference.Detector. Boxes come as [x1, y1, x2, y2]
func (c *Client) Detect(ctx context.Context, img image.Image) ([]inference.Detection, error) {
	if c.detectURL == "" {
		return nil, errors.New("Detector URL is not set")
	}
	resp := detectResponse{}
	err := c.post(ctx, c.detectURL, img, &resp)
	if err != nil {
		return nil, errors.Wrap(err, "Can't detect")
	}
	detections := make([]inference.Detection, 0, len(resp.Detections))
	for i, det := range resp.Detections {
		if len(det.BBox) != 4 {
			return nil, errors.Errorf("Detection %d has bbox of %d values", i, len(det.BBox))
		}
		class := ppe.ParseClass(det.Class)
		if det.Class == "" && det.ClassID != nil {
			class = ppe.ClassFromIndex(*det.ClassID)
		}
		detections = append(detections, inference.Detection{
			BBox:       mot.NewRectFromCorners(det.BBox[0], det.BBox[1], det.BBox[2], det.BBox[3]),
			Class:      class,
			Confidence: det.Confidence,
		})
	}
	return detections, nil
}

// Embed implements inference.Embedder
func (c *Client) Embed(ctx context.Context, crop image.Image) ([]float64, error) {
	if c.embedURL == "" {
		return nil, errors.New("Embedder URL is not set")
	}
	resp := embedResponse{}
	err := c.post(ctx, c.embedURL, crop, &resp)
	if err != nil {
		return nil, errors.Wrap(err, "Can't embed")
	}
	if len(resp.Embedding) == 0 {
		return nil, errors.New("Empty embedding")
	}
	return resp.Embedding, nil
}

func (c *Client) post(ctx context.Context, url string, img image.Image, out interface{}) error {
	body := bytes.Buffer{}
	err := jpeg.Encode(&body, img, &jpeg.Options{Quality: jpegQuality})
	if err != nil {
		return errors.Wrap(err, "Can't encode image")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return errors.Wrap(err, "Can't prepare request")
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")
	httpResp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "Can't call '%s'", url)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return fmt.Errorf("model server '%s' replied %d: %s", url, httpResp.StatusCode, bytes.TrimSpace(msg))
	}
	err = json.NewDecoder(httpResp.Body).Decode(out)
	if err != nil {
		return errors.Wrap(err, "Can't decode response")
	}
	return nil
}
