// Package remote talks to a model server running as a separate process.
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
	"net/url"
	"strconv"
	"time"

	"github.com/technosupport/ts-inventory/internal/detector"
	"github.com/technosupport/ts-inventory/internal/metrics"
)

type Client struct {
	BaseURL    string
	Params     detector.Params
	Quality    int
	HTTPClient *http.Client
}

func NewClient(baseURL string, p detector.Params) *Client {
	return &Client{
		BaseURL: baseURL,
		Params:  p,
		Quality: 90,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// prediction is one element of the server's JSON array.
type prediction struct {
	Class      int       `json:"class"`
	Name       string    `json:"name"`
	Confidence float32   `json:"confidence"`
	Box        []float32 `json:"box"`
	TrackID    int64     `json:"track_id"`
}

func (c *Client) predictURL() string {
	q := url.Values{}
	q.Set("imgsz", strconv.Itoa(c.Params.ImgSize))
	q.Set("conf", strconv.FormatFloat(float64(c.Params.ConfThreshold), 'f', -1, 32))
	q.Set("iou", strconv.FormatFloat(float64(c.Params.IoUThreshold), 'f', -1, 32))
	return c.BaseURL + "/predict?" + q.Encode()
}

func (c *Client) Detect(ctx context.Context, img image.Image) ([]detector.Detection, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.Quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.predictURL(), &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", detector.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	metrics.RecordInferenceLatency("remote", time.Since(start))

	if resp.StatusCode >= 400 {
		sample, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("model server error: status=%d, body=%s", resp.StatusCode, sample)
		if resp.StatusCode == http.StatusServiceUnavailable {
			return nil, fmt.Errorf("%w: %v", detector.ErrUnavailable, err)
		}
		return nil, err
	}

	var preds []prediction
	if err := json.NewDecoder(resp.Body).Decode(&preds); err != nil {
		return nil, fmt.Errorf("decode predictions: %w", err)
	}

	dets := make([]detector.Detection, 0, len(preds))
	for _, p := range preds {
		if len(p.Box) != 4 {
			return nil, fmt.Errorf("prediction box has %d values, want 4", len(p.Box))
		}
		dets = append(dets, detector.Detection{
			ClassID:    p.Class,
			Label:      p.Name,
			Confidence: p.Confidence,
			Box:        detector.Box{X1: p.Box[0], Y1: p.Box[1], X2: p.Box[2], Y2: p.Box[3]},
			TrackID:    p.TrackID,
		})
	}
	return dets, nil
}

func (c *Client) Close() error {
	c.HTTPClient.CloseIdleConnections()
	return nil
}
