// Package detector holds the pluggable detection capabilities: a real
// HTTP model-serving client and a deterministic synthetic stand-in.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/roadlens/vru-detection-service/internal/domain/entity"
)

// HTTPDetector posts frame bytes to a model-serving endpoint and reads
// detections back as JSON. Cancellation-aware: the request carries the
// caller's context, so a per-frame deadline aborts it promptly.
type HTTPDetector struct {
	endpoint string
	client   *http.Client
}

func NewHTTPDetector(endpoint string) *HTTPDetector {
	return &HTTPDetector{
		endpoint: endpoint,
		// No client-level timeout: the per-frame deadline on the
		// request context governs.
		client: &http.Client{Transport: &http.Transport{
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		}},
	}
}

func (d *HTTPDetector) ID() string { return "http:" + d.endpoint }

type wireDetection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
}

func (d *HTTPDetector) Detect(ctx context.Context, frame []byte, confidenceThreshold float64) ([]entity.RawDetection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("build detect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	q := req.URL.Query()
	q.Set("confidence_threshold", strconv.FormatFloat(confidenceThreshold, 'f', -1, 64))
	req.URL.RawQuery = q.Encode()

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detect request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("detect request: status %d: %s", resp.StatusCode, string(body))
	}

	var wire []wireDetection
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode detections: %w", err)
	}

	detections := make([]entity.RawDetection, 0, len(wire))
	for _, w := range wire {
		if w.Confidence < confidenceThreshold {
			continue
		}
		detections = append(detections, entity.RawDetection{
			Class:      w.Class,
			Confidence: w.Confidence,
			Box:        entity.BBox{X1: w.X1, Y1: w.Y1, X2: w.X2, Y2: w.Y2},
		})
	}
	return detections, nil
}
