package port

import (
	"context"

	"github.com/roadlens/vru-detection-service/internal/domain/entity"
)

// Detector is the single-operation detection capability. Implementations
// that support cancellation honor ctx; the executor abandons the rest on
// deadline and discards their late results as stale.
type Detector interface {
	// ID identifies the capability in results and logs.
	ID() string
	Detect(ctx context.Context, frame []byte, confidenceThreshold float64) ([]entity.RawDetection, error)
}
