package port

import (
	"context"

	"github.com/google/uuid"
	"github.com/roadlens/vru-detection-service/internal/domain/entity"
)

// JobRecorder mirrors job progress into the external store. It is an
// event subscriber, not part of the core: the registry stays the single
// source of truth while a job is live.
type JobRecorder interface {
	RecordEvent(ctx context.Context, job *entity.Job, ev entity.ProgressEvent) error
	RecordResult(ctx context.Context, result *entity.JobResult) error
	FindByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
}
