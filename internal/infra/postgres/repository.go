package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roadlens/vru-detection-service/internal/domain/entity"
)

// JobRecorder persists job progress and results into detection_jobs.
// It trails the in-memory registry; the row is an audit/history record,
// not the live source of truth.
type JobRecorder struct {
	pool *pgxpool.Pool
}

func NewJobRecorder(pool *pgxpool.Pool) *JobRecorder {
	return &JobRecorder{pool: pool}
}

// RecordEvent upserts the job row at the event's sequence number.
// Stale replays (seq <= last_seq) are ignored, keeping the row
// monotonic under at-least-once delivery.
func (r *JobRecorder) RecordEvent(ctx context.Context, job *entity.Job, ev entity.ProgressEvent) error {
	query := `
		INSERT INTO detection_jobs (
			id, video_key, state, last_seq, frames_total, frames_dispatched,
			frames_processed, frames_skipped, frames_failed, detections_found,
			error_message, created_at, started_at, finished_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			state=EXCLUDED.state, last_seq=EXCLUDED.last_seq,
			frames_total=EXCLUDED.frames_total,
			frames_dispatched=EXCLUDED.frames_dispatched,
			frames_processed=EXCLUDED.frames_processed,
			frames_skipped=EXCLUDED.frames_skipped,
			frames_failed=EXCLUDED.frames_failed,
			detections_found=EXCLUDED.detections_found,
			error_message=EXCLUDED.error_message,
			started_at=EXCLUDED.started_at,
			finished_at=EXCLUDED.finished_at
		WHERE detection_jobs.last_seq < EXCLUDED.last_seq`

	_, err := r.pool.Exec(ctx, query,
		job.ID, job.VideoKey, string(ev.State), ev.Seq,
		ev.Counters.FramesTotal, ev.Counters.FramesDispatched,
		ev.Counters.FramesProcessed, ev.Counters.FramesSkipped,
		ev.Counters.FramesFailed, ev.Counters.DetectionsFound,
		ev.Error, job.CreatedAt, job.StartedAt, job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// RecordResult stores the finalized result document as JSONB.
func (r *JobRecorder) RecordResult(ctx context.Context, result *entity.JobResult) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`UPDATE detection_jobs SET result=$2 WHERE id=$1`,
		result.JobID, doc,
	)
	if err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	return nil
}

func (r *JobRecorder) FindByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	query := `
		SELECT id, video_key, state, frames_total, frames_dispatched,
			frames_processed, frames_skipped, frames_failed, detections_found,
			error_message, created_at, started_at, finished_at
		FROM detection_jobs WHERE id=$1`

	job := &entity.Job{}
	var state string
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&job.ID, &job.VideoKey, &state,
		&job.Counters.FramesTotal, &job.Counters.FramesDispatched,
		&job.Counters.FramesProcessed, &job.Counters.FramesSkipped,
		&job.Counters.FramesFailed, &job.Counters.DetectionsFound,
		&job.Error, &job.CreatedAt, &job.StartedAt, &job.FinishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("find job by id: %w", err)
	}
	job.State = entity.JobState(state)
	return job, nil
}
