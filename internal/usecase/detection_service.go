// Package usecase exposes the detection pipeline as one service facade
// shared by the HTTP gateway, the AMQP consumer and the CLI.
package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/roadlens/vru-detection-service/internal/domain/entity"
	"github.com/roadlens/vru-detection-service/internal/domain/port"
	"github.com/roadlens/vru-detection-service/internal/executor"
	"github.com/roadlens/vru-detection-service/internal/registry"
	"github.com/roadlens/vru-detection-service/internal/supervisor"
)

// Defaults are the service-level submission defaults layered under
// whatever the caller provides, typically loaded from a detection
// profile.
type Defaults struct {
	ConfidenceThreshold float64
	TargetClasses       []string
	MinIoU              float64
	MaxGap              int
	MaxRetries          int
	RetryBaseDelay      time.Duration
	FallbackEnabled     bool
}

type DetectionService struct {
	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	defaults   Defaults
	logger     *zap.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func NewDetectionService(
	reg *registry.Registry,
	pool *executor.Pool,
	detector port.Detector,
	opener port.FrameSourceOpener,
	defaults Defaults,
	logger *zap.Logger,
) *DetectionService {
	baseCtx, stop := context.WithCancel(context.Background())
	return &DetectionService{
		registry:   reg,
		supervisor: supervisor.New(reg, pool, detector, opener, logger),
		defaults:   defaults,
		logger:     logger,
		baseCtx:    baseCtx,
		stop:       stop,
	}
}

// Supervisor exposes the underlying supervisor for tuning (tests).
func (s *DetectionService) Supervisor() *supervisor.Supervisor { return s.supervisor }

func (s *DetectionService) buildConfig(msg entity.SubmitMessage) entity.JobConfig {
	cfg := entity.JobConfig{
		Stride:              msg.Stride,
		MaxSamples:          msg.MaxSamples,
		PerFrameTimeout:     time.Duration(msg.PerFrameTimeoutMS) * time.Millisecond,
		TotalTimeout:        time.Duration(msg.TotalTimeoutMS) * time.Millisecond,
		ConfidenceThreshold: msg.ConfidenceThreshold,
		TargetClasses:       msg.TargetClasses,
		MaxConcurrency:      msg.MaxConcurrency,
		MinIoU:              s.defaults.MinIoU,
		MaxGap:              s.defaults.MaxGap,
		MaxRetries:          s.defaults.MaxRetries,
		RetryBaseDelay:      s.defaults.RetryBaseDelay,
		FallbackEnabled:     s.defaults.FallbackEnabled,
	}
	if msg.FallbackEnabled != nil {
		cfg.FallbackEnabled = *msg.FallbackEnabled
	}
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = s.defaults.ConfidenceThreshold
	}
	if len(cfg.TargetClasses) == 0 {
		cfg.TargetClasses = s.defaults.TargetClasses
	}
	cfg.ApplyDefaults()
	return cfg
}

// Submit validates the request and starts a supervisor for the job.
// Invalid config is rejected synchronously with *entity.ConfigError and
// the job never enters RUNNING. Re-submitting an active video key
// returns the existing job with Deduplicated set.
func (s *DetectionService) Submit(ctx context.Context, msg entity.SubmitMessage) (entity.SubmitAck, error) {
	tracer := otel.Tracer("usecase")
	_, span := tracer.Start(ctx, "DetectionService.Submit")
	defer span.End()

	if msg.VideoKey == "" {
		return entity.SubmitAck{}, &entity.ConfigError{Field: "video_key", Reason: "must not be empty"}
	}
	cfg := s.buildConfig(msg)
	if err := cfg.Validate(); err != nil {
		return entity.SubmitAck{}, err
	}

	job := entity.NewJob(msg.VideoKey, cfg)
	h, err := s.registry.Submit(job)
	if err != nil {
		return entity.SubmitAck{}, fmt.Errorf("register job: %w", err)
	}
	span.SetAttributes(attribute.String("job.id", h.JobID.String()))
	if h.Existing {
		s.logger.Info("duplicate submission, returning active job",
			zap.String("video_key", msg.VideoKey),
			zap.String("job_id", h.JobID.String()),
		)
		return entity.SubmitAck{JobID: h.JobID, Deduplicated: true}, nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.supervisor.Run(s.baseCtx, job, h.Cancel)
	}()

	return entity.SubmitAck{JobID: h.JobID}, nil
}

func (s *DetectionService) Status(_ context.Context, jobID uuid.UUID) (entity.StatusSnapshot, error) {
	return s.registry.Snapshot(jobID)
}

func (s *DetectionService) Subscribe(_ context.Context, jobID uuid.UUID, fromSeq uint64) (*registry.Subscription, error) {
	return s.registry.Subscribe(jobID, fromSeq)
}

func (s *DetectionService) Unsubscribe(sub *registry.Subscription) {
	s.registry.Unsubscribe(sub)
}

func (s *DetectionService) Cancel(_ context.Context, jobID uuid.UUID) error {
	return s.registry.Cancel(jobID)
}

// Result is valid only once the job reached a terminal state.
func (s *DetectionService) Result(_ context.Context, jobID uuid.UUID) (*entity.JobResult, error) {
	return s.registry.Result(jobID)
}

// Shutdown stops new frame dispatches and waits for running jobs, up to
// the context deadline.
func (s *DetectionService) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}
