// Package executor runs detector invocations under strict per-frame
// time budgets, with retry on detector errors and a shared concurrency
// cap across all jobs.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/roadlens/vru-detection-service/internal/domain/entity"
	"github.com/roadlens/vru-detection-service/internal/domain/port"
	"github.com/roadlens/vru-detection-service/internal/infra/metrics"
)

// Pool caps system-wide inference concurrency. All job supervisors
// share one Pool, so the cap holds regardless of how many jobs run.
type Pool struct {
	sem     chan struct{}
	limiter *rate.Limiter
}

// NewPool builds a pool of size slots. ratePerSec <= 0 disables rate
// limiting.
func NewPool(size int, ratePerSec float64) *Pool {
	if size < 1 {
		size = 1
	}
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), size)
	}
	return &Pool{sem: make(chan struct{}, size), limiter: limiter}
}

func (p *Pool) acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			<-p.sem
			return err
		}
	}
	return nil
}

func (p *Pool) release() { <-p.sem }

// Executor wraps one detection capability.
type Executor struct {
	pool      *Pool
	detector  port.Detector
	timeout   time.Duration
	maxRetry  int
	baseDelay time.Duration
	logger    *zap.Logger
}

type Config struct {
	PerFrameTimeout time.Duration
	MaxRetries      int
	RetryBaseDelay  time.Duration
}

func New(pool *Pool, detector port.Detector, cfg Config, logger *zap.Logger) *Executor {
	if cfg.PerFrameTimeout <= 0 {
		cfg.PerFrameTimeout = entity.DefaultPerFrameTimeout
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = entity.DefaultRetryBaseDelay
	}
	return &Executor{
		pool:      pool,
		detector:  detector,
		timeout:   cfg.PerFrameTimeout,
		maxRetry:  cfg.MaxRetries,
		baseDelay: cfg.RetryBaseDelay,
		logger:    logger,
	}
}

// DetectorID identifies the wrapped capability for result reporting.
func (e *Executor) DetectorID() string { return e.detector.ID() }

type detectOutcome struct {
	detections []entity.RawDetection
	err        error
}

// Infer runs one detector invocation for a sampled frame.
// On per-frame timeout it returns entity.ErrInferenceTimeout; the
// in-flight call is cancelled via its context and any late result is
// discarded as stale. Detector errors are retried with exponential
// backoff before the frame is given up on.
func (e *Executor) Infer(ctx context.Context, frame entity.Frame, data []byte, threshold float64) ([]entity.RawDetection, error) {
	if err := e.pool.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.pool.release()

	var lastErr error
	for attempt := 1; attempt <= e.maxRetry+1; attempt++ {
		detections, err := e.invoke(ctx, frame, data, threshold)
		if err == nil {
			return detections, nil
		}
		if errors.Is(err, entity.ErrInferenceTimeout) || ctx.Err() != nil {
			// Timeouts are not retried: the frame budget is spent.
			return nil, err
		}
		lastErr = err
		if attempt <= e.maxRetry {
			delay := e.backoff(attempt)
			e.logger.Warn("detector error, backing off",
				zap.Int("frame_index", frame.Index),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			metrics.InferenceRetriesTotal.WithLabelValues(strconv.Itoa(attempt)).Inc()
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("detector failed after %d attempts: %w", e.maxRetry+1, lastErr)
}

func (e *Executor) invoke(ctx context.Context, frame entity.Frame, data []byte, threshold float64) ([]entity.RawDetection, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	resCh := make(chan detectOutcome, 1)
	go func() {
		detections, err := e.detector.Detect(callCtx, data, threshold)
		resCh <- detectOutcome{detections: detections, err: err}
	}()

	select {
	case out := <-resCh:
		if out.err != nil {
			if callCtx.Err() == context.DeadlineExceeded {
				return nil, entity.ErrInferenceTimeout
			}
			return nil, out.err
		}
		metrics.InferenceLatency.Observe(time.Since(start).Seconds())
		return out.detections, nil
	case <-callCtx.Done():
		// Cancellation-aware detectors return promptly; the rest are
		// abandoned here and their eventual result is stale.
		go func() {
			<-resCh
			metrics.StaleResultsTotal.Inc()
			e.logger.Debug("discarded stale detector result", zap.Int("frame_index", frame.Index))
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, entity.ErrInferenceTimeout
	}
}

func (e *Executor) backoff(attempt int) time.Duration {
	delay := e.baseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}
