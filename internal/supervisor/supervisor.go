// Package supervisor orchestrates a single job run: it opens the frame
// source, dispatches sampled frames to the shared inference pool,
// enforces the total time budget, and drives the job through its state
// machine to a terminal state with a finalized result.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/roadlens/vru-detection-service/internal/aggregate"
	"github.com/roadlens/vru-detection-service/internal/domain/entity"
	"github.com/roadlens/vru-detection-service/internal/domain/port"
	"github.com/roadlens/vru-detection-service/internal/executor"
	"github.com/roadlens/vru-detection-service/internal/infra/metrics"
	"github.com/roadlens/vru-detection-service/internal/registry"
	"github.com/roadlens/vru-detection-service/internal/sampler"
	"github.com/roadlens/vru-detection-service/internal/tracker"
)

// DefaultGracePeriod bounds how long in-flight frames may run on after
// the total budget expires or cancellation is observed.
const DefaultGracePeriod = 2 * time.Second

type Supervisor struct {
	registry *registry.Registry
	pool     *executor.Pool
	detector port.Detector
	opener   port.FrameSourceOpener
	grace    time.Duration
	logger   *zap.Logger
}

func New(reg *registry.Registry, pool *executor.Pool, detector port.Detector, opener port.FrameSourceOpener, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		registry: reg,
		pool:     pool,
		detector: detector,
		opener:   opener,
		grace:    DefaultGracePeriod,
		logger:   logger,
	}
}

// SetGracePeriod overrides the in-flight grace period (tests mostly).
func (s *Supervisor) SetGracePeriod(d time.Duration) { s.grace = d }

type outcomeKind int

const (
	outcomeProcessed outcomeKind = iota
	outcomeSkipped
	outcomeFailed
)

type frameOutcome struct {
	ordinal    int
	frame      entity.Frame
	kind       outcomeKind
	readFailed bool
	detections []entity.RawDetection
}

// Run executes one job to completion. cancel is the registry's
// cooperative cancellation signal, checked before every dispatch.
func (s *Supervisor) Run(ctx context.Context, job *entity.Job, cancel <-chan struct{}) {
	tracer := otel.Tracer("supervisor")
	ctx, span := tracer.Start(ctx, "job.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("job.video_key", job.VideoKey),
	)

	log := s.logger.With(zap.String("job_id", job.ID.String()), zap.String("video_key", job.VideoKey))
	cfg := job.Config
	start := time.Now()

	_ = s.registry.Update(job.ID, func(j *entity.Job) { j.MarkRunning() })

	src, err := s.opener.Open(ctx, job.VideoKey)
	if err != nil {
		// The only transition that bypasses FINALIZING: no partial
		// result is meaningful when the source cannot be opened.
		srcErr := &entity.SourceUnavailableError{VideoKey: job.VideoKey, Err: err}
		log.Error("source unavailable", zap.Error(err))
		s.finish(job, entity.JobStateFailed, srcErr.Error(), nil, 0, false, time.Since(start))
		return
	}
	defer src.Close()

	plan, err := sampler.New(src.FrameCount(), src.FPS(), cfg.Stride, cfg.MaxSamples)
	if err != nil {
		s.finish(job, entity.JobStateFailed, err.Error(), nil, 0, false, time.Since(start))
		return
	}
	frames := plan.Frames()
	_ = s.registry.Update(job.ID, func(j *entity.Job) { j.Counters.FramesTotal = len(frames) })
	log.Info("job running",
		zap.Int("frames_total", len(frames)),
		zap.Int("stride", plan.Stride()),
		zap.Duration("total_timeout", cfg.TotalTimeout),
	)

	exec := executor.New(s.pool, s.detector, executor.Config{
		PerFrameTimeout: cfg.PerFrameTimeout,
		MaxRetries:      cfg.MaxRetries,
		RetryBaseDelay:  cfg.RetryBaseDelay,
	}, log)

	// The budget context only gates new dispatches; in-flight frames
	// run on workCtx so they get the grace period, not an instant cut.
	budgetCtx, budgetCancel := context.WithTimeout(ctx, cfg.TotalTimeout)
	defer budgetCancel()
	workCtx, workCancel := context.WithCancel(ctx)
	defer workCancel()

	corr := tracker.New(cfg.MinIoU, cfg.MaxGap)
	outCh := make(chan frameOutcome)
	collected := s.collect(job, corr, outCh)

	jobSem := make(chan struct{}, cfg.MaxConcurrency)
	var wg sync.WaitGroup
	var timedOut, cancelled bool

dispatch:
	for i, fr := range frames {
		// The flag check happens before every dispatch: once the budget
		// fires or cancellation is observed, no new frames go out.
		select {
		case <-cancel:
			cancelled = true
			break dispatch
		case <-budgetCtx.Done():
			timedOut = budgetCtx.Err() == context.DeadlineExceeded
			cancelled = !timedOut
			break dispatch
		default:
		}
		select {
		case <-cancel:
			cancelled = true
			break dispatch
		case <-budgetCtx.Done():
			timedOut = budgetCtx.Err() == context.DeadlineExceeded
			cancelled = !timedOut
			break dispatch
		case jobSem <- struct{}{}:
		}

		_ = s.registry.Update(job.ID, func(j *entity.Job) { j.Counters.FramesDispatched++ })
		wg.Add(1)
		go func(ordinal int, fr entity.Frame) {
			defer wg.Done()
			defer func() { <-jobSem }()
			outCh <- s.processFrame(workCtx, exec, src, cfg, fr, ordinal, log)
		}(i, fr)
	}

	if timedOut || cancelled {
		// Short grace for in-flight frames, then hard-cancel them.
		graceTimer := time.AfterFunc(s.grace, workCancel)
		defer graceTimer.Stop()
	}
	wg.Wait()
	close(outCh)
	sum := <-collected

	if timedOut {
		log.Warn("total time budget exceeded", zap.Error(entity.ErrJobTimeout),
			zap.Int("frames_dispatched", sum.dispatchedSeen))
	}

	// All sampled frames unreadable with nothing processed: the source
	// is de facto unusable, same fatal bucket as an open failure.
	if !timedOut && !cancelled && len(frames) > 0 && sum.readFailures == len(frames) {
		s.finish(job, entity.JobStateFailed, "all sampled frames unreadable", nil, 0, false, time.Since(start))
		return
	}

	_ = s.registry.Update(job.ID, func(j *entity.Job) { j.MarkFinalizing() })

	corr.CloseAll()
	tracks := corr.Tracks()

	state := entity.JobStateCompleted
	switch {
	case cancelled:
		state = entity.JobStateCancelled
	case timedOut:
		state = entity.JobStateTimedOut
	}
	degraded := timedOut || cancelled || sum.skipped+sum.failed > 0

	s.finish(job, state, "", tracks, corr.Accepted(), degraded, time.Since(start))
	log.Info("job finished",
		zap.String("state", string(state)),
		zap.Int("tracks", len(tracks)),
		zap.Int("frames_processed", sum.processed),
		zap.Int("frames_skipped", sum.skipped),
		zap.Int("frames_failed", sum.failed),
		zap.Duration("elapsed", time.Since(start)),
	)
}

type collectSummary struct {
	processed      int
	skipped        int
	failed         int
	readFailures   int
	dispatchedSeen int
}

// collect drains frame outcomes, feeds the correlator in strictly
// increasing frame-index order regardless of completion order, and
// keeps the registry counters current.
func (s *Supervisor) collect(job *entity.Job, corr *tracker.Correlator, outCh <-chan frameOutcome) <-chan collectSummary {
	done := make(chan collectSummary, 1)
	go func() {
		var sum collectSummary
		pending := make(map[int]frameOutcome)
		watermark := 0

		feed := func(o frameOutcome) {
			if o.kind == outcomeProcessed {
				corr.Observe(o.frame.Index, o.detections)
				metrics.DetectionsAcceptedTotal.Add(float64(len(o.detections)))
			}
		}

		for o := range outCh {
			sum.dispatchedSeen++
			switch o.kind {
			case outcomeProcessed:
				sum.processed++
				metrics.FrameOutcomesTotal.WithLabelValues("processed").Inc()
			case outcomeSkipped:
				sum.skipped++
				metrics.FrameOutcomesTotal.WithLabelValues("skipped").Inc()
				if o.readFailed {
					sum.readFailures++
				}
			case outcomeFailed:
				sum.failed++
				metrics.FrameOutcomesTotal.WithLabelValues("failed").Inc()
			}

			detections := len(o.detections)
			kind := o.kind
			_ = s.registry.Update(job.ID, func(j *entity.Job) {
				switch kind {
				case outcomeProcessed:
					j.Counters.FramesProcessed++
					j.Counters.DetectionsFound += detections
				case outcomeSkipped:
					j.Counters.FramesSkipped++
				case outcomeFailed:
					j.Counters.FramesFailed++
				}
			})

			pending[o.ordinal] = o
			for {
				next, ok := pending[watermark]
				if !ok {
					break
				}
				delete(pending, watermark)
				feed(next)
				watermark++
			}
		}

		// Early termination leaves holes; feed the stragglers that did
		// complete, still in increasing ordinal order.
		for ord := watermark; len(pending) > 0; ord++ {
			if o, ok := pending[ord]; ok {
				feed(o)
				delete(pending, ord)
			}
		}
		done <- sum
	}()
	return done
}

func (s *Supervisor) processFrame(ctx context.Context, exec *executor.Executor, src port.FrameSource, cfg entity.JobConfig, fr entity.Frame, ordinal int, log *zap.Logger) frameOutcome {
	tracer := otel.Tracer("supervisor")
	ctx, span := tracer.Start(ctx, "frame.infer")
	defer span.End()
	span.SetAttributes(attribute.Int("frame.index", fr.Index))

	out := frameOutcome{ordinal: ordinal, frame: fr}

	data, err := src.Frame(ctx, fr.Index)
	if err != nil {
		readErr := &entity.FrameReadError{Index: fr.Index, Err: err}
		log.Warn("frame unreadable, skipping", zap.Int("frame_index", fr.Index), zap.Error(readErr))
		out.kind = outcomeSkipped
		out.readFailed = true
		return out
	}

	detections, err := exec.Infer(ctx, fr, data, cfg.ConfidenceThreshold)
	switch {
	case err == nil:
		out.kind = outcomeProcessed
		out.detections = filterClasses(detections, cfg.TargetClasses)
	case errors.Is(err, entity.ErrInferenceTimeout), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Warn("frame inference timed out, skipping", zap.Int("frame_index", fr.Index))
		out.kind = outcomeSkipped
	default:
		log.Error("frame inference failed", zap.Int("frame_index", fr.Index), zap.Error(err))
		out.kind = outcomeFailed
	}
	return out
}

func filterClasses(detections []entity.RawDetection, classes []string) []entity.RawDetection {
	if len(classes) == 0 {
		return detections
	}
	allowed := make(map[string]bool, len(classes))
	for _, c := range classes {
		allowed[c] = true
	}
	// The detector owns its slice and may hand out cached memory; never
	// filter in place.
	out := make([]entity.RawDetection, 0, len(detections))
	for _, d := range detections {
		if allowed[d.Class] {
			out = append(out, d)
		}
	}
	return out
}

// finish runs the terminal transition and publishes the finalized
// result. Every terminal state gets a structurally valid JobResult.
func (s *Supervisor) finish(job *entity.Job, state entity.JobState, errMsg string, tracks []entity.Track, accepted int, degraded bool, elapsed time.Duration) {
	// Aggregate from the registry's copy: counters were mutated on the
	// event loop, not on our local pointer. The result is stored before
	// the terminal event goes out, so anyone reacting to that event
	// finds the result already in place.
	final, err := s.registry.JobCopy(job.ID)
	if err != nil {
		final = *job
	}
	final.MarkTerminal(state, errMsg)

	result := aggregate.Build(aggregate.Input{
		Job:        &final,
		Tracks:     tracks,
		Accepted:   accepted,
		Degraded:   degraded,
		DetectorID: s.detector.ID(),
		Elapsed:    elapsed,
	})
	_ = s.registry.SetResult(job.ID, result)
	_ = s.registry.Update(job.ID, func(j *entity.Job) { j.MarkTerminal(state, errMsg) })
}
