// Package relay bridges the registry's firehose to the outside world:
// progress events to AMQP, job rows and final results to the store.
// Everything here is downstream of the core; a relay failure degrades
// observability and history, never the pipeline itself.
package relay

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/roadlens/vru-detection-service/internal/domain/entity"
	"github.com/roadlens/vru-detection-service/internal/domain/port"
	"github.com/roadlens/vru-detection-service/internal/registry"
)

type Relay struct {
	registry *registry.Registry
	progress port.ProgressPublisher
	results  port.ResultPublisher
	recorder port.JobRecorder
	logger   *zap.Logger
}

func New(
	reg *registry.Registry,
	progress port.ProgressPublisher,
	results port.ResultPublisher,
	recorder port.JobRecorder,
	logger *zap.Logger,
) *Relay {
	return &Relay{
		registry: reg,
		progress: progress,
		results:  results,
		recorder: recorder,
		logger:   logger,
	}
}

// Run consumes the firehose until ctx ends or the registry closes. If
// the subscription is dropped for falling behind, it re-subscribes and
// carries on; per-job sequence numbers keep downstream consumers safe
// against the resulting duplicates.
func (r *Relay) Run(ctx context.Context) {
	for {
		sub, err := r.registry.SubscribeFirehose(1024)
		if err != nil {
			r.logger.Info("relay stopping, registry closed")
			return
		}
		if !r.drain(ctx, sub) {
			return
		}
		r.logger.Warn("relay firehose dropped, re-subscribing")
	}
}

// drain returns false when ctx ended, true when the channel closed and
// a re-subscribe is wanted.
func (r *Relay) drain(ctx context.Context, sub *registry.Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			r.registry.Unsubscribe(sub)
			return false
		case ev, ok := <-sub.C:
			if !ok {
				return true
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Relay) handle(ctx context.Context, ev entity.ProgressEvent) {
	log := r.logger.With(zap.String("job_id", ev.JobID.String()), zap.Uint64("seq", ev.Seq))

	if data, err := json.Marshal(ev); err == nil {
		if err := r.progress.PublishProgress(ctx, data); err != nil {
			log.Warn("failed to publish progress event", zap.Error(err))
		}
	}

	job, err := r.registry.JobCopy(ev.JobID)
	if err != nil {
		log.Warn("job vanished before recording", zap.Error(err))
		return
	}
	if err := r.recorder.RecordEvent(ctx, &job, ev); err != nil {
		log.Warn("failed to record progress event", zap.Error(err))
	}

	if !ev.State.Terminal() {
		return
	}

	// Terminal event: the supervisor sets the result right after the
	// transition, so poll-free best effort is fine here.
	result, err := r.registry.Result(ev.JobID)
	if err != nil {
		log.Warn("terminal event without result", zap.Error(err))
		return
	}
	if data, err := json.Marshal(result); err == nil {
		if err := r.results.PublishResult(ctx, data); err != nil {
			log.Warn("failed to publish result", zap.Error(err))
		}
	}
	if err := r.recorder.RecordResult(ctx, result); err != nil {
		log.Warn("failed to record result", zap.Error(err))
	}
}
