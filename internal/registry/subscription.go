package registry

import (
	"github.com/google/uuid"

	"github.com/roadlens/vru-detection-service/internal/domain/entity"
)

// Subscription is an ordered, at-least-once progress stream. Events
// carry a per-job monotonic sequence number; consumers drop anything at
// or below the last sequence they saw. The channel is closed when the
// subscription is cancelled, overflows, or the registry shuts down —
// on overflow, re-subscribe from the last seen sequence.
type Subscription struct {
	C <-chan entity.ProgressEvent

	ch    chan entity.ProgressEvent
	id    int
	jobID uuid.UUID // uuid.Nil for firehose subscriptions
}

// push delivers without blocking the event loop. A full buffer means
// the subscriber lost the race; it gets closed and re-subscribes.
func (s *Subscription) push(ev entity.ProgressEvent) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// Subscribe streams a job's progress. Journal entries with Seq > fromSeq
// are replayed first, then live events follow; fromSeq 0 replays the
// full journal, making reconnects seamless.
func (r *Registry) Subscribe(jobID uuid.UUID, fromSeq uint64) (*Subscription, error) {
	var sub *Subscription
	var opErr error
	err := r.do(func() {
		rec, ok := r.jobs[jobID]
		if !ok {
			opErr = entity.ErrJobNotFound
			return
		}
		var replay []entity.ProgressEvent
		for _, ev := range rec.journal {
			if ev.Seq > fromSeq {
				replay = append(replay, ev)
			}
		}
		r.nextSub++
		sub = &Subscription{
			ch:    make(chan entity.ProgressEvent, len(replay)+subscriberBuffer),
			id:    r.nextSub,
			jobID: jobID,
		}
		sub.C = sub.ch
		for _, ev := range replay {
			sub.ch <- ev
		}
		if rec.job.State.Terminal() && rec.result != nil {
			// Nothing further will ever be emitted.
			close(sub.ch)
			return
		}
		rec.subs[sub.id] = sub
	})
	if err != nil {
		return nil, err
	}
	return sub, opErr
}

// SubscribeFirehose streams every job's progress events, without
// replay. Used by the AMQP publisher and the store recorder.
func (r *Registry) SubscribeFirehose(buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = subscriberBuffer
	}
	var sub *Subscription
	err := r.do(func() {
		r.nextSub++
		sub = &Subscription{
			ch: make(chan entity.ProgressEvent, buffer),
			id: r.nextSub,
		}
		sub.C = sub.ch
		r.firehose[sub.id] = sub
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Unsubscribe detaches and closes the subscription. Safe to call after
// the registry already dropped it.
func (r *Registry) Unsubscribe(sub *Subscription) {
	_ = r.do(func() {
		if sub.jobID != uuid.Nil {
			if rec, ok := r.jobs[sub.jobID]; ok {
				if _, attached := rec.subs[sub.id]; attached {
					delete(rec.subs, sub.id)
					close(sub.ch)
				}
			}
			return
		}
		if _, attached := r.firehose[sub.id]; attached {
			delete(r.firehose, sub.id)
			close(sub.ch)
		}
	})
}
