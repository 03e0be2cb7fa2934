// Package registry is the single source of truth for job state. One
// serialized event loop owns every mutation; everything else talks to
// it via message passing, so shared job state needs no locking.
package registry

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roadlens/vru-detection-service/internal/domain/entity"
	"github.com/roadlens/vru-detection-service/internal/infra/metrics"
)

// subscriberBuffer is the default per-subscription channel depth. A
// subscription that falls further behind is closed; the subscriber
// re-subscribes from its last seen sequence number.
const subscriberBuffer = 64

type jobRecord struct {
	job     *entity.Job
	seq     uint64
	journal []entity.ProgressEvent
	result  *entity.JobResult
	cancel  chan struct{}
	subs    map[int]*Subscription
}

// Registry is the task registry / progress publisher.
type Registry struct {
	cmds   chan func()
	closed chan struct{}
	logger *zap.Logger

	// Owned by the event loop; never touched from outside it.
	jobs        map[uuid.UUID]*jobRecord
	activeByKey map[string]uuid.UUID
	firehose    map[int]*Subscription
	nextSub     int
}

func New(logger *zap.Logger) *Registry {
	r := &Registry{
		cmds:        make(chan func(), 128),
		closed:      make(chan struct{}),
		logger:      logger,
		jobs:        make(map[uuid.UUID]*jobRecord),
		activeByKey: make(map[string]uuid.UUID),
		firehose:    make(map[int]*Subscription),
	}
	go r.loop()
	return r
}

func (r *Registry) loop() {
	for {
		select {
		case cmd := <-r.cmds:
			cmd()
		case <-r.closed:
			for {
				select {
				case cmd := <-r.cmds:
					cmd()
				default:
					r.dropAllSubscribers()
					return
				}
			}
		}
	}
}

func (r *Registry) dropAllSubscribers() {
	for _, rec := range r.jobs {
		for id, sub := range rec.subs {
			close(sub.ch)
			delete(rec.subs, id)
		}
	}
	for id, sub := range r.firehose {
		close(sub.ch)
		delete(r.firehose, id)
	}
}

// do runs fn on the event loop and waits for it.
func (r *Registry) do(fn func()) error {
	done := make(chan struct{})
	select {
	case r.cmds <- func() { fn(); close(done) }:
	case <-r.closed:
		return entity.ErrRegistryClosed
	}
	select {
	case <-done:
		return nil
	case <-r.closed:
		return entity.ErrRegistryClosed
	}
}

// Close stops the event loop and closes every subscription channel.
func (r *Registry) Close() {
	select {
	case <-r.closed:
	default:
		close(r.closed)
	}
}

// Handle is what Submit returns: the job to run plus its cancellation
// signal. For a deduplicated submission Existing is true and Cancel is
// the channel of the job already in flight.
type Handle struct {
	JobID    uuid.UUID
	Existing bool
	Cancel   <-chan struct{}
}

// Submit registers a job, enforcing at most one active job per video
// key: re-submitting an active key returns the existing handle instead
// of creating a second job.
func (r *Registry) Submit(job *entity.Job) (Handle, error) {
	var h Handle
	err := r.do(func() {
		if id, ok := r.activeByKey[job.VideoKey]; ok {
			h = Handle{JobID: id, Existing: true, Cancel: r.jobs[id].cancel}
			return
		}
		rec := &jobRecord{
			job:    job,
			cancel: make(chan struct{}),
			subs:   make(map[int]*Subscription),
		}
		r.jobs[job.ID] = rec
		r.activeByKey[job.VideoKey] = job.ID
		h = Handle{JobID: job.ID, Cancel: rec.cancel}
		metrics.ActiveJobs.Inc()
		r.emit(rec)
	})
	return h, err
}

// Update applies a mutation to the job on the event loop and emits a
// progress event. Terminal transitions release the video-key dedup slot.
func (r *Registry) Update(jobID uuid.UUID, mutate func(*entity.Job)) error {
	var opErr error
	err := r.do(func() {
		rec, ok := r.jobs[jobID]
		if !ok {
			opErr = entity.ErrJobNotFound
			return
		}
		wasActive := rec.job.State.Active()
		mutate(rec.job)
		if wasActive && rec.job.State.Terminal() {
			delete(r.activeByKey, rec.job.VideoKey)
			metrics.ActiveJobs.Dec()
			metrics.JobsFinishedTotal.WithLabelValues(string(rec.job.State)).Inc()
		}
		r.emit(rec)
	})
	if err != nil {
		return err
	}
	return opErr
}

// Snapshot answers a point query by job ID.
func (r *Registry) Snapshot(jobID uuid.UUID) (entity.StatusSnapshot, error) {
	var snap entity.StatusSnapshot
	var opErr error
	err := r.do(func() {
		rec, ok := r.jobs[jobID]
		if !ok {
			opErr = entity.ErrJobNotFound
			return
		}
		snap = entity.StatusSnapshot{
			JobID:           rec.job.ID,
			VideoKey:        rec.job.VideoKey,
			State:           rec.job.State,
			FramesProcessed: rec.job.Counters.FramesProcessed,
			FramesTotal:     rec.job.Counters.FramesTotal,
			DetectionsFound: rec.job.Counters.DetectionsFound,
			ElapsedMS:       rec.job.Elapsed().Milliseconds(),
			Error:           rec.job.Error,
		}
	})
	if err != nil {
		return snap, err
	}
	return snap, opErr
}

// JobCopy returns a snapshot copy of the full job entity.
func (r *Registry) JobCopy(jobID uuid.UUID) (entity.Job, error) {
	var job entity.Job
	var opErr error
	err := r.do(func() {
		rec, ok := r.jobs[jobID]
		if !ok {
			opErr = entity.ErrJobNotFound
			return
		}
		job = *rec.job
	})
	if err != nil {
		return job, err
	}
	return job, opErr
}

// Cancel requests cooperative cancellation. Best-effort: the supervisor
// observes the signal at its next dispatch boundary. Cancelling an
// unknown job is an error; cancelling a finished one is a no-op.
func (r *Registry) Cancel(jobID uuid.UUID) error {
	var opErr error
	err := r.do(func() {
		rec, ok := r.jobs[jobID]
		if !ok {
			opErr = entity.ErrJobNotFound
			return
		}
		if rec.job.State.Terminal() {
			return
		}
		select {
		case <-rec.cancel:
		default:
			close(rec.cancel)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// SetResult stores the finalized result. Called exactly once per job by
// the supervisor, after the terminal transition.
func (r *Registry) SetResult(jobID uuid.UUID, result *entity.JobResult) error {
	var opErr error
	err := r.do(func() {
		rec, ok := r.jobs[jobID]
		if !ok {
			opErr = entity.ErrJobNotFound
			return
		}
		rec.result = result
	})
	if err != nil {
		return err
	}
	return opErr
}

// Result returns the finalized result, or ErrResultNotReady while the
// job is still in flight.
func (r *Registry) Result(jobID uuid.UUID) (*entity.JobResult, error) {
	var res *entity.JobResult
	var opErr error
	err := r.do(func() {
		rec, ok := r.jobs[jobID]
		if !ok {
			opErr = entity.ErrJobNotFound
			return
		}
		if rec.result == nil {
			opErr = entity.ErrResultNotReady
			return
		}
		res = rec.result
	})
	if err != nil {
		return nil, err
	}
	return res, opErr
}

// emit appends the next progress event to the job's journal and fans it
// out. Runs on the event loop.
func (r *Registry) emit(rec *jobRecord) {
	rec.seq++
	ev := entity.ProgressEvent{
		JobID:     rec.job.ID,
		Seq:       rec.seq,
		State:     rec.job.State,
		Counters:  rec.job.Counters,
		Error:     rec.job.Error,
		Timestamp: time.Now().UTC(),
	}
	rec.journal = append(rec.journal, ev)
	metrics.ProgressEventsTotal.Inc()

	for id, sub := range rec.subs {
		if !sub.push(ev) {
			delete(rec.subs, id)
			r.dropSubscriber(sub)
		}
	}
	for id, sub := range r.firehose {
		if !sub.push(ev) {
			delete(r.firehose, id)
			r.dropSubscriber(sub)
		}
	}

	// Nothing follows a terminal event with its result in place; close
	// the job's subscriptions so range loops over them terminate.
	if rec.job.State.Terminal() && rec.result != nil {
		for id, sub := range rec.subs {
			delete(rec.subs, id)
			close(sub.ch)
		}
	}
}

func (r *Registry) dropSubscriber(sub *Subscription) {
	close(sub.ch)
	metrics.SubscriberDropsTotal.Inc()
	r.logger.Warn("progress subscriber dropped, buffer overflow",
		zap.String("job_id", sub.jobID.String()),
		zap.Int("subscription_id", sub.id),
	)
}
