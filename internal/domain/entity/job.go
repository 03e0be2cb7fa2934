package entity

import (
	"time"

	"github.com/google/uuid"
)

type JobState string

const (
	JobStateQueued     JobState = "QUEUED"
	JobStateRunning    JobState = "RUNNING"
	JobStateFinalizing JobState = "FINALIZING"
	JobStateCompleted  JobState = "COMPLETED"
	JobStateTimedOut   JobState = "TIMED_OUT"
	JobStateFailed     JobState = "FAILED"
	JobStateCancelled  JobState = "CANCELLED"
)

// Terminal reports whether a job in this state will never transition again.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateTimedOut, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// Active reports whether the state participates in per-video-key dedup.
func (s JobState) Active() bool {
	return !s.Terminal()
}

// JobConfig carries every tunable of a single detection run. Zero values
// are filled in by ApplyDefaults before Validate runs.
type JobConfig struct {
	Stride              int           `json:"stride"`
	MaxSamples          int           `json:"max_samples"`
	PerFrameTimeout     time.Duration `json:"per_frame_timeout"`
	TotalTimeout        time.Duration `json:"total_timeout"`
	ConfidenceThreshold float64       `json:"confidence_threshold"`
	TargetClasses       []string      `json:"target_classes"`
	MaxConcurrency      int           `json:"max_concurrency"`
	MinIoU              float64       `json:"min_iou"`
	MaxGap              int           `json:"max_gap"`
	MaxRetries          int           `json:"max_retries"`
	RetryBaseDelay      time.Duration `json:"retry_base_delay"`
	FallbackEnabled     bool          `json:"fallback_enabled"`
}

const (
	DefaultPerFrameTimeout = 15 * time.Second
	DefaultTotalTimeout    = 10 * time.Minute
	DefaultMinIoU          = 0.3
	DefaultMaxGap          = 3
	DefaultMaxConcurrency  = 4
	DefaultMaxRetries      = 2
	DefaultRetryBaseDelay  = 200 * time.Millisecond
)

func (c *JobConfig) ApplyDefaults() {
	if c.Stride == 0 && c.MaxSamples == 0 {
		c.Stride = 1
	}
	if c.PerFrameTimeout == 0 {
		c.PerFrameTimeout = DefaultPerFrameTimeout
	}
	if c.TotalTimeout == 0 {
		c.TotalTimeout = DefaultTotalTimeout
	}
	if c.MinIoU == 0 {
		c.MinIoU = DefaultMinIoU
	}
	if c.MaxGap == 0 {
		c.MaxGap = DefaultMaxGap
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
}

// Validate rejects an invalid submission before the job ever leaves QUEUED.
func (c *JobConfig) Validate() error {
	if c.Stride < 0 || (c.Stride == 0 && c.MaxSamples == 0) {
		return &ConfigError{Field: "stride", Reason: "must be > 0 (or max_samples set)"}
	}
	if c.MaxSamples < 0 {
		return &ConfigError{Field: "max_samples", Reason: "must be > 0 when set"}
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return &ConfigError{Field: "confidence_threshold", Reason: "must be in [0,1]"}
	}
	if c.MinIoU <= 0 || c.MinIoU > 1 {
		return &ConfigError{Field: "min_iou", Reason: "must be in (0,1]"}
	}
	if c.MaxGap < 1 {
		return &ConfigError{Field: "max_gap", Reason: "must be >= 1"}
	}
	if c.MaxConcurrency < 1 {
		return &ConfigError{Field: "max_concurrency", Reason: "must be >= 1"}
	}
	if c.PerFrameTimeout <= 0 {
		return &ConfigError{Field: "per_frame_timeout", Reason: "must be > 0"}
	}
	if c.TotalTimeout <= 0 {
		return &ConfigError{Field: "total_timeout", Reason: "must be > 0"}
	}
	if c.MaxRetries < 0 {
		return &ConfigError{Field: "max_retries", Reason: "must be >= 0"}
	}
	return nil
}

// JobCounters are the frame-accounting counters carried on every
// progress event. Invariant: Processed+Skipped+Failed == Dispatched <= Total.
type JobCounters struct {
	FramesTotal      int `json:"frames_total"`
	FramesDispatched int `json:"frames_dispatched"`
	FramesProcessed  int `json:"frames_processed"`
	FramesSkipped    int `json:"frames_skipped"`
	FramesFailed     int `json:"frames_failed"`
	DetectionsFound  int `json:"detections_found"`
}

// Job is one video-processing run. All mutation goes through the task
// registry's event loop; nothing else touches a Job after submission.
type Job struct {
	ID         uuid.UUID
	VideoKey   string
	Config     JobConfig
	State      JobState
	Counters   JobCounters
	Error      string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

func NewJob(videoKey string, cfg JobConfig) *Job {
	return &Job{
		ID:        uuid.New(),
		VideoKey:  videoKey,
		Config:    cfg,
		State:     JobStateQueued,
		CreatedAt: time.Now().UTC(),
	}
}

func (j *Job) MarkRunning() {
	now := time.Now().UTC()
	j.State = JobStateRunning
	j.StartedAt = &now
}

func (j *Job) MarkFinalizing() {
	j.State = JobStateFinalizing
}

// MarkTerminal moves the job into one of the four terminal states.
func (j *Job) MarkTerminal(state JobState, errMsg string) {
	now := time.Now().UTC()
	j.State = state
	j.Error = errMsg
	j.FinishedAt = &now
}

// Elapsed is the wall-clock run time: start to finish, or start to now
// while the job is still in flight.
func (j *Job) Elapsed() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := time.Now().UTC()
	if j.FinishedAt != nil {
		end = *j.FinishedAt
	}
	return end.Sub(*j.StartedAt)
}
