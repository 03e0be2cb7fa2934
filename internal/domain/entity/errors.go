package entity

import (
	"errors"
	"fmt"
)

// ConfigError rejects an invalid submission synchronously; a job with a
// config error never enters RUNNING.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Reason)
}

// FrameReadError marks a single unreadable frame. The frame is skipped
// and the job continues.
type FrameReadError struct {
	Index int
	Err   error
}

func (e *FrameReadError) Error() string {
	return fmt.Sprintf("read frame %d: %v", e.Index, e.Err)
}

func (e *FrameReadError) Unwrap() error { return e.Err }

// SourceUnavailableError is fatal: the video cannot be opened at all,
// so no partial result is meaningful.
type SourceUnavailableError struct {
	VideoKey string
	Err      error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("video source %q unavailable: %v", e.VideoKey, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

var (
	// ErrInferenceTimeout marks a single detector call that exceeded the
	// per-frame budget. Recoverable: the frame is skipped.
	ErrInferenceTimeout = errors.New("inference timed out")

	// ErrJobTimeout marks the total job budget expiring. The job
	// finalizes as TIMED_OUT with a degraded partial result.
	ErrJobTimeout = errors.New("job time budget exceeded")

	ErrJobNotFound    = errors.New("job not found")
	ErrResultNotReady = errors.New("job has not reached a terminal state")
	ErrRegistryClosed = errors.New("task registry closed")
)
