package entity

import "github.com/google/uuid"

// SubmitMessage is the inbound message from the video.detect.submit queue.
// Duration fields are milliseconds on the wire. FallbackEnabled is
// tri-state: nil defers to the service's profile default, an explicit
// value overrides it either way.
type SubmitMessage struct {
	VideoKey            string   `json:"video_key"`
	Stride              int      `json:"stride,omitempty"`
	MaxSamples          int      `json:"max_samples,omitempty"`
	PerFrameTimeoutMS   int64    `json:"per_frame_timeout_ms,omitempty"`
	TotalTimeoutMS      int64    `json:"total_timeout_ms,omitempty"`
	ConfidenceThreshold float64  `json:"confidence_threshold,omitempty"`
	TargetClasses       []string `json:"target_classes,omitempty"`
	MaxConcurrency      int      `json:"max_concurrency,omitempty"`
	FallbackEnabled     *bool    `json:"fallback_enabled,omitempty"`
}

// SubmitAck is the reply shape shared by the HTTP gateway and the CLI.
type SubmitAck struct {
	JobID        uuid.UUID `json:"job_id"`
	Deduplicated bool      `json:"deduplicated"`
}

// StatusSnapshot is the point-query answer for one job.
type StatusSnapshot struct {
	JobID           uuid.UUID `json:"job_id"`
	VideoKey        string    `json:"video_key"`
	State           JobState  `json:"state"`
	FramesProcessed int       `json:"frames_processed"`
	FramesTotal     int       `json:"frames_total"`
	DetectionsFound int       `json:"detections_found"`
	ElapsedMS       int64     `json:"elapsed_ms"`
	Error           string    `json:"error,omitempty"`
}
