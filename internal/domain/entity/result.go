package entity

import (
	"time"

	"github.com/google/uuid"
)

// ProgressEvent is one entry in a job's append-only progress journal.
// Seq is monotonically increasing per job; subscribers use it to drop
// duplicate or out-of-order replays.
type ProgressEvent struct {
	JobID     uuid.UUID   `json:"job_id"`
	Seq       uint64      `json:"seq"`
	State     JobState    `json:"state"`
	Counters  JobCounters `json:"counters"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type ResultSource string

const (
	ResultSourceReal      ResultSource = "real"
	ResultSourceSynthetic ResultSource = "synthetic"
)

// ConfidenceHistogram buckets smoothed track confidence:
// high > 0.8, medium in [0.5, 0.8], low < 0.5.
type ConfidenceHistogram struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

func (h *ConfidenceHistogram) Add(confidence float64) {
	switch {
	case confidence > 0.8:
		h.High++
	case confidence >= 0.5:
		h.Medium++
	default:
		h.Low++
	}
}

// JobResult is the finalized output of a job. Built exactly once at
// finalization and never mutated thereafter; every terminal state
// produces one, even FAILED (empty but structurally valid).
type JobResult struct {
	JobID       uuid.UUID           `json:"job_id"`
	VideoKey    string              `json:"video_key"`
	State       JobState            `json:"state"`
	Tracks      []Track             `json:"tracks"`
	ClassCounts map[string]int      `json:"class_counts"`
	Histogram   ConfidenceHistogram `json:"confidence_histogram"`
	Counters    JobCounters         `json:"counters"`
	Degraded    bool                `json:"degraded"`
	Source      ResultSource        `json:"source"`
	ElapsedMS   int64               `json:"elapsed_ms"`
	DetectorID  string              `json:"detector_id"`
	Error       string              `json:"error,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}
