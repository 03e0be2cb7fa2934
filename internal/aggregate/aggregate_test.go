package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadlens/vru-detection-service/internal/domain/entity"
)

func testJob(fallback bool) *entity.Job {
	cfg := entity.JobConfig{Stride: 10, TargetClasses: []string{"pedestrian", "cyclist"}, FallbackEnabled: fallback}
	cfg.ApplyDefaults()
	job := entity.NewJob("videos/clip.mp4", cfg)
	job.MarkRunning()
	job.Counters = entity.JobCounters{FramesTotal: 13, FramesDispatched: 13, FramesProcessed: 11, FramesSkipped: 2}
	job.MarkTerminal(entity.JobStateCompleted, "")
	return job
}

func track(id, class string, conf float64) entity.Track {
	return entity.Track{
		ID: id, Class: class, Confidence: conf, State: entity.TrackStateClosed,
		History: []entity.TrackPoint{{Box: entity.BBox{X2: 10, Y2: 10}, Confidence: conf}},
	}
}

func TestBuildCountsAndHistogram(t *testing.T) {
	res := Build(Input{
		Job: testJob(false),
		Tracks: []entity.Track{
			track("pedestrian-1", "pedestrian", 0.95),
			track("pedestrian-2", "pedestrian", 0.5),
			track("cyclist-1", "cyclist", 0.8),
			track("cyclist-2", "cyclist", 0.2),
		},
		Accepted:   9,
		DetectorID: "fake",
		Elapsed:    1500 * time.Millisecond,
	})

	assert.Equal(t, map[string]int{"pedestrian": 2, "cyclist": 2}, res.ClassCounts)
	// high > 0.8; medium covers [0.5, 0.8]; low < 0.5
	assert.Equal(t, entity.ConfidenceHistogram{High: 1, Medium: 2, Low: 1}, res.Histogram)
	assert.Equal(t, entity.ResultSourceReal, res.Source)
	assert.False(t, res.Degraded)
	assert.Equal(t, int64(1500), res.ElapsedMS)
	assert.Equal(t, "fake", res.DetectorID)
}

func TestBuildFallbackEnabled(t *testing.T) {
	res := Build(Input{Job: testJob(true), Accepted: 0, DetectorID: "fake"})

	assert.Equal(t, entity.ResultSourceSynthetic, res.Source)
	require.Len(t, res.Tracks, 2)
	for _, tr := range res.Tracks {
		assert.Contains(t, tr.ID, "synthetic-")
	}

	// Deterministic: rebuilding yields the same synthetic set.
	again := Build(Input{Job: testJob(true), Accepted: 0, DetectorID: "fake"})
	assert.Equal(t, res.Tracks, again.Tracks)
}

func TestBuildFallbackDisabledYieldsEmptyValidResult(t *testing.T) {
	res := Build(Input{Job: testJob(false), Accepted: 0, DetectorID: "fake"})

	assert.Equal(t, entity.ResultSourceReal, res.Source)
	assert.NotNil(t, res.Tracks)
	assert.Empty(t, res.Tracks)
	assert.NotNil(t, res.ClassCounts)
}

func TestBuildDegradedFlagPassesThrough(t *testing.T) {
	job := testJob(false)
	job.State = entity.JobStateTimedOut
	res := Build(Input{Job: job, Tracks: []entity.Track{track("pedestrian-1", "pedestrian", 0.9)}, Accepted: 3, Degraded: true})
	assert.True(t, res.Degraded)
	assert.Equal(t, entity.JobStateTimedOut, res.State)
}
