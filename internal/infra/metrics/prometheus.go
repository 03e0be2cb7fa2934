package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vru_jobs_finished_total",
		Help: "Total number of detection jobs finished, by terminal state",
	}, []string{"state"})

	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vru_active_jobs",
		Help: "Number of jobs currently queued, running or finalizing",
	})

	FrameOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vru_frame_outcomes_total",
		Help: "Total sampled frames by outcome (processed, skipped, failed)",
	}, []string{"outcome"})

	InferenceLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vru_inference_latency_seconds",
		Help:    "Latency of completed detector invocations",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
	})

	InferenceRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vru_inference_retries_total",
		Help: "Total detector retries, by attempt",
	}, []string{"attempt"})

	StaleResultsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vru_stale_results_total",
		Help: "Late detector results discarded after a per-frame timeout",
	})

	DetectionsAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vru_detections_accepted_total",
		Help: "Raw detections accepted into track correlation",
	})

	TracksOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vru_tracks_opened_total",
		Help: "Tracks opened across all jobs",
	})

	ProgressEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vru_progress_events_total",
		Help: "Progress events emitted by the task registry",
	})

	SubscriberDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vru_subscriber_drops_total",
		Help: "Progress subscriptions closed because their buffer overflowed",
	})
)
