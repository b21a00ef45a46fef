package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task lifecycle metrics
	TasksStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "researchd_tasks_started_total",
			Help: "Total number of research tasks started",
		},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchd_tasks_completed_total",
			Help: "Total number of research tasks finished, by terminal status",
		},
		[]string{"status", "reason"},
	)

	TaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "researchd_task_duration_seconds",
			Help:    "End-to-end research task duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	TaskIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "researchd_task_iterations",
			Help:    "Number of loop iterations per completed task",
			Buckets: []float64{1, 2, 3, 4, 5, 7, 10},
		},
	)

	TaskTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "researchd_task_tokens_used",
			Help:    "Number of completion tokens consumed per task",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000},
		},
	)

	// Stage metrics
	StageExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchd_stage_executions_total",
			Help: "Total number of stage executions",
		},
		[]string{"stage", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "researchd_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchd_cache_hits_total",
			Help: "Total fingerprint cache hits",
		},
		[]string{"stage"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchd_cache_misses_total",
			Help: "Total fingerprint cache misses",
		},
		[]string{"stage"},
	)

	// Provider call metrics
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchd_provider_calls_total",
			Help: "Total external provider calls, by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	ProviderRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchd_provider_retries_total",
			Help: "Total retry attempts against external providers",
		},
		[]string{"op"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "researchd_provider_call_duration_seconds",
			Help:    "External provider call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"op"},
	)

	// Streaming metrics
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "researchd_stream_subscribers",
			Help: "Number of active event stream subscribers",
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchd_events_published_total",
			Help: "Total events published to the stream manager",
		},
		[]string{"type"},
	)
)
