package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_runs_started_total",
			Help: "Total number of research runs started",
		},
		[]string{"mode"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_runs_completed_total",
			Help: "Total number of research runs completed",
		},
		[]string{"mode", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_run_duration_seconds",
			Help:    "Research run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// Topic unit metrics
	UnitsInserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_topic_units_inserted_total",
			Help: "Total number of topic units inserted",
		},
		[]string{"origin"}, // seed or discovery
	)

	UnitsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_topic_units_completed_total",
			Help: "Total number of topic units that reached completed",
		},
	)

	UnitsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_topic_units_failed_total",
			Help: "Total number of topic units that reached failed",
		},
	)

	QueuePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kestrel_queue_pending_units",
			Help: "Number of pending topic units",
		},
	)

	QueueActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kestrel_queue_active_units",
			Help: "Number of active topic units",
		},
	)

	InsertionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_queue_insertions_rejected_total",
			Help: "Total number of rejected queue insertions",
		},
		[]string{"reason"}, // duplicate or capacity
	)

	// Research loop metrics
	LoopIterations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_loop_iterations_total",
			Help: "Total number of completed research loop iterations",
		},
	)

	ToolExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_tool_executions_total",
			Help: "Total number of tool executions",
		},
		[]string{"tool_type", "status"},
	)

	ToolExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_tool_execution_duration_ms",
			Help:    "Tool execution duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"tool_type"},
	)

	ReasoningRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_reasoning_retries_total",
			Help: "Total number of reasoning call retries",
		},
		[]string{"prompt_kind"},
	)

	TopicsDiscovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_topics_discovered_total",
			Help: "Total number of dynamically discovered topics inserted",
		},
	)

	// Citation metrics
	CitationsAllocated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_citations_allocated_total",
			Help: "Total number of citation ids allocated",
		},
		[]string{"stage"}, // planning or research
	)

	// Persistence metrics
	SnapshotDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kestrel_snapshot_duration_seconds",
			Help:    "Duration of state snapshot writes",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	SnapshotErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_snapshot_errors_total",
			Help: "Total number of failed snapshot writes",
		},
	)

	// Streaming metrics
	EventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_progress_events_published_total",
			Help: "Total number of progress events published",
		},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_progress_events_dropped_total",
			Help: "Total number of progress events dropped on slow subscribers",
		},
	)
)
