package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Coordinated request metrics
	RequestsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revo_requests_submitted_total",
			Help: "Total number of coordinated requests submitted",
		},
		[]string{"strategy"},
	)

	RequestsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revo_requests_completed_total",
			Help: "Total number of coordinated requests finished",
		},
		[]string{"strategy", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "revo_request_duration_seconds",
			Help:    "Coordinated request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	// Task queue metrics
	TasksEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "revo_tasks_enqueued_total",
			Help: "Total number of tasks accepted by the queue",
		},
	)

	TasksDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "revo_tasks_deduplicated_total",
			Help: "Total number of duplicate submissions collapsed onto an existing task",
		},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revo_tasks_completed_total",
			Help: "Total number of tasks that reached a terminal state",
		},
		[]string{"status"},
	)

	TaskRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "revo_task_retries_total",
			Help: "Total number of task retry re-enqueues",
		},
	)

	TasksDeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "revo_tasks_dead_lettered_total",
			Help: "Total number of tasks moved to the dead-letter list",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "revo_queue_depth",
			Help: "Number of tasks currently pending in the queue",
		},
	)

	LeaseExpiries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "revo_task_lease_expiries_total",
			Help: "Total number of task leases that expired before ack/nack",
		},
	)

	// Worker registry metrics
	WorkersRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "revo_workers_registered",
			Help: "Number of workers currently registered",
		},
	)

	WorkerStatusChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revo_worker_status_changes_total",
			Help: "Total number of worker status transitions",
		},
		[]string{"status"},
	)

	WorkerSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revo_worker_selections_total",
			Help: "Total number of worker selections by strategy",
		},
		[]string{"strategy"},
	)

	// Engine metrics
	EngineRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revo_engine_requests_total",
			Help: "Total number of engine invocations",
		},
		[]string{"engine", "status"},
	)

	EngineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "revo_engine_duration_seconds",
			Help:    "Engine invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"engine"},
	)

	// Perfect Recall metrics
	RecallLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "revo_recall_latency_seconds",
			Help:    "Recall query latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	RecallQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revo_recall_queries_total",
			Help: "Total number of recall queries by ranking mode",
		},
		[]string{"mode"},
	)

	MemoryEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "revo_memory_entries",
			Help: "Number of memory entries held by the recall engine",
		},
	)

	// Parallel Mind pool metrics
	PoolWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "revo_pool_workers",
			Help: "Current Parallel Mind worker count",
		},
	)

	PoolScaleEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revo_pool_scale_events_total",
			Help: "Total number of pool scaling decisions",
		},
		[]string{"direction"},
	)

	// Creative engine metrics
	CandidatesGenerated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "revo_candidates_generated_total",
			Help: "Total number of creative candidates produced",
		},
	)

	CreativeFeedback = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "revo_creative_feedback_total",
			Help: "Total number of creative feedback signals applied",
		},
	)

	// Remote capability call metrics
	InferenceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revo_inference_requests_total",
			Help: "Total number of inference capability calls",
		},
		[]string{"status"},
	)

	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revo_embedding_requests_total",
			Help: "Total number of embedding capability calls",
		},
		[]string{"status"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "revo_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)
