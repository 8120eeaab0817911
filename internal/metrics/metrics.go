// Package metrics provides Prometheus metrics for the orchestrator service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsActive tracks currently live (non-archived) executions.
	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "orchestrator",
			Name:      "runs_active",
			Help:      "Number of currently live executions",
		},
	)

	// EventsTotal counts revision-bus events published by kind.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "orchestrator",
			Name:      "events_total",
			Help:      "Total number of events emitted",
		},
		[]string{"type"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "orchestrator",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "orchestrator",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// K8sJobsTotal counts K8s jobs by status.
	K8sJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "orchestrator",
			Name:      "k8s_jobs_total",
			Help:      "Total number of K8s jobs created",
		},
		[]string{"status"},
	)

	// K8sJobDuration tracks K8s job duration.
	K8sJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "orchestrator",
			Name:      "k8s_job_duration_seconds",
			Help:      "K8s job execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	// RunStoreOperations counts runstore operations.
	RunStoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "orchestrator",
			Name:      "runstore_operations_total",
			Help:      "Total number of runstore operations",
		},
		[]string{"operation", "result"}, // operation: create, get, archive; result: success, error
	)

	// SchedulerQueueDepth tracks pending nodes in scheduler.
	SchedulerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "orchestrator",
			Name:      "scheduler_queue_depth",
			Help:      "Number of nodes pending execution",
		},
	)

	// ComputationClaimsTotal counts claim_computation outcomes.
	ComputationClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "orchestrator",
			Name:      "computation_claims_total",
			Help:      "Total number of claim_computation attempts by outcome",
		},
		[]string{"outcome"}, // "claimed", "conflict", "error"
	)

	// ComputationsCompletedTotal counts complete_computation outcomes.
	ComputationsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "orchestrator",
			Name:      "computations_completed_total",
			Help:      "Total number of completed computation attempts by terminal state",
		},
		[]string{"state"}, // "success", "failed", "abandoned", "cancelled"
	)

	// ComputationDuration tracks wall-clock time from claim to completion.
	ComputationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "orchestrator",
			Name:      "computation_duration_seconds",
			Help:      "Duration from claim to completion of a computation attempt",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"state"},
	)

	// SweepTicksTotal counts sweeper loop iterations.
	SweepTicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "orchestrator",
			Name:      "sweep_ticks_total",
			Help:      "Total number of background sweeper ticks",
		},
	)

	// SweepReclaimedTotal counts abandoned-attempt reclaims by the sweeper.
	SweepReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "orchestrator",
			Name:      "sweep_reclaimed_total",
			Help:      "Total number of computing attempts reclaimed as abandoned by the sweeper",
		},
	)

	// RevisionBusSubscribers tracks live Subscribe() listeners.
	RevisionBusSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "orchestrator",
			Name:      "revision_bus_subscribers",
			Help:      "Number of live subscribers on the revision notification bus",
		},
	)

	// SSEActiveConnections tracks currently open execution event streams.
	SSEActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "orchestrator",
			Name:      "sse_active_connections",
			Help:      "Number of currently open SSE connections",
		},
	)

	// SSEConnectionDuration tracks how long SSE connections stay open.
	SSEConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "orchestrator",
			Name:      "sse_connection_duration_seconds",
			Help:      "Duration of SSE connections in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		},
	)
)
