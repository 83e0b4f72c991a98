package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── API Gateway ─────────────────────────────────────────────────────────────

	APIRunsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicelane",
		Subsystem: "api",
		Name:      "runs_created_total",
		Help:      "Total runs created through the API gateway.",
	})

	APITasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicelane",
		Subsystem: "api",
		Name:      "tasks_submitted_total",
		Help:      "Total tasks submitted through the API gateway.",
	}, []string{"execution_type"})

	// ─── Orchestrator ────────────────────────────────────────────────────────────

	OrchestratorTasksClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicelane",
		Subsystem: "orchestrator",
		Name:      "tasks_claimed_total",
		Help:      "Tasks moved pending to in_progress, labelled by claim outcome.",
	}, []string{"outcome"})

	OrchestratorRecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicelane",
		Subsystem: "orchestrator",
		Name:      "recoveries_total",
		Help:      "Recovery sweep decisions, labelled by action taken.",
	}, []string{"action"})

	OrchestratorRunTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicelane",
		Subsystem: "orchestrator",
		Name:      "run_transitions_total",
		Help:      "Run status transitions decided by the aggregator.",
	}, []string{"to"})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicelane",
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Total tasks executed, labelled by execution_type and result status.",
	}, []string{"execution_type", "status"})

	WorkerTasksInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "voicelane",
		Subsystem: "worker",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being executed.",
	}, []string{"execution_type"})

	WorkerTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "voicelane",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Handler execution time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"execution_type"})

	WorkerClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicelane",
		Subsystem: "worker",
		Name:      "claim_conflicts_total",
		Help:      "Duplicate deliveries dropped because the CAS claim lost.",
	})

	WorkerDLQTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicelane",
		Subsystem: "worker",
		Name:      "dlq_total",
		Help:      "Total messages forwarded to the dead-letter queue.",
	}, []string{"topic"})

	// ─── Dispatcher ──────────────────────────────────────────────────────────────

	DispatcherTasksRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicelane",
		Subsystem: "dispatcher",
		Name:      "tasks_routed_total",
		Help:      "Total tasks routed onto an outbound lane.",
	}, []string{"lane"})

	DispatcherDLQTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicelane",
		Subsystem: "dispatcher",
		Name:      "dlq_total",
		Help:      "Total malformed messages the dispatcher sent to DLQ.",
	})

	DispatcherRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicelane",
		Subsystem: "dispatcher",
		Name:      "rate_limited_total",
		Help:      "Total dispatches deferred by the per-agent rate limiter.",
	})

	// ─── Syncer ──────────────────────────────────────────────────────────────────

	SyncerCallsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicelane",
		Subsystem: "syncer",
		Name:      "calls_fetched_total",
		Help:      "Provider call records fetched by the reconciliation sync.",
	})

	SyncerCallsMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicelane",
		Subsystem: "syncer",
		Name:      "calls_matched_total",
		Help:      "Fetched calls matched to tasks, labelled by match tier.",
	}, []string{"tier"})

	SyncerTasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicelane",
		Subsystem: "syncer",
		Name:      "tasks_created_total",
		Help:      "Tasks synthesized for calls with no matching task.",
	})

	SyncerFieldsMerged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicelane",
		Subsystem: "syncer",
		Name:      "output_fields_merged_total",
		Help:      "Output fields filled in by the merge-only sync.",
	})

	SyncerWebhooksDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicelane",
		Subsystem: "syncer",
		Name:      "webhooks_delivered_total",
		Help:      "Webhook deliveries attempted, labelled by outcome.",
	}, []string{"outcome"})
)
