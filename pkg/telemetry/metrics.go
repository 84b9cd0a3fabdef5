package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flow"

var (
	// ─── Queue ───────────────────────────────────────────────────────────────────

	QueueEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "enqueued_total",
		Help:      "Tasks accepted into a priority queue.",
	}, []string{"queue", "priority"})

	QueueRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "rejected_total",
		Help:      "Enqueue attempts rejected because the queue was at capacity.",
	}, []string{"queue"})

	QueueDequeuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "dequeued_total",
		Help:      "Tasks leased to a worker.",
	}, []string{"queue"})

	QueueDeadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "dead_lettered_total",
		Help:      "Tasks moved to a dead-letter queue, labelled by reason.",
	}, []string{"queue", "reason"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Ready plus delayed tasks, sampled by the worker manager.",
	}, []string{"queue"})

	// ─── API Gateway ─────────────────────────────────────────────────────────────

	APITasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "tasks_submitted_total",
		Help:      "Tasks submitted through the API gateway.",
	}, []string{"function"})

	// ─── Engine ──────────────────────────────────────────────────────────────────

	EngineExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "executions_total",
		Help:      "Task executions, labelled by function and resulting status.",
	}, []string{"function", "status"})

	EngineDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "duration_seconds",
		Help:      "Handler execution time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 120},
	}, []string{"function"})

	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "webhook_deliveries_total",
		Help:      "Completion webhook deliveries, labelled by outcome.",
	}, []string{"outcome"})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Tasks finished by workers, labelled by queue and outcome.",
	}, []string{"queue", "status"})

	WorkerTasksInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being executed.",
	}, []string{"worker_id"})

	WorkerRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "retries_total",
		Help:      "Failed tasks requeued for another attempt.",
	}, []string{"queue"})

	WorkerDLQTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "dlq_total",
		Help:      "Tasks forwarded to the dead-letter queue by workers.",
	}, []string{"queue"})

	WorkerRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "restarts_total",
		Help:      "Worker restarts, labelled by reason.",
	}, []string{"reason"})

	ManagerWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "manager",
		Name:      "workers",
		Help:      "Workers currently managed per queue.",
	}, []string{"queue"})

	ManagerReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "manager",
		Name:      "reclaimed_total",
		Help:      "Expired leases returned to their queue by the reaper.",
	})

	// ─── Scheduler ───────────────────────────────────────────────────────────────

	SchedulerLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "leader",
		Help:      "1 while this instance holds scheduler leadership.",
	})

	SchedulerDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "dispatched_total",
		Help:      "Scheduled occurrences enqueued.",
	}, []string{"schedule"})

	SchedulerSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "skipped_total",
		Help:      "Scheduled occurrences skipped, labelled by reason.",
	}, []string{"schedule", "reason"})

	SchedulerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "failures_total",
		Help:      "Scheduled occurrences that could not be enqueued.",
	}, []string{"schedule"})

	// ─── Workflow ────────────────────────────────────────────────────────────────

	WorkflowStepTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "step_transitions_total",
		Help:      "Workflow step status transitions.",
	}, []string{"type", "status"})

	WorkflowsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "finished_total",
		Help:      "Workflows reaching a terminal status.",
	}, []string{"status"})

	// ─── Saga ────────────────────────────────────────────────────────────────────

	SagaOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "saga",
		Name:      "outcomes_total",
		Help:      "Saga runs by final status.",
	}, []string{"saga", "status"})

	SagaCompensationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "saga",
		Name:      "compensation_failures_total",
		Help:      "Compensations that failed and need manual intervention.",
	}, []string{"saga", "step"})

	// ─── Dispatcher ──────────────────────────────────────────────────────────────

	DispatcherTasksRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "tasks_routed_total",
		Help:      "Kafka submissions enqueued onto a priority queue.",
	}, []string{"function"})

	DispatcherDLQTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "dlq_total",
		Help:      "Submissions sent to the Kafka DLQ (malformed, unknown function or rate limited).",
	})

	DispatcherRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "rate_limited_total",
		Help:      "Submissions rejected by the rate limiter.",
	})
)
