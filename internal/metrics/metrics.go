// Package metrics exposes the kernel's Prometheus instrumentation as
// package-level collectors registered via promauto. Import for side effects
// and increment from the owning package.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_workflows_started_total",
			Help: "Total number of workflow executions started",
		},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_workflows_completed_total",
			Help: "Total number of workflow executions finished",
		},
		[]string{"status"},
	)

	WorkflowDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_workflow_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Task metrics
	TasksExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_tasks_executed_total",
			Help: "Total number of task executions by terminal status",
		},
		[]string{"status"},
	)

	TaskRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_task_retries_total",
			Help: "Total number of task retry attempts",
		},
	)

	TaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		},
	)

	CompensationsTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_compensations_total",
			Help: "Total number of compensation invocations by outcome",
		},
		[]string{"outcome"},
	)

	// Outbox metrics
	OutboxEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_outbox_entries_total",
			Help: "Outbox entry state transitions",
		},
		[]string{"state"},
	)

	OutboxReplayHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_outbox_replay_hits_total",
			Help: "Executions short-circuited by a committed idempotency key",
		},
	)

	OutboxReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_outbox_reconciled_total",
			Help: "Reconciliation actions taken on outbox entries",
		},
		[]string{"action"},
	)

	// Coordinator metrics
	LocksAcquired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_locks_acquired_total",
			Help: "Lock acquisitions by mode",
		},
		[]string{"mode"},
	)

	LocksDenied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_locks_denied_total",
			Help: "Lock requests denied by the compatibility matrix",
		},
	)

	LocksHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_locks_held",
			Help: "Locks currently held across all resources",
		},
	)

	DeadlocksDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_deadlocks_detected_total",
			Help: "Deadlock cycles detected in the wait-for graph",
		},
	)

	LivelocksDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_livelocks_detected_total",
			Help: "Livelock patterns detected from agent state history",
		},
	)

	// World-state metrics
	WorldStateConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_worldstate_conflicts_total",
			Help: "Optimistic-concurrency conflicts raised by the world-state store",
		},
	)

	// Event log metrics
	EventsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_events_appended_total",
			Help: "Events appended to the workflow event log",
		},
		[]string{"type"},
	)

	PolicyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_policy_decisions_total",
			Help: "Policy guard decisions",
		},
		[]string{"decision"},
	)
)
