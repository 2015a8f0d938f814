// Package orchestrator is the DAG scheduler at the center of the kernel.
// It executes workflow specs with deterministic dependency ordering,
// bounded parallelism, retries with backoff, per-task timeouts, saga
// compensation, and exactly-once side effects through the outbox.
package orchestrator

import (
	"context"

	"github.com/loomkernel/loom/internal/workflow"
)

// TaskFunc is a side-effecting invocation that honors ctx cancellation.
type TaskFunc func(ctx context.Context) (workflow.Payload, error)

// Executor invokes a task's tool. Required collaborator.
type Executor interface {
	Execute(ctx context.Context, task *workflow.Task, params workflow.Payload) (workflow.Payload, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task *workflow.Task, params workflow.Payload) (workflow.Payload, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task *workflow.Task, params workflow.Payload) (workflow.Payload, error) {
	return f(ctx, task, params)
}

// FaultInjector may raise synthetic failures or delays before a task
// executes. The injector receives the real invocation and decides whether
// to run it, wrap it, or fail in its place.
type FaultInjector interface {
	InjectBeforeTask(ctx context.Context, workflowID, taskID, toolName string, fn TaskFunc) (workflow.Payload, error)
}

// Commit is the unit handed to result validation.
type Commit struct {
	WorkflowID string           `json:"workflow_id"`
	TaskID     string           `json:"task_id"`
	Data       workflow.Payload `json:"data"`
}

// CRVResult is the commit validation verdict.
type CRVResult struct {
	Passed           bool   `json:"passed"`
	Blocked          bool   `json:"blocked"`
	RecoveryStrategy string `json:"recovery_strategy,omitempty"`
	FailureCode      string `json:"failure_code,omitempty"`
}

// CRVGate validates task results before they become durable.
type CRVGate interface {
	Validate(ctx context.Context, commit *Commit) (*CRVResult, error)
}

// Recovery strategies a CRV gate may request.
const (
	RecoveryRetryAltTool = "retry_alt_tool"
	RecoveryAskUser      = "ask_user"
	RecoveryEscalate     = "escalate"
	RecoveryIgnore       = "ignore"
)

// RecoveryOutcome is the result of a recovery attempt. RecoveredData, when
// set on success, retroactively becomes the task result.
type RecoveryOutcome struct {
	Success       bool             `json:"success"`
	RecoveredData workflow.Payload `json:"recovered_data,omitempty"`
}

// RecoveryExecutor dispatches blocked commits by strategy.
type RecoveryExecutor interface {
	ExecuteRetryAltTool(ctx context.Context, args workflow.Payload, commit *Commit) (*RecoveryOutcome, error)
	ExecuteAskUser(ctx context.Context, args workflow.Payload, commit *Commit) (*RecoveryOutcome, error)
	ExecuteEscalate(ctx context.Context, args workflow.Payload, commit *Commit) (*RecoveryOutcome, error)
}

// Telemetry receives best-effort observations; failures never affect task
// outcomes.
type Telemetry interface {
	RecordEvent(ctx context.Context, name string, attrs workflow.Payload)
	RecordMetric(ctx context.Context, name string, value float64, attrs workflow.Payload)
}

// MemoryAPI is the episodic memory sink.
type MemoryAPI interface {
	WriteEpisodicNote(ctx context.Context, workflowID, taskID, tag, content string) error
	WriteArtifact(ctx context.Context, workflowID, name string, data []byte) error
	WriteSnapshot(ctx context.Context, workflowID string, state workflow.Payload) error
}

// BlueprintValidation reports adapter compatibility for a spec.
type BlueprintValidation struct {
	Valid              bool     `json:"valid"`
	CompatibleAdapters []string `json:"compatible_adapters,omitempty"`
	Errors             []string `json:"errors,omitempty"`
}

// AdapterRegistry validates a spec against the available runtime adapters
// before execution begins.
type AdapterRegistry interface {
	ValidateBlueprint(ctx context.Context, spec *workflow.Spec) (*BlueprintValidation, error)
}

// HypothesisManager observes task outcomes for downstream reasoning.
type HypothesisManager interface {
	RecordOutcome(ctx context.Context, workflowID, taskID string, success bool, result workflow.Payload)
}

// SandboxIntegration prepares isolation for a task and returns a cleanup.
type SandboxIntegration interface {
	Prepare(ctx context.Context, task *workflow.Task) (cleanup func(), err error)
}
