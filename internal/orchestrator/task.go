package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/loomkernel/loom/internal/coordinator"
	"github.com/loomkernel/loom/internal/errdefs"
	"github.com/loomkernel/loom/internal/eventlog"
	"github.com/loomkernel/loom/internal/feasibility"
	"github.com/loomkernel/loom/internal/metrics"
	"github.com/loomkernel/loom/internal/outbox"
	"github.com/loomkernel/loom/internal/tracing"
	"github.com/loomkernel/loom/internal/workflow"
	"github.com/loomkernel/loom/internal/worldstate"
)

// runTask drives one task through the full pipeline: resource locks, policy
// gate, feasibility, the attempt loop with backoff, commit validation, and
// world-state diffing. It returns nil when the task completes and an
// attributed coded error on terminal failure.
func (e *Engine) runTask(ctx context.Context, r *run, t *workflow.Task) error {
	ts := r.st.Task(t.ID)
	if ts.Status.Terminal() {
		return nil
	}

	ctx, span := tracing.Tracer().Start(ctx, "orchestrator.runTask",
		trace.WithAttributes(
			attribute.String("workflow.id", r.spec.ID),
			attribute.String("task.id", t.ID),
		))
	defer span.End()

	now := time.Now()
	r.mu.Lock()
	ts.Status = workflow.StatusRunning
	if ts.StartedAt == nil {
		ts.StartedAt = &now
	}
	r.mu.Unlock()
	if err := e.persist(ctx, r); err != nil {
		return err
	}
	e.emit(ctx, r, eventlog.TaskStarted, t.ID, workflow.Payload{"attempt": ts.Attempt + 1})
	started := time.Now()

	acquired, err := e.acquireClaims(ctx, r, t)
	if err != nil {
		return e.failTask(ctx, r, t, workflow.StatusFailed, err)
	}
	defer e.releaseClaims(ctx, r, t, acquired)

	if e.opts.PolicyGuard != nil {
		decision, perr := e.opts.PolicyGuard.Check(ctx, e.opts.Principal, t)
		if perr != nil {
			metrics.PolicyDecisions.WithLabelValues("error").Inc()
			return e.failTask(ctx, r, t, workflow.StatusFailed,
				errdefs.Wrap(errdefs.CodePolicyBlocked, perr, "policy check failed"))
		}
		if !decision.Allowed {
			metrics.PolicyDecisions.WithLabelValues("deny").Inc()
			return e.failTask(ctx, r, t, workflow.StatusFailed,
				errdefs.New(errdefs.CodePolicyBlocked, "denied by policy: %s", decision.Reason))
		}
		metrics.PolicyDecisions.WithLabelValues("allow").Inc()
	}

	if e.opts.ToolRegistry != nil || e.opts.ConstraintEngine != nil {
		feas := feasibility.Check(ctx, t, e.opts.ToolRegistry, e.opts.ConstraintEngine, e.opts.WorldState)
		if !feas.Feasible {
			return e.failTask(ctx, r, t, workflow.StatusFailed,
				errdefs.New(errdefs.CodeFeasibilityFailed, "infeasible: %s", strings.Join(feas.Reasons, "; ")))
		}
	}

	retry := t.RetryOrDefault()
	for {
		r.mu.Lock()
		ts.Attempt++
		attempt := ts.Attempt
		ts.TimedOut = false
		r.mu.Unlock()
		if err := e.persist(ctx, r); err != nil {
			return err
		}

		result, execErr := e.executeAttempt(ctx, r, t, attempt, retry)
		if execErr == nil {
			var crvIgnored bool
			result, crvIgnored, execErr = e.validateCommit(ctx, r, t, result)
			if execErr != nil {
				// A blocked commit is final; retrying would repeat the same
				// rejected result.
				return e.failTask(ctx, r, t, workflow.StatusFailed, execErr)
			}
			return e.completeTask(ctx, r, t, result, crvIgnored, started)
		}

		timedOut := errdefs.IsCode(execErr, errdefs.CodeTimeout)
		if timedOut {
			r.mu.Lock()
			ts.TimedOut = true
			r.mu.Unlock()
			e.emit(ctx, r, eventlog.TaskTimeout, t.ID, workflow.Payload{
				"attempt":    attempt,
				"timeout_ms": t.TimeoutMs,
			})
			e.runHook(ctx, r, t, hookOnTimeout)
		}

		if attempt < retry.MaxAttempts && retryable(execErr) {
			metrics.TaskRetries.Inc()
			e.emit(ctx, r, eventlog.TaskRetry, t.ID, workflow.Payload{
				"attempt": attempt,
				"error":   execErr.Error(),
			})
			delay := backoffDelay(retry, attempt)
			if retry.Jitter {
				delay = e.jitter(delay)
			}
			e.logger.Debug("Retrying task",
				zap.String("workflow_id", r.spec.ID),
				zap.String("task_id", t.ID),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
			)
			if err := e.sleep(ctx, delay); err != nil {
				return e.failTask(ctx, r, t, workflow.StatusFailed,
					errdefs.Wrap(errdefs.CodeToolError, err, "cancelled during backoff"))
			}
			continue
		}

		status := workflow.StatusFailed
		if timedOut {
			status = workflow.StatusTimeout
		} else {
			e.runHook(ctx, r, t, hookOnFailure)
		}
		metrics.TaskDuration.Observe(time.Since(started).Seconds())
		return e.failTask(ctx, r, t, status, execErr)
	}
}

// executeAttempt performs one invocation: world-state snapshot, sandbox
// preparation, fault injection, and the outbox-guarded tool call under the
// task's deadline. The snapshot is stored on the run so completeTask can
// diff against it.
func (e *Engine) executeAttempt(ctx context.Context, r *run, t *workflow.Task, attempt int, retry workflow.RetryPolicy) (workflow.Payload, error) {
	if e.opts.WorldState != nil {
		snap := e.opts.WorldState.Snapshot()
		r.mu.Lock()
		if r.snapshots == nil {
			r.snapshots = make(map[string]worldstate.Snapshot)
		}
		r.snapshots[t.ID] = snap
		r.mu.Unlock()
		e.emit(ctx, r, eventlog.StateSnapshot, t.ID, workflow.Payload{
			"attempt": attempt,
			"keys":    len(snap),
		})
	}

	var cleanup func()
	if e.opts.Sandbox != nil && t.Sandbox != nil && t.Sandbox.Enabled {
		var err error
		cleanup, err = e.opts.Sandbox.Prepare(ctx, t)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.CodeToolError, err, "sandbox preparation failed")
		}
	}
	if cleanup != nil {
		defer cleanup()
	}

	raw := func(ctx context.Context) (workflow.Payload, error) {
		return e.opts.Executor.Execute(ctx, t, t.Inputs)
	}
	fn := raw
	if inj := e.opts.FaultInjector; inj != nil {
		fn = func(ctx context.Context) (workflow.Payload, error) {
			res, err := inj.InjectBeforeTask(ctx, r.spec.ID, t.ID, t.ToolName, raw)
			if err != nil && errdefs.IsCode(err, errdefs.CodeFaultInjected) {
				e.emit(ctx, r, eventlog.FaultInjected, t.ID, workflow.Payload{
					"attempt": attempt,
					"error":   err.Error(),
				})
			}
			return res, err
		}
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if t.TimeoutMs > 0 {
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(t.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	intent := outbox.Intent{
		WorkflowID:     r.spec.ID,
		TaskID:         t.ID,
		ToolID:         t.ToolName,
		Params:         t.Inputs,
		IdempotencyKey: e.idempotencyKey(r.spec, t),
		MaxAttempts:    retry.MaxAttempts,
	}
	result, err := e.outbox.Execute(execCtx, intent, fn)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, errdefs.Wrap(errdefs.CodeTimeout, err,
				"exceeded %dms deadline on attempt %d", t.TimeoutMs, attempt)
		}
		if errdefs.CodeOf(err) == "" {
			return nil, errdefs.Wrap(errdefs.CodeToolError, err, "tool %s failed", t.ToolName)
		}
		return nil, err
	}
	return result, nil
}

// validateCommit runs the CRV gate and, when the gate blocks, dispatches the
// requested recovery strategy. The returned bool marks an "ignore" verdict
// that let the original result through.
func (e *Engine) validateCommit(ctx context.Context, r *run, t *workflow.Task, result workflow.Payload) (workflow.Payload, bool, error) {
	if e.opts.CRVGate == nil {
		return result, false, nil
	}
	commit := &Commit{WorkflowID: r.spec.ID, TaskID: t.ID, Data: result}
	verdict, err := e.opts.CRVGate.Validate(ctx, commit)
	if err != nil {
		return nil, false, errdefs.Wrap(errdefs.CodeCRVBlocked, err, "commit validation failed")
	}
	if verdict.Passed && !verdict.Blocked {
		return result, false, nil
	}

	switch verdict.RecoveryStrategy {
	case RecoveryIgnore:
		// The gate flagged the result but waived enforcement; the original
		// data commits and the event stream records the waiver.
		return result, true, nil
	case RecoveryRetryAltTool, RecoveryAskUser, RecoveryEscalate:
		if e.opts.RecoveryExecutor == nil {
			return nil, false, errdefs.New(errdefs.CodeCRVBlocked,
				"commit blocked (%s) and no recovery executor is configured", verdict.FailureCode)
		}
		outcome, rerr := e.dispatchRecovery(ctx, verdict.RecoveryStrategy, commit)
		if rerr != nil {
			return nil, false, errdefs.Wrap(errdefs.CodeRecoveryFailed, rerr,
				"recovery %s failed for blocked commit (%s)", verdict.RecoveryStrategy, verdict.FailureCode)
		}
		if !outcome.Success {
			return nil, false, errdefs.New(errdefs.CodeRecoveryFailed,
				"recovery %s did not resolve blocked commit (%s)", verdict.RecoveryStrategy, verdict.FailureCode)
		}
		if outcome.RecoveredData != nil {
			return outcome.RecoveredData, false, nil
		}
		return result, false, nil
	default:
		return nil, false, errdefs.New(errdefs.CodeCRVBlocked,
			"commit blocked: %s", verdict.FailureCode)
	}
}

func (e *Engine) dispatchRecovery(ctx context.Context, strategy string, commit *Commit) (*RecoveryOutcome, error) {
	args := workflow.Payload{"strategy": strategy}
	switch strategy {
	case RecoveryRetryAltTool:
		return e.opts.RecoveryExecutor.ExecuteRetryAltTool(ctx, args, commit)
	case RecoveryAskUser:
		return e.opts.RecoveryExecutor.ExecuteAskUser(ctx, args, commit)
	case RecoveryEscalate:
		return e.opts.RecoveryExecutor.ExecuteEscalate(ctx, args, commit)
	}
	return nil, fmt.Errorf("unknown recovery strategy %q", strategy)
}

// completeTask records the result, diffs world state, writes the episodic
// note, and emits TASK_COMPLETED.
func (e *Engine) completeTask(ctx context.Context, r *run, t *workflow.Task, result workflow.Payload, crvIgnored bool, started time.Time) error {
	if e.opts.WorldState != nil {
		r.mu.Lock()
		snap, ok := r.snapshots[t.ID]
		delete(r.snapshots, t.ID)
		r.mu.Unlock()
		if ok {
			if diffs := e.opts.WorldState.Diff(snap); len(diffs) > 0 {
				e.emit(ctx, r, eventlog.StateUpdated, t.ID, workflow.Payload{"changes": diffs})
			}
		}
	}

	now := time.Now()
	r.mu.Lock()
	ts := r.st.Task(t.ID)
	ts.Status = workflow.StatusCompleted
	ts.Result = result
	ts.Error = ""
	ts.CompletedAt = &now
	r.mu.Unlock()
	if err := e.persist(ctx, r); err != nil {
		return err
	}
	r.recordCompletion(t.ID)

	meta := workflow.Payload{"attempt": r.st.Task(t.ID).Attempt}
	if crvIgnored {
		meta["crv_ignored"] = true
	}
	e.emit(ctx, r, eventlog.TaskCompleted, t.ID, meta)
	metrics.TasksExecuted.WithLabelValues(string(workflow.StatusCompleted)).Inc()
	metrics.TaskDuration.Observe(time.Since(started).Seconds())

	if e.opts.Memory != nil {
		note := fmt.Sprintf("task %s (%s) completed on attempt %d", t.ID, t.Name, r.st.Task(t.ID).Attempt)
		if err := e.opts.Memory.WriteEpisodicNote(ctx, r.spec.ID, t.ID, "task_lifecycle", note); err != nil {
			e.logger.Warn("Failed to write episodic note",
				zap.String("task_id", t.ID),
				zap.Error(err),
			)
		}
	}
	if e.opts.HypothesisManager != nil {
		e.opts.HypothesisManager.RecordOutcome(ctx, r.spec.ID, t.ID, true, result)
	}
	return nil
}

// failTask records terminal failure state and returns the attributed error.
func (e *Engine) failTask(ctx context.Context, r *run, t *workflow.Task, status workflow.Status, cause error) error {
	now := time.Now()
	r.mu.Lock()
	ts := r.st.Task(t.ID)
	ts.Status = status
	ts.Error = cause.Error()
	ts.CompletedAt = &now
	delete(r.snapshots, t.ID)
	r.mu.Unlock()
	if err := e.persist(ctx, r); err != nil {
		e.logger.Error("Failed to persist failed task state",
			zap.String("task_id", t.ID),
			zap.Error(err),
		)
	}
	e.emit(ctx, r, eventlog.TaskFailed, t.ID, workflow.Payload{
		"attempt": ts.Attempt,
		"status":  string(status),
		"error":   cause.Error(),
	})
	metrics.TasksExecuted.WithLabelValues(string(status)).Inc()

	if e.opts.HypothesisManager != nil {
		e.opts.HypothesisManager.RecordOutcome(ctx, r.spec.ID, t.ID, false, nil)
	}

	var coded *errdefs.Error
	if errors.As(cause, &coded) {
		return coded.WithTask(r.spec.ID, t.ID)
	}
	return errdefs.Wrap(errdefs.CodeToolError, cause, "task failed").WithTask(r.spec.ID, t.ID)
}

type hookKind int

const (
	hookOnFailure hookKind = iota
	hookOnTimeout
)

// runHook fires the named compensation task for a failure mode. Hooks run
// through the outbox keyed on the triggering task so a resumed failure path
// cannot double-fire them; hook errors are recorded, never propagated.
func (e *Engine) runHook(ctx context.Context, r *run, t *workflow.Task, kind hookKind) {
	if t.Compensation == nil {
		return
	}
	var hookID, label string
	switch kind {
	case hookOnFailure:
		hookID, label = t.Compensation.OnFailure, "on_failure"
	case hookOnTimeout:
		hookID, label = t.Compensation.OnTimeout, "on_timeout"
	}
	if hookID == "" {
		return
	}
	hook := r.spec.TaskByID(hookID)
	if hook == nil {
		e.logger.Warn("Compensation hook names an unknown task",
			zap.String("task_id", t.ID),
			zap.String("hook", hookID),
		)
		return
	}

	exec := e.opts.CompensationExecutor
	if exec == nil {
		exec = e.opts.Executor
	}
	e.emit(ctx, r, eventlog.CompensationTriggered, t.ID, workflow.Payload{
		"hook":    label,
		"task_id": hookID,
	})
	intent := outbox.Intent{
		WorkflowID:     r.spec.ID,
		TaskID:         hookID,
		ToolID:         hook.ToolName,
		Params:         hook.Inputs,
		IdempotencyKey: "hook:" + label + ":" + e.idempotencyKey(r.spec, t),
		MaxAttempts:    1,
	}
	_, err := e.outbox.Execute(ctx, intent, func(ctx context.Context) (workflow.Payload, error) {
		return exec.Execute(ctx, hook, hook.Inputs)
	})
	if err != nil {
		metrics.CompensationsTriggered.WithLabelValues("failed").Inc()
		e.emit(ctx, r, eventlog.CompensationFailed, t.ID, workflow.Payload{
			"hook":    label,
			"task_id": hookID,
			"error":   err.Error(),
		})
		return
	}
	metrics.CompensationsTriggered.WithLabelValues("completed").Inc()
	e.emit(ctx, r, eventlog.CompensationCompleted, t.ID, workflow.Payload{
		"hook":    label,
		"task_id": hookID,
	})
}

// acquireClaims polls the coordinator for every declared resource claim in
// order. On timeout the already-granted claims are released and a
// LOCK_TIMEOUT error is returned.
func (e *Engine) acquireClaims(ctx context.Context, r *run, t *workflow.Task) ([]workflow.ResourceClaim, error) {
	if e.opts.Coordinator == nil || len(t.RequiredResources) == 0 {
		return nil, nil
	}
	agentID := e.agentID(r, t)
	var acquired []workflow.ResourceClaim
	for _, claim := range t.RequiredResources {
		mode := coordinator.Mode(claim.Mode)
		if mode != coordinator.ModeWrite {
			mode = coordinator.ModeRead
		}
		deadline := time.Now().Add(e.opts.LockAcquireTimeout)
		for {
			if e.opts.Coordinator.AcquireLock(ctx, claim.ResourceID, agentID, r.spec.ID, mode) {
				acquired = append(acquired, claim)
				break
			}
			if det := e.opts.Coordinator.DetectDeadlock(ctx); det != nil {
				res := e.opts.Coordinator.MitigateDeadlock(ctx, det, coordinator.StrategyAbort)
				if res.Victim == agentID {
					e.releaseClaims(ctx, r, t, acquired)
					return nil, errdefs.New(errdefs.CodeDeadlock,
						"aborted as deadlock victim in cycle %v", det.Cycle)
				}
			}
			if time.Now().After(deadline) {
				e.releaseClaims(ctx, r, t, acquired)
				return nil, errdefs.New(errdefs.CodeLockTimeout,
					"could not acquire %s lock on %s within %s", mode, claim.ResourceID, e.opts.LockAcquireTimeout)
			}
			if err := e.sleep(ctx, e.opts.LockPollInterval); err != nil {
				e.releaseClaims(ctx, r, t, acquired)
				return nil, errdefs.Wrap(errdefs.CodeLockTimeout, err, "cancelled waiting for %s", claim.ResourceID)
			}
		}
	}
	return acquired, nil
}

func (e *Engine) releaseClaims(ctx context.Context, r *run, t *workflow.Task, claims []workflow.ResourceClaim) {
	if e.opts.Coordinator == nil {
		return
	}
	agentID := e.agentID(r, t)
	for _, claim := range claims {
		e.opts.Coordinator.ReleaseLock(ctx, claim.ResourceID, agentID, r.spec.ID)
	}
}

// agentID identifies this task's lock owner: the configured principal when
// present, otherwise workflow-scoped per task.
func (e *Engine) agentID(r *run, t *workflow.Task) string {
	if e.opts.Principal != nil && e.opts.Principal.AgentID != "" {
		return e.opts.Principal.AgentID
	}
	return r.spec.ID + "/" + t.ID
}

// backoffDelay computes backoffMs * multiplier^(attempt-1).
func backoffDelay(retry workflow.RetryPolicy, attempt int) time.Duration {
	if retry.BackoffMs <= 0 {
		return 0
	}
	factor := math.Pow(retry.BackoffMultiplier, float64(attempt-1))
	return time.Duration(float64(retry.BackoffMs)*factor) * time.Millisecond
}

// retryable reports whether the failure kind is worth another attempt.
// Gate rejections are deterministic and never retried.
func retryable(err error) bool {
	switch errdefs.CodeOf(err) {
	case errdefs.CodePolicyBlocked, errdefs.CodeFeasibilityFailed,
		errdefs.CodeCRVBlocked, errdefs.CodeRecoveryFailed,
		errdefs.CodeLockTimeout, errdefs.CodeDeadlock,
		errdefs.CodeDependencyUnmet:
		return false
	}
	return true
}
