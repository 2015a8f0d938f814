package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/loomkernel/loom/internal/errdefs"
	"github.com/loomkernel/loom/internal/eventlog"
	"github.com/loomkernel/loom/internal/metrics"
	"github.com/loomkernel/loom/internal/outbox"
	"github.com/loomkernel/loom/internal/tracing"
	"github.com/loomkernel/loom/internal/workflow"
	"github.com/loomkernel/loom/internal/worldstate"
)

// run is the mutable context of one ExecuteWorkflow invocation.
type run struct {
	spec *workflow.Spec
	st   *workflow.State

	mu              sync.Mutex
	completionOrder []string
	snapshots       map[string]worldstate.Snapshot // task id -> pre-execution snapshot
}

// recordCompletion appends the task to the saga order exactly once.
func (r *run) recordCompletion(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.completionOrder {
		if id == taskID {
			return
		}
	}
	r.completionOrder = append(r.completionOrder, taskID)
}

// ExecuteWorkflow executes the spec to completion, resuming any persisted
// progress. It returns the final state; on terminal failure the state is
// returned together with a coded error naming the failing task.
//
// Re-executing a finished workflow is a no-op returning the stored result.
func (e *Engine) ExecuteWorkflow(ctx context.Context, spec *workflow.Spec) (*workflow.State, error) {
	if err := workflow.Validate(spec); err != nil {
		return nil, err
	}
	if e.opts.AdapterRegistry != nil {
		v, err := e.opts.AdapterRegistry.ValidateBlueprint(ctx, spec)
		if err != nil {
			return nil, fmt.Errorf("blueprint validation failed: %w", err)
		}
		if !v.Valid {
			return nil, errdefs.New(errdefs.CodeSchemaInvalid, "blueprint rejected: %v", v.Errors)
		}
	}

	ctx, span := tracing.Tracer().Start(ctx, "orchestrator.ExecuteWorkflow",
		trace.WithAttributes(attribute.String("workflow.id", spec.ID)))
	defer span.End()

	st, err := e.opts.StateStore.GetWorkflow(ctx, spec.ID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to rehydrate workflow state: %w", err)
	}
	switch {
	case st == nil:
		st = workflow.NewState(spec)
	case st.Status == workflow.StatusCompleted:
		return st, nil
	case st.Status == workflow.StatusFailed:
		return st, errdefs.New(errdefs.CodeToolError, "workflow %s already failed: %s", spec.ID, st.Error).WithTask(spec.ID, "")
	}

	// A task persisted as running means a previous process died mid-attempt.
	// The attempt never committed (committed side effects replay through the
	// outbox), so the task rejoins the ready set with its attempt count intact.
	for _, ts := range st.Tasks {
		if ts.Status == workflow.StatusRunning {
			ts.Status = workflow.StatusPending
			ts.StartedAt = nil
		}
	}

	fresh := st.StartedAt == nil
	now := time.Now()
	if st.StartedAt == nil {
		st.StartedAt = &now
	}
	st.Status = workflow.StatusRunning
	r := &run{spec: spec, st: st, completionOrder: priorCompletionOrder(st)}
	if err := e.persist(ctx, r); err != nil {
		return nil, err
	}
	if fresh {
		e.emit(ctx, r, eventlog.WorkflowStarted, "", workflow.Payload{"name": spec.Name})
	}
	metrics.WorkflowsStarted.Inc()
	started := time.Now()

	var sem *semaphore.Weighted
	if e.opts.MaxConcurrency > 0 {
		sem = semaphore.NewWeighted(int64(e.opts.MaxConcurrency))
	}

	var taskErr error
	for taskErr == nil {
		ready := workflow.ReadyTasks(spec, st)
		if len(ready) == 0 {
			break
		}
		errs := make([]error, len(ready))
		var wg sync.WaitGroup
		for i, t := range ready {
			wg.Add(1)
			go func(i int, t *workflow.Task) {
				defer wg.Done()
				if sem != nil {
					if err := sem.Acquire(ctx, 1); err != nil {
						errs[i] = err
						return
					}
					defer sem.Release(1)
				}
				errs[i] = e.runTask(ctx, r, t)
			}(i, t)
		}
		wg.Wait()
		// Deterministic surfaced failure: first by task insertion order.
		for _, err := range errs {
			if err != nil {
				taskErr = err
				break
			}
		}
	}

	if taskErr == nil {
		if blocked := workflow.BlockedTasks(spec, st); len(blocked) > 0 {
			taskErr = errdefs.New(errdefs.CodeDependencyUnmet,
				"task %s has a failed prerequisite", blocked[0].ID).WithTask(spec.ID, blocked[0].ID)
		}
	}

	if taskErr != nil {
		e.compensate(ctx, r)
		end := time.Now()
		st.Status = workflow.StatusFailed
		st.Error = taskErr.Error()
		st.CompletedAt = &end
		if err := e.persist(ctx, r); err != nil {
			e.logger.Error("Failed to persist failed workflow state", zap.Error(err))
		}
		e.emit(ctx, r, eventlog.WorkflowFailed, "", workflow.Payload{"error": taskErr.Error()})
		metrics.WorkflowsCompleted.WithLabelValues(string(workflow.StatusFailed)).Inc()
		metrics.WorkflowDuration.Observe(time.Since(started).Seconds())
		e.logger.Warn("Workflow failed",
			zap.String("workflow_id", spec.ID),
			zap.Error(taskErr),
		)
		return st, taskErr
	}

	end := time.Now()
	st.Status = workflow.StatusCompleted
	st.CompletedAt = &end
	if err := e.persist(ctx, r); err != nil {
		return nil, err
	}
	e.emit(ctx, r, eventlog.WorkflowCompleted, "", nil)
	metrics.WorkflowsCompleted.WithLabelValues(string(workflow.StatusCompleted)).Inc()
	metrics.WorkflowDuration.Observe(time.Since(started).Seconds())
	e.logger.Info("Workflow completed",
		zap.String("workflow_id", spec.ID),
		zap.Duration("elapsed", time.Since(started)),
	)
	return st, nil
}

// compensate invokes the compensation action of every completed task that
// declared one, in reverse completion order. Compensations run through the
// outbox so a resumed failure path never double-fires one; a failed
// compensation is recorded and the rest continue.
func (e *Engine) compensate(ctx context.Context, r *run) {
	exec := e.opts.CompensationExecutor
	if exec == nil {
		exec = e.opts.Executor
	}

	r.mu.Lock()
	order := append([]string(nil), r.completionOrder...)
	r.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		t := r.spec.TaskByID(order[i])
		if t == nil || t.CompensationAction == nil {
			continue
		}
		if r.st.Task(t.ID).Status != workflow.StatusCompleted {
			continue
		}
		action := t.CompensationAction
		e.emit(ctx, r, eventlog.CompensationTriggered, t.ID, workflow.Payload{"tool": action.Tool})

		compTask := &workflow.Task{
			ID:       t.ID + ".comp",
			Name:     t.Name + " compensation",
			Type:     workflow.TaskTypeCompensation,
			ToolName: action.Tool,
			Inputs:   action.Args,
		}
		intent := outbox.Intent{
			WorkflowID:     r.spec.ID,
			TaskID:         compTask.ID,
			ToolID:         action.Tool,
			Params:         action.Args,
			IdempotencyKey: "comp:" + e.idempotencyKey(r.spec, t),
			MaxAttempts:    1,
		}
		_, err := e.outbox.Execute(ctx, intent, func(ctx context.Context) (workflow.Payload, error) {
			return exec.Execute(ctx, compTask, action.Args)
		})
		if err != nil {
			metrics.CompensationsTriggered.WithLabelValues("failed").Inc()
			e.emit(ctx, r, eventlog.CompensationFailed, t.ID, workflow.Payload{
				"tool":  action.Tool,
				"error": err.Error(),
			})
			e.logger.Error("Compensation failed",
				zap.String("workflow_id", r.spec.ID),
				zap.String("task_id", t.ID),
				zap.Error(err),
			)
			continue
		}
		metrics.CompensationsTriggered.WithLabelValues("completed").Inc()
		e.emit(ctx, r, eventlog.CompensationCompleted, t.ID, workflow.Payload{"tool": action.Tool})
	}
}

// GetState returns the persisted workflow state, tenant-scoped.
func (e *Engine) GetState(ctx context.Context, workflowID, tenantID string) (*workflow.State, error) {
	return e.opts.StateStore.GetWorkflow(ctx, workflowID, tenantID)
}

// GetEvents returns the workflow's event stream, tenant-scoped.
func (e *Engine) GetEvents(ctx context.Context, workflowID, tenantID string) ([]*eventlog.Event, error) {
	return e.events.List(ctx, workflowID, tenantID)
}

// WriteEpisodicNote delegates to the memory API when configured.
func (e *Engine) WriteEpisodicNote(ctx context.Context, workflowID, taskID, tag, content string) error {
	if e.opts.Memory == nil {
		return nil
	}
	return e.opts.Memory.WriteEpisodicNote(ctx, workflowID, taskID, tag, content)
}

// WriteArtifact delegates to the memory API when configured.
func (e *Engine) WriteArtifact(ctx context.Context, workflowID, name string, data []byte) error {
	if e.opts.Memory == nil {
		return nil
	}
	return e.opts.Memory.WriteArtifact(ctx, workflowID, name, data)
}

// WriteSnapshot delegates to the memory API when configured.
func (e *Engine) WriteSnapshot(ctx context.Context, workflowID string, state workflow.Payload) error {
	if e.opts.Memory == nil {
		return nil
	}
	return e.opts.Memory.WriteSnapshot(ctx, workflowID, state)
}

// persist writes the full workflow state under the run lock.
func (e *Engine) persist(ctx context.Context, r *run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := e.opts.StateStore.SaveWorkflow(ctx, r.st); err != nil {
		return fmt.Errorf("failed to persist workflow state: %w", err)
	}
	return nil
}

// emit appends an event; event-log failures are logged, never fatal.
func (e *Engine) emit(ctx context.Context, r *run, typ eventlog.Type, taskID string, meta workflow.Payload) {
	ev := eventlog.New(typ, r.spec.ID, taskID, r.spec.TenantID, meta)
	if err := e.events.Append(ctx, ev); err != nil {
		e.logger.Error("Failed to append event",
			zap.String("workflow_id", r.spec.ID),
			zap.String("type", string(typ)),
			zap.Error(err),
		)
	}
	if e.opts.Telemetry != nil {
		e.opts.Telemetry.RecordEvent(ctx, string(typ), meta)
	}
}

// idempotencyKey resolves the task's explicit key or derives the default.
func (e *Engine) idempotencyKey(spec *workflow.Spec, t *workflow.Task) string {
	if t.IdempotencyKey != "" {
		return t.IdempotencyKey
	}
	return workflow.DeriveIdempotencyKey(spec.ID, t.ID, t.Inputs)
}

// priorCompletionOrder reconstructs the saga order from persisted state
// after a resume, ordering completed tasks by completion time.
func priorCompletionOrder(st *workflow.State) []string {
	type done struct {
		id string
		at time.Time
	}
	var completed []done
	for id, ts := range st.Tasks {
		if ts.Status == workflow.StatusCompleted && ts.CompletedAt != nil {
			completed = append(completed, done{id: id, at: *ts.CompletedAt})
		}
	}
	sort.Slice(completed, func(i, j int) bool {
		if completed[i].at.Equal(completed[j].at) {
			return completed[i].id < completed[j].id
		}
		return completed[i].at.Before(completed[j].at)
	})
	order := make([]string, len(completed))
	for i, d := range completed {
		order[i] = d.id
	}
	return order
}
