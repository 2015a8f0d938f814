// Package statestore persists workflow and task runtime state so a
// restarted orchestrator can resume without re-executing committed work.
// Reads are tenant-scoped: a read with a tenant id sees only that tenant's
// workflows; an empty tenant id is an administrative read.
package statestore

import (
	"context"

	"github.com/loomkernel/loom/internal/workflow"
)

// Store is the durable workflow/task state backend.
type Store interface {
	// SaveWorkflow upserts the full workflow state, task states included.
	SaveWorkflow(ctx context.Context, st *workflow.State) error
	// SaveTask upserts one task's state within an existing workflow.
	SaveTask(ctx context.Context, workflowID, tenantID string, ts *workflow.TaskState) error
	// GetWorkflow returns the stored state, or nil when the workflow does
	// not exist or is owned by a different tenant.
	GetWorkflow(ctx context.Context, workflowID, tenantID string) (*workflow.State, error)
}

// cloneState deep-copies a workflow state so callers never alias the
// store's internal records.
func cloneState(st *workflow.State) *workflow.State {
	if st == nil {
		return nil
	}
	cp := *st
	cp.Tasks = make(map[string]*workflow.TaskState, len(st.Tasks))
	for id, ts := range st.Tasks {
		cp.Tasks[id] = cloneTask(ts)
	}
	return &cp
}

func cloneTask(ts *workflow.TaskState) *workflow.TaskState {
	if ts == nil {
		return nil
	}
	cp := *ts
	cp.Result = ts.Result.Clone()
	return &cp
}
