package statestore

import (
	"context"
	"sync"

	"github.com/loomkernel/loom/internal/workflow"
)

// MemoryStore is an in-process Store for tests and embedded runs.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*workflow.State
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workflows: make(map[string]*workflow.State)}
}

// SaveWorkflow upserts the state.
func (m *MemoryStore) SaveWorkflow(ctx context.Context, st *workflow.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[st.WorkflowID] = cloneState(st)
	return nil
}

// SaveTask upserts one task state.
func (m *MemoryStore) SaveTask(ctx context.Context, workflowID, tenantID string, ts *workflow.TaskState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.workflows[workflowID]
	if !ok {
		st = &workflow.State{
			WorkflowID: workflowID,
			TenantID:   tenantID,
			Status:     workflow.StatusPending,
			Tasks:      make(map[string]*workflow.TaskState),
		}
		m.workflows[workflowID] = st
	}
	st.Tasks[ts.TaskID] = cloneTask(ts)
	return nil
}

// GetWorkflow returns a copy of the stored state, tenant-filtered.
func (m *MemoryStore) GetWorkflow(ctx context.Context, workflowID, tenantID string) (*workflow.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.workflows[workflowID]
	if !ok {
		return nil, nil
	}
	if tenantID != "" && st.TenantID != tenantID {
		return nil, nil
	}
	return cloneState(st), nil
}
