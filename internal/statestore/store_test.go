package statestore

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/loomkernel/loom/internal/workflow"
)

func sampleState(workflowID, tenantID string) *workflow.State {
	now := time.Now()
	return &workflow.State{
		WorkflowID: workflowID,
		TenantID:   tenantID,
		Status:     workflow.StatusRunning,
		StartedAt:  &now,
		Tasks: map[string]*workflow.TaskState{
			"t-1": {
				TaskID:  "t-1",
				Status:  workflow.StatusCompleted,
				Attempt: 2,
				Result:  workflow.Payload{"value": "ok"},
			},
			"t-2": {TaskID: "t-2", Status: workflow.StatusPending},
		},
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	st := sampleState("wf-1", "acme")
	require.NoError(t, store.SaveWorkflow(ctx, st))

	got, err := store.GetWorkflow(ctx, "wf-1", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, workflow.StatusRunning, got.Status)
	assert.Equal(t, 2, got.Tasks["t-1"].Attempt)
	assert.Equal(t, "ok", got.Tasks["t-1"].Result["value"])

	// The returned state is a copy; mutations must not leak back.
	got.Tasks["t-1"].Attempt = 99
	again, err := store.GetWorkflow(ctx, "wf-1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Tasks["t-1"].Attempt)
}

func TestMemoryStoreMissingWorkflow(t *testing.T) {
	store := NewMemoryStore()
	got, err := store.GetWorkflow(context.Background(), "ghost", "")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStoreTenantIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.SaveWorkflow(ctx, sampleState("wf-1", "acme")))

	// Wrong tenant reads nothing, same as a missing workflow.
	got, err := store.GetWorkflow(ctx, "wf-1", "globex")
	require.NoError(t, err)
	assert.Nil(t, got)

	// The owning tenant and the admin scope both read it.
	got, err = store.GetWorkflow(ctx, "wf-1", "acme")
	require.NoError(t, err)
	assert.NotNil(t, got)
	got, err = store.GetWorkflow(ctx, "wf-1", "")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestMemoryStoreSaveTask(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ts := &workflow.TaskState{TaskID: "t-1", Status: workflow.StatusRunning, Attempt: 1}
	require.NoError(t, store.SaveTask(ctx, "wf-1", "acme", ts))

	got, err := store.GetWorkflow(ctx, "wf-1", "acme")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, workflow.StatusRunning, got.Tasks["t-1"].Status)
}

func TestSQLStoreRoundTripSQLite(t *testing.T) {
	store, err := Open("sqlite3", ":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	st := sampleState("wf-1", "acme")
	require.NoError(t, store.SaveWorkflow(ctx, st))

	got, err := store.GetWorkflow(ctx, "wf-1", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, workflow.StatusRunning, got.Status)
	require.Contains(t, got.Tasks, "t-1")
	assert.Equal(t, 2, got.Tasks["t-1"].Attempt)
	assert.Equal(t, "ok", got.Tasks["t-1"].Result["value"])

	// Upsert: advancing the state overwrites in place.
	st.Status = workflow.StatusCompleted
	st.Tasks["t-2"].Status = workflow.StatusCompleted
	require.NoError(t, store.SaveWorkflow(ctx, st))

	got, err = store.GetWorkflow(ctx, "wf-1", "")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, got.Status)
	assert.Equal(t, workflow.StatusCompleted, got.Tasks["t-2"].Status)
}

func TestSQLStoreTenantIsolation(t *testing.T) {
	store, err := Open("sqlite3", ":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.SaveWorkflow(ctx, sampleState("wf-1", "acme")))

	got, err := store.GetWorkflow(ctx, "wf-1", "globex")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = store.GetWorkflow(ctx, "wf-1", "acme")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestSQLStoreMissingWorkflow(t *testing.T) {
	store, err := Open("sqlite3", ":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetWorkflow(context.Background(), "ghost", "")
	require.NoError(t, err)
	assert.Nil(t, got)
}
