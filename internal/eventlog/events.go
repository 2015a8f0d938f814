// Package eventlog records the append-only per-workflow event stream used
// for recovery and audit. The default backend is a newline-delimited JSON
// journal, one file per workflow; an optional Redis Streams mirror fans
// events out to live consumers.
package eventlog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loomkernel/loom/internal/workflow"
)

// Type enumerates event kinds.
type Type string

const (
	WorkflowStarted       Type = "WORKFLOW_STARTED"
	WorkflowCompleted     Type = "WORKFLOW_COMPLETED"
	WorkflowFailed        Type = "WORKFLOW_FAILED"
	TaskStarted           Type = "TASK_STARTED"
	TaskCompleted         Type = "TASK_COMPLETED"
	TaskFailed            Type = "TASK_FAILED"
	TaskRetry             Type = "TASK_RETRY"
	TaskTimeout           Type = "TASK_TIMEOUT"
	StateSnapshot         Type = "STATE_SNAPSHOT"
	StateUpdated          Type = "STATE_UPDATED"
	CompensationTriggered Type = "COMPENSATION_TRIGGERED"
	CompensationCompleted Type = "COMPENSATION_COMPLETED"
	CompensationFailed    Type = "COMPENSATION_FAILED"
	FaultInjected         Type = "FAULT_INJECTED"
	DeadlockDetected      Type = "DEADLOCK_DETECTED"
	LockAcquired          Type = "LOCK_ACQUIRED"
	LockReleased          Type = "LOCK_RELEASED"
)

// Event is one record in a workflow's stream.
type Event struct {
	ID         uuid.UUID        `json:"id"`
	Timestamp  time.Time        `json:"timestamp"`
	Type       Type             `json:"type"`
	WorkflowID string           `json:"workflow_id"`
	TaskID     string           `json:"task_id,omitempty"`
	TenantID   string           `json:"tenant_id,omitempty"`
	Metadata   workflow.Payload `json:"metadata,omitempty"`
}

// New builds an event stamped with now and a fresh id.
func New(typ Type, workflowID, taskID, tenantID string, metadata workflow.Payload) *Event {
	return &Event{
		ID:         uuid.New(),
		Timestamp:  time.Now(),
		Type:       typ,
		WorkflowID: workflowID,
		TaskID:     taskID,
		TenantID:   tenantID,
		Metadata:   metadata,
	}
}

// Log is the append-only event sink and tenant-scoped reader.
//
// List with tenantID == "" is an administrative read returning every event
// of the workflow; a non-empty tenantID returns only events stamped with
// exactly that tenant.
type Log interface {
	Append(ctx context.Context, e *Event) error
	List(ctx context.Context, workflowID, tenantID string) ([]*Event, error)
}

func tenantMatch(e *Event, tenantID string) bool {
	if tenantID == "" {
		return true
	}
	return e.TenantID == tenantID
}
