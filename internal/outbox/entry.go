// Package outbox is the durable intent log that gives task side effects
// at-most-one-commit semantics. Every external invocation flows through
// Service.Execute keyed by an idempotency key; a committed key is never
// re-executed, and failed entries are revived by reconciliation until their
// attempt budget is spent.
package outbox

import (
	"time"

	"github.com/google/uuid"

	"github.com/loomkernel/loom/internal/workflow"
)

// State is the lifecycle state of an outbox entry.
type State string

const (
	StatePending    State = "PENDING"
	StateProcessing State = "PROCESSING"
	StateCommitted  State = "COMMITTED"
	StateFailed     State = "FAILED"
	StateDeadLetter State = "DEAD_LETTER"
)

// Terminal reports whether the entry will never be executed again.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateDeadLetter
}

// Entry is one recorded side-effect intent.
type Entry struct {
	ID             uuid.UUID        `json:"id"`
	WorkflowID     string           `json:"workflow_id"`
	TaskID         string           `json:"task_id"`
	ToolID         string           `json:"tool_id"`
	Params         workflow.Payload `json:"params,omitempty"`
	IdempotencyKey string           `json:"idempotency_key"`
	State          State            `json:"state"`
	Attempts       int              `json:"attempts"`
	MaxAttempts    int              `json:"max_attempts"`
	Result         workflow.Payload `json:"result,omitempty"`
	Error          string           `json:"error,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	CommittedAt    *time.Time       `json:"committed_at,omitempty"`
}

// Intent is the caller-facing request to record a side effect.
type Intent struct {
	WorkflowID     string
	TaskID         string
	ToolID         string
	Params         workflow.Payload
	IdempotencyKey string
	MaxAttempts    int
}

func (e *Entry) clone() *Entry {
	cp := *e
	cp.Params = e.Params.Clone()
	cp.Result = e.Result.Clone()
	if e.CommittedAt != nil {
		t := *e.CommittedAt
		cp.CommittedAt = &t
	}
	return &cp
}
