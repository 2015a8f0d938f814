// Package policy gates task execution on a pluggable guard. The in-tree
// implementation compiles OPA rego policies and evaluates them per task;
// callers that bring their own gate only need the Guard interface.
package policy

import (
	"context"

	"github.com/loomkernel/loom/internal/auth"
	"github.com/loomkernel/loom/internal/workflow"
)

// Decision is the guard's verdict for one task.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Guard is consulted before each task executes. External collaborator;
// OPAEngine is the bundled implementation.
type Guard interface {
	Check(ctx context.Context, principal *auth.Principal, task *workflow.Task) (*Decision, error)
}

// Input is the document handed to rego evaluation.
type Input struct {
	Principal *auth.Principal       `json:"principal,omitempty"`
	TaskID    string                `json:"task_id"`
	TaskType  string                `json:"task_type"`
	ToolName  string                `json:"tool_name,omitempty"`
	RiskTier  string                `json:"risk_tier"`
	Inputs    workflow.Payload      `json:"inputs,omitempty"`
	Required  []workflow.Permission `json:"required_permissions,omitempty"`
}

// AllowAll is a Guard that admits everything; useful in tests and when
// policy enforcement is disabled.
type AllowAll struct{}

// Check implements Guard.
func (AllowAll) Check(ctx context.Context, principal *auth.Principal, task *workflow.Task) (*Decision, error) {
	return &Decision{Allowed: true}, nil
}
