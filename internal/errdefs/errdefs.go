// Package errdefs defines the error taxonomy shared by the orchestration
// kernel. Errors carry a stable Code so callers can branch on failure kind
// without string matching, and wrap their cause for errors.Is/As.
package errdefs

import (
	"errors"
	"fmt"
)

// Code identifies a failure kind.
type Code string

const (
	// Validation (pre-execution).
	CodeSchemaInvalid         Code = "SCHEMA_INVALID"
	CodeCycleDetected         Code = "CYCLE_DETECTED"
	CodeUnknownTaskDependency Code = "UNKNOWN_TASK_DEPENDENCY"

	// Policy / feasibility.
	CodePolicyBlocked     Code = "POLICY_BLOCKED"
	CodeFeasibilityFailed Code = "FEASIBILITY_FAILED"
	CodeToolUnavailable   Code = "TOOL_UNAVAILABLE"
	CodeRiskExceedsTier   Code = "RISK_EXCEEDS_TIER"

	// Execution.
	CodeToolError     Code = "TOOL_ERROR"
	CodeTimeout       Code = "TIMEOUT"
	CodeFaultInjected Code = "FAULT_INJECTED"

	// Commit.
	CodeCRVBlocked     Code = "CRV_BLOCKED"
	CodeRecoveryFailed Code = "RECOVERY_FAILED"

	// Compensation.
	CodeCompensationFailed Code = "COMPENSATION_FAILED"

	// Coordination.
	CodeLockTimeout Code = "LOCK_TIMEOUT"
	CodeDeadlock    Code = "DEADLOCK"
	CodeLivelock    Code = "LIVELOCK"

	// State.
	CodeConflict        Code = "CONFLICT"
	CodeTenantForbidden Code = "TENANT_FORBIDDEN"

	// Scheduling.
	CodeDependencyUnmet Code = "DEPENDENCY_UNMET"
)

// Error is a coded error with optional workflow/task attribution and cause.
type Error struct {
	Code       Code
	Message    string
	WorkflowID string
	TaskID     string
	Cause      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.TaskID != "" {
		msg = fmt.Sprintf("task %s: %s", e.TaskID, msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap exposes the cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// New creates a coded error.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error around a cause.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithTask returns a copy attributed to the given workflow and task.
func (e *Error) WithTask(workflowID, taskID string) *Error {
	cp := *e
	cp.WorkflowID = workflowID
	cp.TaskID = taskID
	return &cp
}

// CodeOf extracts the Code from an error chain. Returns "" when the chain
// holds no *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
