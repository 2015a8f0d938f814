// Package workflow defines the declarative workflow model consumed by the
// orchestrator: an immutable spec (DAG of tasks) plus the runtime state the
// kernel persists for durability.
package workflow

import (
	"time"
)

// Payload is an arbitrary JSON-shaped value bag used for task inputs,
// tool params, results, and event metadata.
type Payload map[string]interface{}

// Clone returns a shallow copy so callers can mutate without aliasing.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	cp := make(Payload, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}

// TaskType classifies a task node.
type TaskType string

const (
	TaskTypeAction       TaskType = "action"
	TaskTypeDecision     TaskType = "decision"
	TaskTypeWait         TaskType = "wait"
	TaskTypeCompensation TaskType = "compensation"
)

// RiskTier orders tool risk. Higher values are riskier.
type RiskTier string

const (
	RiskLow      RiskTier = "LOW"
	RiskMedium   RiskTier = "MEDIUM"
	RiskHigh     RiskTier = "HIGH"
	RiskCritical RiskTier = "CRITICAL"
)

var riskOrder = map[RiskTier]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Rank returns the ordinal position of the tier (LOW < MEDIUM < HIGH < CRITICAL).
// Unknown tiers rank as MEDIUM.
func (r RiskTier) Rank() int {
	if n, ok := riskOrder[r]; ok {
		return n
	}
	return riskOrder[RiskMedium]
}

// Permission names an action on a resource required to run a task.
type Permission struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
}

// RetryPolicy bounds task re-execution.
type RetryPolicy struct {
	MaxAttempts       int     `json:"max_attempts"`
	BackoffMs         int64   `json:"backoff_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	Jitter            bool    `json:"jitter"`
}

// DefaultRetryPolicy returns the single-attempt policy applied when a task
// declares none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, BackoffMs: 0, BackoffMultiplier: 2, Jitter: true}
}

// Normalize fills zero-valued fields with their defaults.
func (r RetryPolicy) Normalize() RetryPolicy {
	if r.MaxAttempts < 1 {
		r.MaxAttempts = 1
	}
	if r.BackoffMs < 0 {
		r.BackoffMs = 0
	}
	if r.BackoffMultiplier <= 0 {
		r.BackoffMultiplier = 2
	}
	return r
}

// CompensationAction is a user-supplied inverse invoked on workflow failure.
type CompensationAction struct {
	Tool string  `json:"tool"`
	Args Payload `json:"args,omitempty"`
}

// CompensationHooks name compensation tasks fired on specific failure modes.
type CompensationHooks struct {
	OnFailure string `json:"on_failure,omitempty"`
	OnTimeout string `json:"on_timeout,omitempty"`
}

// SandboxConfig carries execution-isolation flags passed through to the
// sandbox backend. The kernel treats it as opaque.
type SandboxConfig struct {
	Enabled        bool   `json:"enabled,omitempty"`
	NetworkAccess  bool   `json:"network_access,omitempty"`
	FilesystemRoot string `json:"filesystem_root,omitempty"`
}

// Task is a single node of the workflow DAG.
type Task struct {
	ID                  string              `json:"id"`
	Name                string              `json:"name"`
	Type                TaskType            `json:"type"`
	ToolName            string              `json:"tool_name,omitempty"`
	Inputs              Payload             `json:"inputs,omitempty"`
	RiskTier            RiskTier            `json:"risk_tier,omitempty"`
	RequiredPermissions []Permission        `json:"required_permissions,omitempty"`
	AllowedTools        []string            `json:"allowed_tools,omitempty"`
	Retry               *RetryPolicy        `json:"retry,omitempty"`
	TimeoutMs           int64               `json:"timeout_ms,omitempty"`
	IdempotencyKey      string              `json:"idempotency_key,omitempty"`
	CompensationAction  *CompensationAction `json:"compensation_action,omitempty"`
	Compensation        *CompensationHooks  `json:"compensation,omitempty"`
	Sandbox             *SandboxConfig      `json:"sandbox_config,omitempty"`
	RequiredResources   []ResourceClaim     `json:"required_resources,omitempty"`
}

// ResourceClaim asks the coordinator for a lock before the task executes.
type ResourceClaim struct {
	ResourceID string `json:"resource_id"`
	Mode       string `json:"mode"` // read or write
}

// RetryOrDefault returns the task's retry policy, normalized.
func (t *Task) RetryOrDefault() RetryPolicy {
	if t.Retry == nil {
		return DefaultRetryPolicy()
	}
	return t.Retry.Normalize()
}

// Risk returns the task's risk tier, defaulting to MEDIUM.
func (t *Task) Risk() RiskTier {
	if t.RiskTier == "" {
		return RiskMedium
	}
	return t.RiskTier
}

// Spec is the immutable workflow definition.
type Spec struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	TenantID     string              `json:"tenant_id,omitempty"`
	Tasks        []Task              `json:"tasks"`
	Dependencies map[string][]string `json:"dependencies,omitempty"`
}

// TaskByID returns the task with the given id, or nil.
func (s *Spec) TaskByID(id string) *Task {
	for i := range s.Tasks {
		if s.Tasks[i].ID == id {
			return &s.Tasks[i]
		}
	}
	return nil
}

// Status values for workflows and tasks.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether a task in this status will never execute again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusSkipped:
		return true
	}
	return false
}

// TaskState is the persisted runtime state of one task.
type TaskState struct {
	TaskID      string     `json:"task_id"`
	Status      Status     `json:"status"`
	Attempt     int        `json:"attempt"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      Payload    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	TimedOut    bool       `json:"timed_out,omitempty"`
}

// State is the persisted runtime state of one workflow instance.
type State struct {
	WorkflowID  string                `json:"workflow_id"`
	TenantID    string                `json:"tenant_id,omitempty"`
	Status      Status                `json:"status"`
	Tasks       map[string]*TaskState `json:"tasks"`
	Error       string                `json:"error,omitempty"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

// NewState initializes a pending state for the spec with one pending
// TaskState per task.
func NewState(spec *Spec) *State {
	st := &State{
		WorkflowID: spec.ID,
		TenantID:   spec.TenantID,
		Status:     StatusPending,
		Tasks:      make(map[string]*TaskState, len(spec.Tasks)),
	}
	for _, t := range spec.Tasks {
		st.Tasks[t.ID] = &TaskState{TaskID: t.ID, Status: StatusPending}
	}
	return st
}

// Task returns the state for a task id, creating a pending record if absent.
func (s *State) Task(id string) *TaskState {
	if s.Tasks == nil {
		s.Tasks = make(map[string]*TaskState)
	}
	ts, ok := s.Tasks[id]
	if !ok {
		ts = &TaskState{TaskID: id, Status: StatusPending}
		s.Tasks[id] = ts
	}
	return ts
}
