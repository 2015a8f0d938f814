package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/loomkernel/loom/internal/errdefs"
)

// Validate checks the spec for structural errors before any task runs:
// duplicate or empty ids, dependencies on unknown tasks, and dependency
// cycles. It returns a coded error (SCHEMA_INVALID, UNKNOWN_TASK_DEPENDENCY,
// CYCLE_DETECTED) on the first violation found.
func Validate(spec *Spec) error {
	if spec == nil {
		return errdefs.New(errdefs.CodeSchemaInvalid, "workflow spec is nil")
	}
	if spec.ID == "" {
		return errdefs.New(errdefs.CodeSchemaInvalid, "workflow id is required")
	}
	if len(spec.Tasks) == 0 {
		return errdefs.New(errdefs.CodeSchemaInvalid, "workflow %s has no tasks", spec.ID)
	}

	seen := make(map[string]struct{}, len(spec.Tasks))
	for _, t := range spec.Tasks {
		if t.ID == "" {
			return errdefs.New(errdefs.CodeSchemaInvalid, "workflow %s has a task with empty id", spec.ID)
		}
		if _, dup := seen[t.ID]; dup {
			return errdefs.New(errdefs.CodeSchemaInvalid, "duplicate task id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
		if t.Retry != nil && t.Retry.MaxAttempts < 1 {
			return errdefs.New(errdefs.CodeSchemaInvalid, "task %q: retry.max_attempts must be >= 1", t.ID)
		}
		if t.Retry != nil && t.Retry.BackoffMs < 0 {
			return errdefs.New(errdefs.CodeSchemaInvalid, "task %q: retry.backoff_ms must be >= 0", t.ID)
		}
	}

	for taskID, deps := range spec.Dependencies {
		if _, ok := seen[taskID]; !ok {
			return errdefs.New(errdefs.CodeUnknownTaskDependency, "dependencies reference unknown task %q", taskID)
		}
		for _, dep := range deps {
			if _, ok := seen[dep]; !ok {
				return errdefs.New(errdefs.CodeUnknownTaskDependency, "task %q depends on unknown task %q", taskID, dep)
			}
		}
	}

	if cycle := findCycle(spec); len(cycle) > 0 {
		return errdefs.New(errdefs.CodeCycleDetected, "dependency cycle: %v", cycle)
	}
	return nil
}

// findCycle runs an iterative three-color DFS over the dependency graph and
// returns the first cycle found, in dependency order.
func findCycle(spec *Spec) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(spec.Tasks))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range spec.Dependencies[id] {
			switch color[dep] {
			case gray:
				// Walk back up the stack to the repeated node.
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append([]string{stack[i]}, cycle...)
					if stack[i] == dep {
						break
					}
				}
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, t := range spec.Tasks {
		if color[t.ID] == white {
			if visit(t.ID) {
				return cycle
			}
		}
	}
	return nil
}

// ReadyTasks returns, in task insertion order, every task whose prerequisites
// are all completed and which is not itself terminal or running. Insertion
// order makes the scheduling tie-break deterministic.
func ReadyTasks(spec *Spec, st *State) []*Task {
	var ready []*Task
	for i := range spec.Tasks {
		t := &spec.Tasks[i]
		if t.Type == TaskTypeCompensation {
			// Compensation tasks run only when a failure hook fires.
			continue
		}
		ts := st.Task(t.ID)
		if ts.Status != StatusPending {
			continue
		}
		ok := true
		for _, dep := range spec.Dependencies[t.ID] {
			if st.Task(dep).Status != StatusCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	return ready
}

// BlockedTasks returns pending tasks that can never become ready because a
// prerequisite reached a terminal non-completed state.
func BlockedTasks(spec *Spec, st *State) []*Task {
	var blocked []*Task
	for i := range spec.Tasks {
		t := &spec.Tasks[i]
		if t.Type == TaskTypeCompensation {
			continue
		}
		if st.Task(t.ID).Status != StatusPending {
			continue
		}
		for _, dep := range spec.Dependencies[t.ID] {
			ds := st.Task(dep).Status
			if ds.Terminal() && ds != StatusCompleted {
				blocked = append(blocked, t)
				break
			}
		}
	}
	return blocked
}

// DeriveIdempotencyKey computes the deterministic default idempotency key for
// a task: sha256 over workflow id, task id, and the canonical JSON encoding
// of the inputs (keys sorted).
func DeriveIdempotencyKey(workflowID, taskID string, inputs Payload) string {
	h := sha256.New()
	h.Write([]byte(workflowID))
	h.Write([]byte{0})
	h.Write([]byte(taskID))
	h.Write([]byte{0})
	h.Write([]byte(canonicalJSON(inputs)))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON renders a payload with sorted keys so equal maps always
// produce equal bytes. encoding/json already sorts map keys, but nested
// non-map values are normalized through a marshal round trip first.
func canonicalJSON(p Payload) string {
	if len(p) == 0 {
		return "{}"
	}
	b, err := json.Marshal(p)
	if err != nil {
		// Unmarshalable inputs still need a stable key; fall back to the
		// sorted key list.
		keys := make([]string, 0, len(p))
		for k := range p {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Sprintf("!keys:%v", keys)
	}
	return string(b)
}
