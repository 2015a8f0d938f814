package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomkernel/loom/internal/errdefs"
)

func linearSpec(id string, taskIDs ...string) *Spec {
	spec := &Spec{ID: id, Name: id, Dependencies: map[string][]string{}}
	for i, tid := range taskIDs {
		spec.Tasks = append(spec.Tasks, Task{ID: tid, Name: tid, Type: TaskTypeAction})
		if i > 0 {
			spec.Dependencies[tid] = []string{taskIDs[i-1]}
		}
	}
	return spec
}

func TestValidateRejectsStructuralErrors(t *testing.T) {
	tests := []struct {
		name string
		spec *Spec
		code errdefs.Code
	}{
		{"nil spec", nil, errdefs.CodeSchemaInvalid},
		{"missing id", &Spec{Tasks: []Task{{ID: "a"}}}, errdefs.CodeSchemaInvalid},
		{"no tasks", &Spec{ID: "wf"}, errdefs.CodeSchemaInvalid},
		{
			"duplicate task id",
			&Spec{ID: "wf", Tasks: []Task{{ID: "a"}, {ID: "a"}}},
			errdefs.CodeSchemaInvalid,
		},
		{
			"zero max attempts",
			&Spec{ID: "wf", Tasks: []Task{{ID: "a", Retry: &RetryPolicy{MaxAttempts: 0}}}},
			errdefs.CodeSchemaInvalid,
		},
		{
			"unknown dependency",
			&Spec{
				ID:           "wf",
				Tasks:        []Task{{ID: "a"}},
				Dependencies: map[string][]string{"a": {"ghost"}},
			},
			errdefs.CodeUnknownTaskDependency,
		},
		{
			"dependency on unknown task key",
			&Spec{
				ID:           "wf",
				Tasks:        []Task{{ID: "a"}},
				Dependencies: map[string][]string{"ghost": {"a"}},
			},
			errdefs.CodeUnknownTaskDependency,
		},
		{
			"two-node cycle",
			&Spec{
				ID:           "wf",
				Tasks:        []Task{{ID: "a"}, {ID: "b"}},
				Dependencies: map[string][]string{"a": {"b"}, "b": {"a"}},
			},
			errdefs.CodeCycleDetected,
		},
		{
			"self cycle",
			&Spec{
				ID:           "wf",
				Tasks:        []Task{{ID: "a"}},
				Dependencies: map[string][]string{"a": {"a"}},
			},
			errdefs.CodeCycleDetected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.spec)
			require.Error(t, err)
			assert.Equal(t, tt.code, errdefs.CodeOf(err))
		})
	}
}

func TestValidateAcceptsDiamond(t *testing.T) {
	spec := &Spec{
		ID:    "diamond",
		Tasks: []Task{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}},
		Dependencies: map[string][]string{
			"b": {"a"},
			"c": {"a"},
			"d": {"b", "c"},
		},
	}
	require.NoError(t, Validate(spec))
}

func TestReadyTasksFollowsDependencyOrder(t *testing.T) {
	spec := &Spec{
		ID:    "diamond",
		Tasks: []Task{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}},
		Dependencies: map[string][]string{
			"b": {"a"},
			"c": {"a"},
			"d": {"b", "c"},
		},
	}
	st := NewState(spec)

	ready := ReadyTasks(spec, st)
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)

	st.Task("a").Status = StatusCompleted
	ready = ReadyTasks(spec, st)
	require.Len(t, ready, 2)
	// Insertion order, not map order.
	assert.Equal(t, "b", ready[0].ID)
	assert.Equal(t, "c", ready[1].ID)

	st.Task("b").Status = StatusCompleted
	ready = ReadyTasks(spec, st)
	require.Len(t, ready, 1)
	assert.Equal(t, "c", ready[0].ID)

	st.Task("c").Status = StatusCompleted
	ready = ReadyTasks(spec, st)
	require.Len(t, ready, 1)
	assert.Equal(t, "d", ready[0].ID)
}

func TestBlockedTasks(t *testing.T) {
	spec := linearSpec("wf", "a", "b", "c")
	st := NewState(spec)
	st.Task("a").Status = StatusFailed

	blocked := BlockedTasks(spec, st)
	require.Len(t, blocked, 1)
	assert.Equal(t, "b", blocked[0].ID)
	assert.Empty(t, ReadyTasks(spec, st))
}

func TestDeriveIdempotencyKeyIsStable(t *testing.T) {
	k1 := DeriveIdempotencyKey("wf", "t1", Payload{"a": 1, "b": "x"})
	k2 := DeriveIdempotencyKey("wf", "t1", Payload{"b": "x", "a": 1})
	assert.Equal(t, k1, k2, "key must not depend on map iteration order")

	assert.NotEqual(t, k1, DeriveIdempotencyKey("wf", "t2", Payload{"a": 1, "b": "x"}))
	assert.NotEqual(t, k1, DeriveIdempotencyKey("wf2", "t1", Payload{"a": 1, "b": "x"}))
	assert.NotEqual(t, k1, DeriveIdempotencyKey("wf", "t1", Payload{"a": 2, "b": "x"}))
}

func TestRetryPolicyNormalize(t *testing.T) {
	p := RetryPolicy{}.Normalize()
	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, float64(2), p.BackoffMultiplier)

	var task Task
	assert.Equal(t, DefaultRetryPolicy(), task.RetryOrDefault())
}
