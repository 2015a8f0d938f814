package feasibility

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/loomkernel/loom/internal/workflow"
	"github.com/loomkernel/loom/internal/worldstate"
)

type constraintFunc func(ctx context.Context, task *workflow.Task, world *worldstate.Store) []ConstraintResult

func (f constraintFunc) Evaluate(ctx context.Context, task *workflow.Task, world *worldstate.Store) []ConstraintResult {
	return f(ctx, task, world)
}

func registry() StaticRegistry {
	return StaticRegistry{
		"http.get":   {Name: "http.get", Available: true, RiskLevel: workflow.RiskLow},
		"db.drop":    {Name: "db.drop", Available: true, RiskLevel: workflow.RiskCritical},
		"queue.push": {Name: "queue.push", Available: false, RiskLevel: workflow.RiskLow},
	}
}

func TestCheckPassesRegisteredAvailableTool(t *testing.T) {
	task := &workflow.Task{ID: "t", ToolName: "http.get", RiskTier: workflow.RiskMedium}
	res := Check(context.Background(), task, registry(), nil, nil)
	assert.True(t, res.Feasible)
	assert.Equal(t, 1.0, res.ConfidenceScore)
	assert.Empty(t, res.Reasons)
}

func TestCheckFailsUnknownTool(t *testing.T) {
	task := &workflow.Task{ID: "t", ToolName: "ghost"}
	res := Check(context.Background(), task, registry(), nil, nil)
	assert.False(t, res.Feasible)
	assert.Zero(t, res.ConfidenceScore)
	require.Len(t, res.Reasons, 1)
	assert.Contains(t, res.Reasons[0], "not registered")
}

func TestCheckFailsUnavailableTool(t *testing.T) {
	task := &workflow.Task{ID: "t", ToolName: "queue.push"}
	res := Check(context.Background(), task, registry(), nil, nil)
	assert.False(t, res.Feasible)
	assert.Contains(t, res.Reasons[0], "unavailable")
}

func TestCheckFailsWhenToolRiskExceedsTaskTier(t *testing.T) {
	task := &workflow.Task{ID: "t", ToolName: "db.drop", RiskTier: workflow.RiskMedium}
	res := Check(context.Background(), task, registry(), nil, nil)
	assert.False(t, res.Feasible)
	assert.Contains(t, res.Reasons[0], "exceeds task tier")

	// A CRITICAL-tier task may use a CRITICAL tool.
	task.RiskTier = workflow.RiskCritical
	res = Check(context.Background(), task, registry(), nil, nil)
	assert.True(t, res.Feasible)
}

func TestCheckEnforcesAllowedTools(t *testing.T) {
	task := &workflow.Task{
		ID:           "t",
		ToolName:     "http.get",
		AllowedTools: []string{"queue.push"},
	}
	res := Check(context.Background(), task, registry(), nil, nil)
	assert.False(t, res.Feasible)
	assert.Contains(t, res.Reasons[0], "allowed list")
}

func TestCheckFailsUnboundInput(t *testing.T) {
	task := &workflow.Task{
		ID:       "t",
		ToolName: "http.get",
		Inputs:   workflow.Payload{"url": nil},
	}
	res := Check(context.Background(), task, registry(), nil, nil)
	assert.False(t, res.Feasible)
	assert.Contains(t, res.Reasons[0], "unbound")
}

func TestCheckNoToolNamePassesTrivially(t *testing.T) {
	task := &workflow.Task{ID: "t", Type: workflow.TaskTypeDecision}
	res := Check(context.Background(), task, registry(), nil, nil)
	assert.True(t, res.Feasible)
}

func TestConstraintsAggregateIntoConfidence(t *testing.T) {
	world := worldstate.NewStore(zaptest.NewLogger(t))
	engine := constraintFunc(func(ctx context.Context, task *workflow.Task, world *worldstate.Store) []ConstraintResult {
		return []ConstraintResult{
			{Name: "capacity", Hard: false, Satisfied: true, Score: 0.8},
			{Name: "freshness", Hard: false, Satisfied: true, Score: 0.5},
		}
	})

	task := &workflow.Task{ID: "t", ToolName: "http.get"}
	res := Check(context.Background(), task, registry(), engine, world)
	assert.True(t, res.Feasible)
	assert.InDelta(t, 0.4, res.ConfidenceScore, 1e-9)
}

func TestHardConstraintViolationVetoes(t *testing.T) {
	engine := constraintFunc(func(ctx context.Context, task *workflow.Task, world *worldstate.Store) []ConstraintResult {
		return []ConstraintResult{
			{Name: "budget", Hard: true, Satisfied: false, Reason: "budget exhausted"},
		}
	})

	task := &workflow.Task{ID: "t", ToolName: "http.get"}
	res := Check(context.Background(), task, registry(), engine, nil)
	assert.False(t, res.Feasible)
	assert.Zero(t, res.ConfidenceScore)
	assert.Contains(t, res.Reasons, "budget exhausted")
}
