// Package feasibility decides, before a task runs, whether it can plausibly
// succeed: the tool must be registered and available, its risk must not
// exceed the task's tier, the tool must be whitelisted when a whitelist is
// set, inputs must be bound, and external constraints must hold against the
// current world state.
package feasibility

import (
	"context"
	"fmt"

	"github.com/loomkernel/loom/internal/workflow"
	"github.com/loomkernel/loom/internal/worldstate"
)

// Tool describes a registered executor target.
type Tool struct {
	Name         string            `json:"name"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Available    bool              `json:"available"`
	RiskLevel    workflow.RiskTier `json:"risk_level"`
}

// ToolRegistry resolves tool names. External collaborator.
type ToolRegistry interface {
	GetTool(name string) (*Tool, bool)
}

// ConstraintResult is one constraint evaluation. Hard violations veto the
// task; soft scores in [0,1] aggregate multiplicatively into the confidence.
type ConstraintResult struct {
	Name      string  `json:"name"`
	Hard      bool    `json:"hard"`
	Satisfied bool    `json:"satisfied"`
	Score     float64 `json:"score"`
	Reason    string  `json:"reason,omitempty"`
}

// ConstraintEngine evaluates task constraints against world state.
// External collaborator.
type ConstraintEngine interface {
	Evaluate(ctx context.Context, task *workflow.Task, world *worldstate.Store) []ConstraintResult
}

// Result is the feasibility verdict.
type Result struct {
	Feasible        bool     `json:"feasible"`
	Reasons         []string `json:"reasons,omitempty"`
	ConfidenceScore float64  `json:"confidence_score"`
}

// Check evaluates the task. registry, engine, and world may each be nil,
// which skips the corresponding checks. A task without a tool name passes
// trivially.
func Check(ctx context.Context, task *workflow.Task, registry ToolRegistry, engine ConstraintEngine, world *worldstate.Store) Result {
	res := Result{Feasible: true, ConfidenceScore: 1.0}

	for k, v := range task.Inputs {
		if v == nil {
			res.Feasible = false
			res.Reasons = append(res.Reasons, fmt.Sprintf("input %q is unbound", k))
		}
	}

	if task.ToolName != "" && registry != nil {
		tool, ok := registry.GetTool(task.ToolName)
		switch {
		case !ok:
			res.Feasible = false
			res.Reasons = append(res.Reasons, fmt.Sprintf("tool %q is not registered", task.ToolName))
		case !tool.Available:
			res.Feasible = false
			res.Reasons = append(res.Reasons, fmt.Sprintf("tool %q is unavailable", task.ToolName))
		case tool.RiskLevel.Rank() > task.Risk().Rank():
			res.Feasible = false
			res.Reasons = append(res.Reasons, fmt.Sprintf(
				"tool %q risk %s exceeds task tier %s", task.ToolName, tool.RiskLevel, task.Risk()))
		}
		if ok && len(task.AllowedTools) > 0 && !contains(task.AllowedTools, task.ToolName) {
			res.Feasible = false
			res.Reasons = append(res.Reasons, fmt.Sprintf("tool %q is not in the allowed list", task.ToolName))
		}
	}

	if engine != nil {
		for _, cr := range engine.Evaluate(ctx, task, world) {
			if cr.Hard && !cr.Satisfied {
				res.Feasible = false
				reason := cr.Reason
				if reason == "" {
					reason = fmt.Sprintf("hard constraint %q violated", cr.Name)
				}
				res.Reasons = append(res.Reasons, reason)
				continue
			}
			if !cr.Hard {
				score := cr.Score
				if score < 0 {
					score = 0
				} else if score > 1 {
					score = 1
				}
				res.ConfidenceScore *= score
			}
		}
	}

	if !res.Feasible {
		res.ConfidenceScore = 0
	}
	return res
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// StaticRegistry is a map-backed ToolRegistry for embedding and tests.
type StaticRegistry map[string]*Tool

// GetTool implements ToolRegistry.
func (r StaticRegistry) GetTool(name string) (*Tool, bool) {
	t, ok := r[name]
	return t, ok
}
