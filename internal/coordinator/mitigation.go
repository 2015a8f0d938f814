package coordinator

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// Strategy selects how a detected deadlock or livelock is resolved.
type Strategy string

const (
	// StrategyAbort releases the victim's locks and marks its workflow for
	// failure. The victim is chosen deterministically (smallest agent id).
	StrategyAbort Strategy = "ABORT"
	// StrategyReplan clears the victim's state history and releases its
	// locks so the caller can retry with an altered plan.
	StrategyReplan Strategy = "REPLAN"
	// StrategyEscalate hands the incident to the registered handler.
	StrategyEscalate Strategy = "ESCALATE"
	// StrategyWait does nothing now and relies on rescheduled detection.
	StrategyWait Strategy = "WAIT"
)

// Incident is the context handed to escalation handlers.
type Incident struct {
	Kind     string             `json:"kind"` // deadlock or livelock
	Deadlock *DeadlockDetection `json:"deadlock,omitempty"`
	Livelock *LivelockDetection `json:"livelock,omitempty"`
	Victim   string             `json:"victim,omitempty"`
}

// MitigationResult reports what a mitigation did.
type MitigationResult struct {
	Strategy      Strategy `json:"strategy"`
	Victim        string   `json:"victim,omitempty"`
	ReleasedLocks []*Lock  `json:"released_locks,omitempty"`
	// AbortWorkflow names the workflow the caller should fail (ABORT only).
	AbortWorkflow string `json:"abort_workflow,omitempty"`
	Escalated     bool   `json:"escalated,omitempty"`
}

// RegisterHandler installs the callback invoked for the given strategy.
// Invocation is synchronous from the mitigator's perspective; the handler
// body may itself kick off asynchronous work.
func (c *Coordinator) RegisterHandler(strategy Strategy, fn func(Incident)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[strategy] = fn
}

// MitigateDeadlock resolves a detected deadlock with the given strategy.
func (c *Coordinator) MitigateDeadlock(ctx context.Context, det *DeadlockDetection, strategy Strategy) *MitigationResult {
	if det == nil || len(det.Cycle) == 0 {
		return &MitigationResult{Strategy: strategy}
	}
	victim := smallest(det.Cycle)
	res := &MitigationResult{Strategy: strategy, Victim: victim}

	switch strategy {
	case StrategyAbort:
		res.ReleasedLocks = c.ReleaseAgentLocks(ctx, victim)
		for _, l := range res.ReleasedLocks {
			if l.WorkflowID != "" {
				res.AbortWorkflow = l.WorkflowID
				break
			}
		}
		c.logger.Warn("Deadlock mitigated by abort",
			zap.String("victim", victim),
			zap.Int("released_locks", len(res.ReleasedLocks)),
		)
	case StrategyReplan:
		c.livelock.Clear(victim)
		res.ReleasedLocks = c.ReleaseAgentLocks(ctx, victim)
		c.logger.Info("Deadlock mitigated by replan", zap.String("victim", victim))
	case StrategyEscalate:
		res.Escalated = c.invoke(strategy, Incident{Kind: "deadlock", Deadlock: det, Victim: victim})
	case StrategyWait:
		// Deliberate no-op; detection runs again on the next poll.
	}
	return res
}

// MitigateLivelock resolves a detected livelock with the given strategy.
func (c *Coordinator) MitigateLivelock(ctx context.Context, det *LivelockDetection, strategy Strategy) *MitigationResult {
	if det == nil {
		return &MitigationResult{Strategy: strategy}
	}
	res := &MitigationResult{Strategy: strategy, Victim: det.AgentID}

	switch strategy {
	case StrategyAbort:
		res.ReleasedLocks = c.ReleaseAgentLocks(ctx, det.AgentID)
		res.AbortWorkflow = det.WorkflowID
		c.livelock.Clear(det.AgentID)
		c.logger.Warn("Livelock mitigated by abort", zap.String("victim", det.AgentID))
	case StrategyReplan:
		c.livelock.Clear(det.AgentID)
		res.ReleasedLocks = c.ReleaseAgentLocks(ctx, det.AgentID)
		c.logger.Info("Livelock mitigated by replan", zap.String("victim", det.AgentID))
	case StrategyEscalate:
		res.Escalated = c.invoke(strategy, Incident{Kind: "livelock", Livelock: det, Victim: det.AgentID})
	case StrategyWait:
	}
	return res
}

func (c *Coordinator) invoke(strategy Strategy, inc Incident) bool {
	c.mu.Lock()
	fn := c.handlers[strategy]
	c.mu.Unlock()
	if fn == nil {
		c.logger.Warn("No handler registered for mitigation strategy",
			zap.String("strategy", string(strategy)),
		)
		return false
	}
	fn(inc)
	return true
}

func smallest(agents []string) string {
	sorted := append([]string(nil), agents...)
	sort.Strings(sorted)
	return sorted[0]
}
