package coordinator

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/loomkernel/loom/internal/eventlog"
	"github.com/loomkernel/loom/internal/metrics"
	"github.com/loomkernel/loom/internal/workflow"
)

// DeadlockDetection describes one cycle in the wait-for graph.
type DeadlockDetection struct {
	// Cycle lists the agents forming the cycle, starting from the smallest
	// agent id so detection output is deterministic.
	Cycle []string `json:"cycle"`
	// Resources are the resource ids involved (held or awaited by cycle
	// members), sorted.
	Resources []string `json:"resources"`
}

// DetectDeadlock searches the wait-for graph for a cycle via depth-first
// search and returns the first one found, or nil.
func (c *Coordinator) DetectDeadlock(ctx context.Context) *DeadlockDetection {
	c.mu.Lock()
	edges := c.waitEdges()

	agents := make([]string, 0, len(edges))
	for a := range edges {
		agents = append(agents, a)
	}
	sort.Strings(agents)

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(a string) bool
	visit = func(a string) bool {
		color[a] = gray
		stack = append(stack, a)
		for _, b := range edges[a] {
			switch color[b] {
			case gray:
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append([]string{stack[i]}, cycle...)
					if stack[i] == b {
						break
					}
				}
				return true
			case white:
				if visit(b) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[a] = black
		return false
	}

	for _, a := range agents {
		if color[a] == white && visit(a) {
			break
		}
	}
	if len(cycle) == 0 {
		c.mu.Unlock()
		return nil
	}

	cycle = rotateToSmallest(cycle)

	resourceSet := make(map[string]struct{})
	var workflowID string
	for _, agent := range cycle {
		if req, ok := c.pending[agent]; ok {
			resourceSet[req.ResourceID] = struct{}{}
			if workflowID == "" {
				workflowID = req.WorkflowID
			}
		}
		for res, holders := range c.locks {
			for _, l := range holders {
				if l.AgentID == agent {
					resourceSet[res] = struct{}{}
				}
			}
		}
	}
	c.mu.Unlock()

	resources := make([]string, 0, len(resourceSet))
	for r := range resourceSet {
		resources = append(resources, r)
	}
	sort.Strings(resources)

	det := &DeadlockDetection{Cycle: cycle, Resources: resources}
	metrics.DeadlocksDetected.Inc()
	c.logger.Warn("Deadlock detected",
		zap.Strings("cycle", det.Cycle),
		zap.Strings("resources", det.Resources),
	)
	c.emit(ctx, eventlog.DeadlockDetected, workflowID, workflow.Payload{
		"cycle":     det.Cycle,
		"resources": det.Resources,
	})
	return det
}

// rotateToSmallest normalizes a cycle so it starts at the lexicographically
// smallest agent id.
func rotateToSmallest(cycle []string) []string {
	if len(cycle) == 0 {
		return cycle
	}
	min := 0
	for i, a := range cycle {
		if a < cycle[min] {
			min = i
		}
	}
	out := make([]string, 0, len(cycle))
	out = append(out, cycle[min:]...)
	out = append(out, cycle[:min]...)
	return out
}
