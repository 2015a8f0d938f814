// Package coordinator arbitrates shared resources between concurrent agents:
// non-blocking lock acquisition under per-resource policies, a wait-for graph
// whose cycles denote deadlock, a livelock detector over reported state
// signatures, and mitigation strategies for both.
package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomkernel/loom/internal/eventlog"
	"github.com/loomkernel/loom/internal/metrics"
	"github.com/loomkernel/loom/internal/workflow"
)

// Mode is the requested access mode.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

// PolicyType selects the sharing discipline of a resource.
type PolicyType string

const (
	// PolicyExclusive permits at most one holder regardless of mode.
	PolicyExclusive PolicyType = "EXCLUSIVE"
	// PolicyShared permits concurrent readers or a single writer.
	PolicyShared PolicyType = "SHARED"
)

// ResourcePolicy configures one resource. The zero value means EXCLUSIVE
// with the coordinator's default lock timeout.
type ResourcePolicy struct {
	Type                PolicyType    `json:"type"`
	MaxConcurrentAccess int           `json:"max_concurrent_access,omitempty"`
	LockTimeout         time.Duration `json:"lock_timeout,omitempty"`
}

// Lock is one granted access.
type Lock struct {
	ResourceID string    `json:"resource_id"`
	AgentID    string    `json:"agent_id"`
	WorkflowID string    `json:"workflow_id"`
	Mode       Mode      `json:"mode"`
	AcquiredAt time.Time `json:"acquired_at"`
	TimeoutAt  time.Time `json:"timeout_at"`
}

// pendingRequest is a denied acquisition remembered for the wait-for graph.
type pendingRequest struct {
	ResourceID string
	AgentID    string
	WorkflowID string
	Mode       Mode
	Since      time.Time
}

// DefaultLockTimeout bounds abandoned locks when the policy sets none.
const DefaultLockTimeout = 30 * time.Second

// Coordinator is the in-process lock manager. Safe for concurrent use.
type Coordinator struct {
	logger         *zap.Logger
	events         eventlog.Log // optional; nil disables event emission
	defaultTimeout time.Duration

	mu       sync.Mutex
	policies map[string]ResourcePolicy
	locks    map[string][]*Lock          // resource -> grants
	pending  map[string]*pendingRequest  // agent -> latest denied request
	handlers map[Strategy]func(Incident) // mitigation callbacks
	livelock *LivelockDetector
	now      func() time.Time
}

// Option configures the coordinator.
type Option func(*Coordinator)

// WithEventLog emits LOCK_ACQUIRED / LOCK_RELEASED / DEADLOCK_DETECTED
// events onto the owning workflow's stream.
func WithEventLog(log eventlog.Log) Option {
	return func(c *Coordinator) { c.events = log }
}

// WithDefaultLockTimeout overrides DefaultLockTimeout.
func WithDefaultLockTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.defaultTimeout = d }
}

// New creates a coordinator.
func New(logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		logger:         logger,
		defaultTimeout: DefaultLockTimeout,
		policies:       make(map[string]ResourcePolicy),
		locks:          make(map[string][]*Lock),
		pending:        make(map[string]*pendingRequest),
		handlers:       make(map[Strategy]func(Incident)),
		livelock:       NewLivelockDetector(DefaultLivelockConfig()),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetPolicy registers the sharing policy for a resource.
func (c *Coordinator) SetPolicy(resourceID string, policy ResourcePolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies[resourceID] = policy
}

// AcquireLock attempts a non-blocking acquisition. On success the grant is
// recorded and true is returned. On denial the request is recorded in the
// wait-for graph and false is returned; the caller is expected to poll.
func (c *Coordinator) AcquireLock(ctx context.Context, resourceID, agentID, workflowID string, mode Mode) bool {
	c.mu.Lock()

	c.expireLocked(resourceID)
	policy := c.policyFor(resourceID)
	holders := c.locks[resourceID]

	// Re-entrant: the agent already holds a sufficient lock.
	for _, l := range holders {
		if l.AgentID == agentID && (l.Mode == mode || l.Mode == ModeWrite) {
			c.mu.Unlock()
			return true
		}
	}

	if !compatible(policy, holders, mode) {
		c.pending[agentID] = &pendingRequest{
			ResourceID: resourceID,
			AgentID:    agentID,
			WorkflowID: workflowID,
			Mode:       mode,
			Since:      c.now(),
		}
		c.mu.Unlock()
		metrics.LocksDenied.Inc()
		return false
	}

	timeout := policy.LockTimeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	now := c.now()
	lock := &Lock{
		ResourceID: resourceID,
		AgentID:    agentID,
		WorkflowID: workflowID,
		Mode:       mode,
		AcquiredAt: now,
		TimeoutAt:  now.Add(timeout),
	}
	c.locks[resourceID] = append(holders, lock)
	delete(c.pending, agentID)
	c.mu.Unlock()

	metrics.LocksAcquired.WithLabelValues(string(mode)).Inc()
	metrics.LocksHeld.Inc()
	c.emit(ctx, eventlog.LockAcquired, workflowID, workflow.Payload{
		"resource_id": resourceID,
		"agent_id":    agentID,
		"mode":        string(mode),
	})
	return true
}

// ReleaseLock removes the matching grant. Wait-for edges from waiters to the
// releasing agent fall out of the graph because edges are derived from the
// live grant table.
func (c *Coordinator) ReleaseLock(ctx context.Context, resourceID, agentID, workflowID string) bool {
	c.mu.Lock()
	removed := c.removeLocked(resourceID, agentID, workflowID)
	c.mu.Unlock()

	if removed {
		metrics.LocksHeld.Dec()
		c.emit(ctx, eventlog.LockReleased, workflowID, workflow.Payload{
			"resource_id": resourceID,
			"agent_id":    agentID,
			"reason":      "RELEASED",
		})
	}
	return removed
}

// ReleaseAgentLocks drops every lock held by the agent and returns the
// released locks. Used by mitigation and workflow teardown.
func (c *Coordinator) ReleaseAgentLocks(ctx context.Context, agentID string) []*Lock {
	c.mu.Lock()
	var released []*Lock
	for res, holders := range c.locks {
		keep := holders[:0]
		for _, l := range holders {
			if l.AgentID == agentID {
				released = append(released, l)
			} else {
				keep = append(keep, l)
			}
		}
		c.locks[res] = keep
	}
	delete(c.pending, agentID)
	c.mu.Unlock()

	for _, l := range released {
		metrics.LocksHeld.Dec()
		c.emit(ctx, eventlog.LockReleased, l.WorkflowID, workflow.Payload{
			"resource_id": l.ResourceID,
			"agent_id":    l.AgentID,
			"reason":      "MITIGATION",
		})
	}
	return released
}

// Holders returns the current grants for a resource.
func (c *Coordinator) Holders(resourceID string) []*Lock {
	c.mu.Lock()
	defer c.mu.Unlock()
	holders := c.locks[resourceID]
	out := make([]*Lock, len(holders))
	for i, l := range holders {
		cp := *l
		out[i] = &cp
	}
	return out
}

// StartReaper revokes expired locks every interval until ctx is done.
func (c *Coordinator) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.ReapExpired(ctx)
			}
		}
	}()
}

// ReapExpired revokes every lock past its TimeoutAt and returns the count.
func (c *Coordinator) ReapExpired(ctx context.Context) int {
	now := c.now()
	c.mu.Lock()
	var reaped []*Lock
	for res, holders := range c.locks {
		keep := holders[:0]
		for _, l := range holders {
			if now.After(l.TimeoutAt) {
				reaped = append(reaped, l)
			} else {
				keep = append(keep, l)
			}
		}
		c.locks[res] = keep
	}
	c.mu.Unlock()

	for _, l := range reaped {
		metrics.LocksHeld.Dec()
		c.logger.Warn("Reaped expired lock",
			zap.String("resource_id", l.ResourceID),
			zap.String("agent_id", l.AgentID),
		)
		c.emit(ctx, eventlog.LockReleased, l.WorkflowID, workflow.Payload{
			"resource_id": l.ResourceID,
			"agent_id":    l.AgentID,
			"reason":      "TIMEOUT",
		})
	}
	return len(reaped)
}

// compatible applies the §4.3 compatibility matrix under the resource policy.
func compatible(policy ResourcePolicy, holders []*Lock, mode Mode) bool {
	if len(holders) == 0 {
		return true
	}
	if policy.Type == PolicyExclusive || policy.Type == "" {
		return false
	}
	// SHARED: readers coexist, writers are alone.
	if mode == ModeWrite {
		return false
	}
	for _, l := range holders {
		if l.Mode == ModeWrite {
			return false
		}
	}
	if policy.MaxConcurrentAccess > 0 && len(holders) >= policy.MaxConcurrentAccess {
		return false
	}
	return true
}

func (c *Coordinator) policyFor(resourceID string) ResourcePolicy {
	if p, ok := c.policies[resourceID]; ok {
		return p
	}
	return ResourcePolicy{Type: PolicyExclusive}
}

// expireLocked drops locks already past their deadline. Caller holds c.mu.
func (c *Coordinator) expireLocked(resourceID string) {
	now := c.now()
	holders := c.locks[resourceID]
	keep := holders[:0]
	for _, l := range holders {
		if now.After(l.TimeoutAt) {
			metrics.LocksHeld.Dec()
			continue
		}
		keep = append(keep, l)
	}
	c.locks[resourceID] = keep
}

// removeLocked drops the grant held by (agentID, workflowID). The workflow id
// is part of the match: an agent can hold a resource on behalf of one workflow
// while another workflow's release must not take that grant away.
func (c *Coordinator) removeLocked(resourceID, agentID, workflowID string) bool {
	holders := c.locks[resourceID]
	for i, l := range holders {
		if l.AgentID == agentID && l.WorkflowID == workflowID {
			c.locks[resourceID] = append(holders[:i], holders[i+1:]...)
			return true
		}
	}
	return false
}

// waitEdges derives the agent wait-for graph: waiter -> each holder of the
// resource it wants. Caller holds c.mu.
func (c *Coordinator) waitEdges() map[string][]string {
	edges := make(map[string][]string)
	for agent, req := range c.pending {
		for _, holder := range c.locks[req.ResourceID] {
			if holder.AgentID != agent {
				edges[agent] = append(edges[agent], holder.AgentID)
			}
		}
		sort.Strings(edges[agent])
	}
	return edges
}

func (c *Coordinator) emit(ctx context.Context, typ eventlog.Type, workflowID string, meta workflow.Payload) {
	if c.events == nil || workflowID == "" {
		return
	}
	if err := c.events.Append(ctx, eventlog.New(typ, workflowID, "", "", meta)); err != nil {
		c.logger.Warn("Failed to append coordinator event", zap.Error(err))
	}
}
