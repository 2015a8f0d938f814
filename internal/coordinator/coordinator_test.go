package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/loomkernel/loom/internal/eventlog"
	"github.com/loomkernel/loom/internal/workflow"
)

func TestExclusiveLockDeniesSecondHolder(t *testing.T) {
	c := New(zaptest.NewLogger(t))
	ctx := context.Background()

	require.True(t, c.AcquireLock(ctx, "db", "agent-a", "wf-1", ModeWrite))
	assert.False(t, c.AcquireLock(ctx, "db", "agent-b", "wf-1", ModeRead))

	require.True(t, c.ReleaseLock(ctx, "db", "agent-a", "wf-1"))
	assert.True(t, c.AcquireLock(ctx, "db", "agent-b", "wf-1", ModeRead))
}

func TestSharedPolicyAllowsReadersBlocksWriter(t *testing.T) {
	c := New(zaptest.NewLogger(t))
	c.SetPolicy("cache", ResourcePolicy{Type: PolicyShared})
	ctx := context.Background()

	require.True(t, c.AcquireLock(ctx, "cache", "r1", "wf-1", ModeRead))
	require.True(t, c.AcquireLock(ctx, "cache", "r2", "wf-1", ModeRead))
	assert.False(t, c.AcquireLock(ctx, "cache", "w1", "wf-1", ModeWrite))

	c.ReleaseLock(ctx, "cache", "r1", "wf-1")
	c.ReleaseLock(ctx, "cache", "r2", "wf-1")
	assert.True(t, c.AcquireLock(ctx, "cache", "w1", "wf-1", ModeWrite))

	// A writer excludes new readers.
	assert.False(t, c.AcquireLock(ctx, "cache", "r1", "wf-1", ModeRead))
}

func TestSharedPolicyMaxConcurrentAccess(t *testing.T) {
	c := New(zaptest.NewLogger(t))
	c.SetPolicy("pool", ResourcePolicy{Type: PolicyShared, MaxConcurrentAccess: 2})
	ctx := context.Background()

	require.True(t, c.AcquireLock(ctx, "pool", "r1", "wf-1", ModeRead))
	require.True(t, c.AcquireLock(ctx, "pool", "r2", "wf-1", ModeRead))
	assert.False(t, c.AcquireLock(ctx, "pool", "r3", "wf-1", ModeRead))
}

func TestReentrantAcquire(t *testing.T) {
	c := New(zaptest.NewLogger(t))
	ctx := context.Background()

	require.True(t, c.AcquireLock(ctx, "db", "agent-a", "wf-1", ModeWrite))
	assert.True(t, c.AcquireLock(ctx, "db", "agent-a", "wf-1", ModeWrite))
	assert.True(t, c.AcquireLock(ctx, "db", "agent-a", "wf-1", ModeRead), "write lock covers read re-entry")
	assert.Len(t, c.Holders("db"), 1)
}

func TestReleaseLockRequiresMatchingWorkflow(t *testing.T) {
	c := New(zaptest.NewLogger(t))
	ctx := context.Background()

	require.True(t, c.AcquireLock(ctx, "db", "agent-a", "wf-1", ModeWrite))
	// Re-entry on behalf of another workflow does not transfer the grant.
	require.True(t, c.AcquireLock(ctx, "db", "agent-a", "wf-2", ModeWrite))

	assert.False(t, c.ReleaseLock(ctx, "db", "agent-a", "wf-2"))
	holders := c.Holders("db")
	require.Len(t, holders, 1)
	assert.Equal(t, "wf-1", holders[0].WorkflowID)

	assert.True(t, c.ReleaseLock(ctx, "db", "agent-a", "wf-1"))
	assert.Empty(t, c.Holders("db"))
}

func TestLockExpiry(t *testing.T) {
	c := New(zaptest.NewLogger(t), WithDefaultLockTimeout(time.Minute))
	ctx := context.Background()

	clock := time.Now()
	c.now = func() time.Time { return clock }

	require.True(t, c.AcquireLock(ctx, "db", "agent-a", "wf-1", ModeWrite))
	assert.False(t, c.AcquireLock(ctx, "db", "agent-b", "wf-1", ModeWrite))

	// The holder went away; its lease lapses and the waiter gets through.
	clock = clock.Add(2 * time.Minute)
	assert.True(t, c.AcquireLock(ctx, "db", "agent-b", "wf-1", ModeWrite))
}

func TestReapExpiredEmitsTimeoutRelease(t *testing.T) {
	events := eventlog.NewMemoryLog()
	c := New(zaptest.NewLogger(t), WithEventLog(events), WithDefaultLockTimeout(time.Minute))
	ctx := context.Background()

	clock := time.Now()
	c.now = func() time.Time { return clock }

	require.True(t, c.AcquireLock(ctx, "db", "agent-a", "wf-1", ModeWrite))
	clock = clock.Add(2 * time.Minute)
	assert.Equal(t, 1, c.ReapExpired(ctx))

	evs, err := events.List(ctx, "wf-1", "")
	require.NoError(t, err)
	var found bool
	for _, e := range evs {
		if e.Type == eventlog.LockReleased && e.Metadata["reason"] == "TIMEOUT" {
			found = true
		}
	}
	assert.True(t, found, "expected a TIMEOUT lock release event")
}

func TestDeadlockDetectionAndAbort(t *testing.T) {
	events := eventlog.NewMemoryLog()
	c := New(zaptest.NewLogger(t), WithEventLog(events))
	ctx := context.Background()

	// Crossing acquisition order: agent-a holds r1 and wants r2, agent-b
	// holds r2 and wants r1.
	require.True(t, c.AcquireLock(ctx, "r1", "agent-a", "wf-1", ModeWrite))
	require.True(t, c.AcquireLock(ctx, "r2", "agent-b", "wf-2", ModeWrite))
	require.False(t, c.AcquireLock(ctx, "r2", "agent-a", "wf-1", ModeWrite))
	require.False(t, c.AcquireLock(ctx, "r1", "agent-b", "wf-2", ModeWrite))

	det := c.DetectDeadlock(ctx)
	require.NotNil(t, det)
	assert.Equal(t, []string{"agent-a", "agent-b"}, det.Cycle)
	assert.Equal(t, []string{"r1", "r2"}, det.Resources)

	res := c.MitigateDeadlock(ctx, det, StrategyAbort)
	assert.Equal(t, "agent-a", res.Victim, "victim is the smallest agent id")
	assert.Len(t, res.ReleasedLocks, 1)
	assert.Equal(t, "wf-1", res.AbortWorkflow)

	// The survivor can now make progress.
	assert.True(t, c.AcquireLock(ctx, "r1", "agent-b", "wf-2", ModeWrite))
	assert.Nil(t, c.DetectDeadlock(ctx))

	evs, err := events.List(ctx, "wf-1", "")
	require.NoError(t, err)
	var sawDeadlock bool
	for _, e := range evs {
		if e.Type == eventlog.DeadlockDetected {
			sawDeadlock = true
		}
	}
	assert.True(t, sawDeadlock)
}

func TestNoDeadlockOnSimpleWait(t *testing.T) {
	c := New(zaptest.NewLogger(t))
	ctx := context.Background()

	require.True(t, c.AcquireLock(ctx, "r1", "agent-a", "wf-1", ModeWrite))
	require.False(t, c.AcquireLock(ctx, "r1", "agent-b", "wf-2", ModeWrite))
	assert.Nil(t, c.DetectDeadlock(ctx))
}

func TestDeadlockEscalateInvokesHandler(t *testing.T) {
	c := New(zaptest.NewLogger(t))
	ctx := context.Background()

	var got Incident
	c.RegisterHandler(StrategyEscalate, func(inc Incident) { got = inc })

	require.True(t, c.AcquireLock(ctx, "r1", "agent-a", "wf-1", ModeWrite))
	require.True(t, c.AcquireLock(ctx, "r2", "agent-b", "wf-2", ModeWrite))
	require.False(t, c.AcquireLock(ctx, "r2", "agent-a", "wf-1", ModeWrite))
	require.False(t, c.AcquireLock(ctx, "r1", "agent-b", "wf-2", ModeWrite))

	det := c.DetectDeadlock(ctx)
	require.NotNil(t, det)
	res := c.MitigateDeadlock(ctx, det, StrategyEscalate)
	assert.True(t, res.Escalated)
	assert.Equal(t, "deadlock", got.Kind)
	assert.Equal(t, "agent-a", got.Victim)
}

func TestStateSignatureExcludesVolatileKeys(t *testing.T) {
	base := workflow.Payload{"phase": "negotiate", "holding": "r1"}
	withNoise := workflow.Payload{
		"phase":      "negotiate",
		"holding":    "r1",
		"attempt":    7,
		"timestamp":  "2026-08-24T10:00:00Z",
		"updated_at": "2026-08-24T10:00:01Z",
	}
	assert.Equal(t, StateSignature(base), StateSignature(withNoise))
	assert.NotEqual(t, StateSignature(base), StateSignature(workflow.Payload{"phase": "commit", "holding": "r1"}))
}

func TestLivelockDetectsPingPong(t *testing.T) {
	d := NewLivelockDetector(DefaultLivelockConfig())

	a := workflow.Payload{"phase": "try-r1"}
	b := workflow.Payload{"phase": "backoff"}

	// a,b repeated three times is a cycle of length 2.
	for i := 0; i < 3; i++ {
		d.Record("agent-a", "wf-1", "t-1", a)
		d.Record("agent-a", "wf-1", "t-1", b)
	}

	det := d.Detect()
	require.NotNil(t, det)
	assert.Equal(t, "agent-a", det.AgentID)
	assert.Equal(t, "wf-1", det.WorkflowID)
	assert.Equal(t, 2, det.CycleLen)
}

func TestLivelockIgnoresProgress(t *testing.T) {
	d := NewLivelockDetector(DefaultLivelockConfig())

	for i := 0; i < 12; i++ {
		d.Record("agent-a", "wf-1", "t-1", workflow.Payload{"phase": "step", "cursor": i})
	}
	assert.Nil(t, d.Detect(), "distinct states are progress, not livelock")
}

func TestLivelockAttemptCounterDoesNotMaskCycle(t *testing.T) {
	d := NewLivelockDetector(DefaultLivelockConfig())

	// Identical state with a climbing attempt counter: the counter is
	// excluded from the signature, so this is a length-1 cycle.
	for i := 0; i < 3; i++ {
		d.Record("agent-a", "wf-1", "t-1", workflow.Payload{"phase": "retry", "attempt": i})
	}
	det := d.DetectAgent("agent-a")
	require.NotNil(t, det)
	assert.Equal(t, 1, det.CycleLen)
}

func TestLivelockMitigationAbort(t *testing.T) {
	c := New(zaptest.NewLogger(t))
	ctx := context.Background()

	require.True(t, c.AcquireLock(ctx, "r1", "agent-a", "wf-1", ModeWrite))
	for i := 0; i < 3; i++ {
		c.RecordAgentState("agent-a", "wf-1", "t-1", workflow.Payload{"phase": "spin"})
	}
	det := c.DetectLivelock()
	require.NotNil(t, det)

	res := c.MitigateLivelock(ctx, det, StrategyAbort)
	assert.Equal(t, "agent-a", res.Victim)
	assert.Equal(t, "wf-1", res.AbortWorkflow)
	assert.Len(t, res.ReleasedLocks, 1)

	// REPLAN-style clear means the same detector does not immediately refire.
	assert.Nil(t, c.DetectLivelock())
}
