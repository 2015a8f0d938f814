package outbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/loomkernel/loom/internal/workflow"
)

func testIntent(key string, maxAttempts int) Intent {
	return Intent{
		WorkflowID:     "wf-1",
		TaskID:         "t-1",
		ToolID:         "http.post",
		Params:         workflow.Payload{"url": "https://example.com"},
		IdempotencyKey: key,
		MaxAttempts:    maxAttempts,
	}
}

func TestExecuteCommitsOnce(t *testing.T) {
	svc := NewService(NewMemoryStore(), 0, zaptest.NewLogger(t))
	ctx := context.Background()

	var calls int32
	fn := func(ctx context.Context) (workflow.Payload, error) {
		atomic.AddInt32(&calls, 1)
		return workflow.Payload{"charge_id": "ch_123"}, nil
	}

	res, err := svc.Execute(ctx, testIntent("pay-1", 3), fn)
	require.NoError(t, err)
	assert.Equal(t, "ch_123", res["charge_id"])
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	// Replay: same key returns the cached result without re-invoking fn.
	res, err = svc.Execute(ctx, testIntent("pay-1", 3), fn)
	require.NoError(t, err)
	assert.Equal(t, "ch_123", res["charge_id"])
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	e, err := svc.GetByIdempotencyKey(ctx, "pay-1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, StateCommitted, e.State)
	require.NotNil(t, e.CommittedAt)
}

func TestExecuteConcurrentSameKeySingleCommit(t *testing.T) {
	svc := NewService(NewMemoryStore(), 0, zaptest.NewLogger(t))
	ctx := context.Background()

	var calls int32
	fn := func(ctx context.Context) (workflow.Payload, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return workflow.Payload{"ok": true}, nil
	}

	const workers = 8
	var wg sync.WaitGroup
	var succeeded int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Execute(ctx, testIntent("race-1", 1), fn)
			if err == nil && res["ok"] == true {
				atomic.AddInt32(&succeeded, 1)
			}
		}()
	}
	wg.Wait()

	// One invocation commits; the rest serialize behind it and replay the
	// cached result.
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.EqualValues(t, workers, atomic.LoadInt32(&succeeded))
}

func TestExecuteFailureThenRetryThenDeadLetter(t *testing.T) {
	svc := NewService(NewMemoryStore(), 0, zaptest.NewLogger(t))
	ctx := context.Background()

	boom := errors.New("upstream 503")
	fail := func(ctx context.Context) (workflow.Payload, error) { return nil, boom }

	_, err := svc.Execute(ctx, testIntent("flaky-1", 2), fail)
	require.ErrorIs(t, err, boom)
	e, _ := svc.GetByIdempotencyKey(ctx, "flaky-1")
	assert.Equal(t, StateFailed, e.State)
	assert.Equal(t, 1, e.Attempts)

	// Second attempt exhausts the budget.
	_, err = svc.Execute(ctx, testIntent("flaky-1", 2), fail)
	require.ErrorIs(t, err, boom)
	e, _ = svc.GetByIdempotencyKey(ctx, "flaky-1")
	assert.Equal(t, StateDeadLetter, e.State)
	assert.Equal(t, 2, e.Attempts)

	// Dead letter is terminal: fn never runs again.
	var calls int32
	_, err = svc.Execute(ctx, testIntent("flaky-1", 2), func(ctx context.Context) (workflow.Payload, error) {
		atomic.AddInt32(&calls, 1)
		return workflow.Payload{}, nil
	})
	require.Error(t, err)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestCancelledContextNeverCommits(t *testing.T) {
	svc := NewService(NewMemoryStore(), 0, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())

	_, err := svc.Execute(ctx, testIntent("cancel-1", 1), func(ctx context.Context) (workflow.Payload, error) {
		cancel()
		// fn "succeeded" but the caller already gave up.
		return workflow.Payload{"ok": true}, nil
	})
	require.Error(t, err)

	e, gerr := svc.GetByIdempotencyKey(context.Background(), "cancel-1")
	require.NoError(t, gerr)
	require.NotNil(t, e)
	assert.NotEqual(t, StateCommitted, e.State)
}

func TestReconcileResetsStuckEntries(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	clock := time.Now()
	svc.now = func() time.Time { return clock }

	e, err := svc.Store(ctx, testIntent("stuck-1", 3))
	require.NoError(t, err)
	e.State = StateProcessing
	e.Attempts = 1
	e.UpdatedAt = clock
	require.NoError(t, store.Update(ctx, e))

	// Not stuck yet.
	actions, err := svc.Reconcile(ctx, ReconcileOptions{})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "none", actions[0].Action)

	// A crash left the entry in PROCESSING past the stuck age.
	clock = clock.Add(2 * time.Minute)
	actions, err = svc.Reconcile(ctx, ReconcileOptions{})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "reset_stuck", actions[0].Action)
	assert.Equal(t, StatePending, actions[0].State)
}

func TestReconcileAutoRetry(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	e, err := svc.Store(ctx, testIntent("retry-1", 3))
	require.NoError(t, err)
	e.State = StateFailed
	e.Attempts = 1
	require.NoError(t, store.Update(ctx, e))

	actions, err := svc.Reconcile(ctx, ReconcileOptions{AutoRetry: false})
	require.NoError(t, err)
	assert.Equal(t, "none", actions[0].Action)

	actions, err = svc.Reconcile(ctx, ReconcileOptions{AutoRetry: true})
	require.NoError(t, err)
	assert.Equal(t, "retry", actions[0].Action)
	assert.Equal(t, StatePending, actions[0].State)
}

func TestCleanupRemovesOnlyOldCommitted(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, 0, zaptest.NewLogger(t))
	ctx := context.Background()

	clock := time.Now()
	svc.now = func() time.Time { return clock }

	_, err := svc.Execute(ctx, testIntent("old-1", 1), func(ctx context.Context) (workflow.Payload, error) {
		return workflow.Payload{}, nil
	})
	require.NoError(t, err)

	_, err = svc.Execute(ctx, testIntent("dead-1", 1), func(ctx context.Context) (workflow.Payload, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)

	clock = clock.Add(48 * time.Hour)
	n, err := svc.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The dead letter is retained for operator inspection.
	e, err := svc.GetByIdempotencyKey(ctx, "dead-1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, StateDeadLetter, e.State)

	gone, err := svc.GetByIdempotencyKey(ctx, "old-1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestStoreIsIdempotentOnKey(t *testing.T) {
	svc := NewService(NewMemoryStore(), 0, zaptest.NewLogger(t))
	ctx := context.Background()

	e1, err := svc.Store(ctx, testIntent("dup-1", 1))
	require.NoError(t, err)
	e2, err := svc.Store(ctx, testIntent("dup-1", 1))
	require.NoError(t, err)
	assert.Equal(t, e1.ID, e2.ID)
}
