package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomkernel/loom/internal/errdefs"
	"github.com/loomkernel/loom/internal/metrics"
	"github.com/loomkernel/loom/internal/workflow"
)

// DefaultStuckAge is how long an entry may sit in PROCESSING before
// reconciliation treats it as abandoned.
const DefaultStuckAge = 5 * time.Minute

// ExecFunc performs the actual side effect. It must honor ctx cancellation.
type ExecFunc func(ctx context.Context) (workflow.Payload, error)

// Service drives entries through their lifecycle:
// PENDING -> PROCESSING -> (COMMITTED | FAILED), FAILED -> DEAD_LETTER once
// attempts are exhausted.
type Service struct {
	store    Store
	logger   *zap.Logger
	stuckAge time.Duration
	now      func() time.Time

	// keyed in-process locks: concurrent Execute calls on the same key
	// serialize so the losers observe the winner's commit instead of racing
	// it. Cross-process exclusion still relies on the PROCESSING state.
	keyMu sync.Mutex
	keys  map[string]*sync.Mutex
}

// NewService creates a service over the given store. stuckAge <= 0 uses
// DefaultStuckAge.
func NewService(store Store, stuckAge time.Duration, logger *zap.Logger) *Service {
	if stuckAge <= 0 {
		stuckAge = DefaultStuckAge
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		logger:   logger,
		stuckAge: stuckAge,
		now:      time.Now,
		keys:     make(map[string]*sync.Mutex),
	}
}

func (s *Service) keyLock(key string) *sync.Mutex {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	mu, ok := s.keys[key]
	if !ok {
		mu = &sync.Mutex{}
		s.keys[key] = mu
	}
	return mu
}

// Store records an intent as PENDING. It is idempotent on the idempotency
// key: an existing entry is returned unchanged.
func (s *Service) Store(ctx context.Context, intent Intent) (*Entry, error) {
	if existing, err := s.store.GetByKey(ctx, intent.IdempotencyKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	maxAttempts := intent.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	now := s.now()
	e := &Entry{
		ID:             uuid.New(),
		WorkflowID:     intent.WorkflowID,
		TaskID:         intent.TaskID,
		ToolID:         intent.ToolID,
		Params:         intent.Params.Clone(),
		IdempotencyKey: intent.IdempotencyKey,
		State:          StatePending,
		MaxAttempts:    maxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Insert(ctx, e); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			// Lost the race to another writer; the stored entry wins.
			return s.store.GetByKey(ctx, intent.IdempotencyKey)
		}
		return nil, err
	}
	metrics.OutboxEntries.WithLabelValues(string(StatePending)).Inc()
	return e, nil
}

// GetByIdempotencyKey returns the entry for key, or nil when absent.
func (s *Service) GetByIdempotencyKey(ctx context.Context, key string) (*Entry, error) {
	e, err := s.store.GetByKey(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// Execute runs fn exactly once per committed idempotency key.
//
// A COMMITTED entry short-circuits and returns the cached result without
// invoking fn. Otherwise the entry moves to PROCESSING, fn runs under ctx,
// and the outcome is committed or failed. A ctx cancelled before the result
// is recorded never commits: the attempt is marked FAILED so a retry or
// compensation can settle the side effect.
func (s *Service) Execute(ctx context.Context, intent Intent, fn ExecFunc) (workflow.Payload, error) {
	mu := s.keyLock(intent.IdempotencyKey)
	mu.Lock()
	defer mu.Unlock()

	e, err := s.Store(ctx, intent)
	if err != nil {
		return nil, err
	}

	switch e.State {
	case StateCommitted:
		metrics.OutboxReplayHits.Inc()
		s.logger.Debug("Outbox replay hit",
			zap.String("workflow_id", e.WorkflowID),
			zap.String("task_id", e.TaskID),
			zap.String("idempotency_key", e.IdempotencyKey),
		)
		return e.Result.Clone(), nil
	case StateDeadLetter:
		return nil, errdefs.New(errdefs.CodeToolError, "idempotency key %s is dead-lettered: %s", e.IdempotencyKey, e.Error)
	case StateProcessing:
		if s.now().Sub(e.UpdatedAt) < s.stuckAge {
			return nil, errdefs.New(errdefs.CodeToolError, "idempotency key %s is already in flight", e.IdempotencyKey)
		}
		// Stuck from a previous run; fall through and retry.
		s.logger.Warn("Retrying stuck outbox entry",
			zap.String("idempotency_key", e.IdempotencyKey),
			zap.Time("stuck_since", e.UpdatedAt),
		)
	}

	e.State = StateProcessing
	e.Attempts++
	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	metrics.OutboxEntries.WithLabelValues(string(StateProcessing)).Inc()

	result, execErr := fn(ctx)
	if execErr == nil && ctx.Err() != nil {
		// The deadline fired while fn was finishing; the caller has already
		// moved on, so the work must not be treated as committed.
		execErr = ctx.Err()
	}
	if execErr != nil {
		// Record the failure even when ctx itself is what expired.
		if ferr := s.MarkFailed(context.WithoutCancel(ctx), e.ID, execErr); ferr != nil {
			s.logger.Error("Failed to record outbox failure",
				zap.String("idempotency_key", e.IdempotencyKey),
				zap.Error(ferr),
			)
		}
		return nil, execErr
	}

	if err := s.Commit(ctx, e.ID, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Commit marks the entry COMMITTED with its result.
func (s *Service) Commit(ctx context.Context, id uuid.UUID, result workflow.Payload) error {
	e, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	e.State = StateCommitted
	e.Result = result.Clone()
	if e.Result == nil {
		e.Result = workflow.Payload{}
	}
	e.Error = ""
	e.UpdatedAt = now
	e.CommittedAt = &now
	if err := s.store.Update(ctx, e); err != nil {
		return fmt.Errorf("failed to commit outbox entry: %w", err)
	}
	metrics.OutboxEntries.WithLabelValues(string(StateCommitted)).Inc()
	return nil
}

// MarkFailed records a failed attempt; an entry with its attempt budget
// spent goes to DEAD_LETTER, which is terminal.
func (s *Service) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	e, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	e.Error = cause.Error()
	e.UpdatedAt = s.now()
	if e.Attempts >= e.MaxAttempts {
		e.State = StateDeadLetter
	} else {
		e.State = StateFailed
	}
	if err := s.store.Update(ctx, e); err != nil {
		return fmt.Errorf("failed to mark outbox entry failed: %w", err)
	}
	metrics.OutboxEntries.WithLabelValues(string(e.State)).Inc()
	return nil
}

// ReconcileOptions tunes a reconciliation pass.
type ReconcileOptions struct {
	// MaxAge restricts the scan to entries last updated before now-MaxAge.
	// Zero scans everything non-terminal.
	MaxAge time.Duration
	// AutoRetry revives FAILED entries with remaining attempts to PENDING.
	AutoRetry bool
}

// ReconcileAction reports what happened to one entry.
type ReconcileAction struct {
	EntryID        uuid.UUID `json:"entry_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	State          State     `json:"state"`
	Action         string    `json:"action"` // reset_stuck, retry, none
}

// Reconcile scans non-terminal entries and revives the ones that can make
// progress: stuck PROCESSING entries reset to PENDING, and (with AutoRetry)
// FAILED entries with attempts remaining reset to PENDING.
func (s *Service) Reconcile(ctx context.Context, opts ReconcileOptions) ([]ReconcileAction, error) {
	var olderThan time.Time
	if opts.MaxAge > 0 {
		olderThan = s.now().Add(-opts.MaxAge)
	}
	entries, err := s.store.ListNonTerminal(ctx, olderThan)
	if err != nil {
		return nil, err
	}

	actions := make([]ReconcileAction, 0, len(entries))
	for _, e := range entries {
		action := "none"
		switch {
		case e.State == StateProcessing && s.now().Sub(e.UpdatedAt) > s.stuckAge:
			e.State = StatePending
			e.UpdatedAt = s.now()
			if err := s.store.Update(ctx, e); err != nil {
				return actions, err
			}
			action = "reset_stuck"
		case e.State == StateFailed && opts.AutoRetry && e.Attempts < e.MaxAttempts:
			e.State = StatePending
			e.UpdatedAt = s.now()
			if err := s.store.Update(ctx, e); err != nil {
				return actions, err
			}
			action = "retry"
		}
		metrics.OutboxReconciled.WithLabelValues(action).Inc()
		actions = append(actions, ReconcileAction{
			EntryID:        e.ID,
			IdempotencyKey: e.IdempotencyKey,
			State:          e.State,
			Action:         action,
		})
	}
	return actions, nil
}

// Cleanup removes COMMITTED entries older than age and returns the count.
// FAILED and DEAD_LETTER entries are never auto-cleaned.
func (s *Service) Cleanup(ctx context.Context, age time.Duration) (int, error) {
	return s.store.DeleteCommittedBefore(ctx, s.now().Add(-age))
}
