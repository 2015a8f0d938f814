package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no entry matches the lookup.
var ErrNotFound = errors.New("outbox: entry not found")

// ErrDuplicateKey is returned by Insert when the idempotency key already has
// an entry.
var ErrDuplicateKey = errors.New("outbox: duplicate idempotency key")

// Store is the persistence backend for outbox entries.
type Store interface {
	// Insert records a new entry; ErrDuplicateKey when the idempotency key
	// is already present.
	Insert(ctx context.Context, e *Entry) error
	// GetByKey resolves an entry by idempotency key, ErrNotFound if absent.
	GetByKey(ctx context.Context, idempotencyKey string) (*Entry, error)
	// GetByID resolves an entry by id, ErrNotFound if absent.
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	// Update persists mutated fields of an existing entry.
	Update(ctx context.Context, e *Entry) error
	// ListNonTerminal returns entries not COMMITTED/DEAD_LETTER, newest
	// last. When olderThan is non-zero only entries updated before it are
	// returned.
	ListNonTerminal(ctx context.Context, olderThan time.Time) ([]*Entry, error)
	// DeleteCommittedBefore removes COMMITTED entries whose committed_at is
	// before the cutoff and reports how many were removed.
	DeleteCommittedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore is an in-process Store for tests and embedded runs.
type MemoryStore struct {
	mu    sync.RWMutex
	byKey map[string]*Entry
	byID  map[uuid.UUID]*Entry
	order []uuid.UUID
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey: make(map[string]*Entry),
		byID:  make(map[uuid.UUID]*Entry),
	}
}

func (m *MemoryStore) Insert(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byKey[e.IdempotencyKey]; exists {
		return ErrDuplicateKey
	}
	cp := e.clone()
	m.byKey[cp.IdempotencyKey] = cp
	m.byID[cp.ID] = cp
	m.order = append(m.order, cp.ID)
	return nil
}

func (m *MemoryStore) GetByKey(ctx context.Context, idempotencyKey string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byKey[idempotencyKey]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[e.ID]
	if !ok {
		return ErrNotFound
	}
	cp := e.clone()
	cp.CreatedAt = cur.CreatedAt
	m.byID[e.ID] = cp
	m.byKey[cp.IdempotencyKey] = cp
	return nil
}

func (m *MemoryStore) ListNonTerminal(ctx context.Context, olderThan time.Time) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for _, id := range m.order {
		e := m.byID[id]
		if e.State.Terminal() {
			continue
		}
		if !olderThan.IsZero() && !e.UpdatedAt.Before(olderThan) {
			continue
		}
		out = append(out, e.clone())
	}
	return out, nil
}

func (m *MemoryStore) DeleteCommittedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	keep := m.order[:0]
	for _, id := range m.order {
		e := m.byID[id]
		if e.State == StateCommitted && e.CommittedAt != nil && e.CommittedAt.Before(cutoff) {
			delete(m.byID, id)
			delete(m.byKey, e.IdempotencyKey)
			removed++
			continue
		}
		keep = append(keep, id)
	}
	m.order = keep
	return removed, nil
}
