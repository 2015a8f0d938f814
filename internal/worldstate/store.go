// Package worldstate provides a versioned key-value store with optimistic
// concurrency control. Each key carries a strictly monotonic version; updates
// and deletes must present the expected version or fail with CONFLICT. The
// orchestrator snapshots versions before each task and diffs after, feeding
// STATE_SNAPSHOT / STATE_UPDATED events.
package worldstate

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomkernel/loom/internal/errdefs"
	"github.com/loomkernel/loom/internal/metrics"
)

// Entry is one versioned value.
type Entry struct {
	Key       string      `json:"key"`
	Value     interface{} `json:"value"`
	Version   int64       `json:"version"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ConflictError reports an optimistic-concurrency violation. The store is
// unchanged when one is returned.
type ConflictError struct {
	Key       string `json:"key"`
	Expected  int64  `json:"expected"`
	Actual    int64  `json:"actual"`
	Attempted string `json:"attempted"` // update or delete
}

func (c *ConflictError) Error() string {
	return (&errdefs.Error{
		Code:    errdefs.CodeConflict,
		Message: "version mismatch on " + c.Key,
	}).Error()
}

// AsError wraps the conflict in the coded taxonomy.
func (c *ConflictError) AsError() error {
	return &errdefs.Error{Code: errdefs.CodeConflict, Message: c.Error(), Cause: c}
}

// DiffOp classifies one diff entry.
type DiffOp string

const (
	DiffCreate DiffOp = "create"
	DiffUpdate DiffOp = "update"
	DiffDelete DiffOp = "delete"
)

// DiffEntry describes how one key changed between a snapshot and now.
type DiffEntry struct {
	Operation     DiffOp      `json:"operation"`
	Key           string      `json:"key"`
	Before        interface{} `json:"before,omitempty"`
	After         interface{} `json:"after,omitempty"`
	VersionBefore int64       `json:"version_before,omitempty"`
	VersionAfter  int64       `json:"version_after,omitempty"`
}

// Snapshot maps key to the version observed at capture time.
type Snapshot map[string]int64

// Store is the in-memory world-state store. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	history map[string][]*Entry // per-key version history, oldest first
	logger  *zap.Logger
}

// NewStore creates an empty store.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		entries: make(map[string]*Entry),
		history: make(map[string][]*Entry),
		logger:  logger,
	}
}

// Create inserts a new key at version 1. Creating an existing key is a
// CONFLICT against the key's current version. Re-creating a deleted key
// continues from the key's last historical version, so versions stay
// monotonic and ReadVersion never aliases a pre-delete value.
func (s *Store) Create(key string, value interface{}) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.entries[key]; ok {
		metrics.WorldStateConflicts.Inc()
		return nil, (&ConflictError{Key: key, Expected: 0, Actual: cur.Version, Attempted: "create"}).AsError()
	}
	version := int64(1)
	if hist := s.history[key]; len(hist) > 0 {
		version = hist[len(hist)-1].Version + 1
	}
	e := &Entry{Key: key, Value: value, Version: version, UpdatedAt: time.Now()}
	s.entries[key] = e
	s.history[key] = append(s.history[key], snapshotEntry(e))
	return snapshotEntry(e), nil
}

// Read returns the current entry for key, or nil when absent.
func (s *Store) Read(key string) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[key]; ok {
		return snapshotEntry(e)
	}
	return nil
}

// ReadVersion returns the historical entry for (key, version), or nil.
func (s *Store) ReadVersion(key string, version int64) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.history[key] {
		if e.Version == version {
			return snapshotEntry(e)
		}
	}
	return nil
}

// Update replaces the value of key iff expectedVersion matches the current
// version; the version advances by one. A mismatch returns CONFLICT and the
// store is untouched.
func (s *Store) Update(key string, value interface{}, expectedVersion int64) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[key]
	if !ok {
		metrics.WorldStateConflicts.Inc()
		return nil, (&ConflictError{Key: key, Expected: expectedVersion, Actual: 0, Attempted: "update"}).AsError()
	}
	if cur.Version != expectedVersion {
		metrics.WorldStateConflicts.Inc()
		return nil, (&ConflictError{Key: key, Expected: expectedVersion, Actual: cur.Version, Attempted: "update"}).AsError()
	}
	e := &Entry{Key: key, Value: value, Version: cur.Version + 1, UpdatedAt: time.Now()}
	s.entries[key] = e
	s.history[key] = append(s.history[key], snapshotEntry(e))
	return snapshotEntry(e), nil
}

// Delete removes key iff expectedVersion matches. History is retained so
// ReadVersion still resolves old versions after deletion.
func (s *Store) Delete(key string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[key]
	if !ok {
		metrics.WorldStateConflicts.Inc()
		return (&ConflictError{Key: key, Expected: expectedVersion, Actual: 0, Attempted: "delete"}).AsError()
	}
	if cur.Version != expectedVersion {
		metrics.WorldStateConflicts.Inc()
		return (&ConflictError{Key: key, Expected: expectedVersion, Actual: cur.Version, Attempted: "delete"}).AsError()
	}
	delete(s.entries, key)
	return nil
}

// Snapshot captures the current version of every key.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(Snapshot, len(s.entries))
	for k, e := range s.entries {
		snap[k] = e.Version
	}
	return snap
}

// Diff compares a snapshot against the current state and returns one entry
// per changed key, ordered by key for stable event payloads.
func (s *Store) Diff(snap Snapshot) []DiffEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var diffs []DiffEntry
	for k, e := range s.entries {
		vBefore, existed := snap[k]
		switch {
		case !existed:
			diffs = append(diffs, DiffEntry{
				Operation:    DiffCreate,
				Key:          k,
				After:        e.Value,
				VersionAfter: e.Version,
			})
		case e.Version != vBefore:
			d := DiffEntry{
				Operation:     DiffUpdate,
				Key:           k,
				After:         e.Value,
				VersionBefore: vBefore,
				VersionAfter:  e.Version,
			}
			if old := s.lookupVersion(k, vBefore); old != nil {
				d.Before = old.Value
			}
			diffs = append(diffs, d)
		}
	}
	for k, vBefore := range snap {
		if _, still := s.entries[k]; !still {
			d := DiffEntry{Operation: DiffDelete, Key: k, VersionBefore: vBefore}
			if old := s.lookupVersion(k, vBefore); old != nil {
				d.Before = old.Value
			}
			diffs = append(diffs, d)
		}
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Key < diffs[j].Key })
	return diffs
}

// Keys returns all current keys, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) lookupVersion(key string, version int64) *Entry {
	for _, e := range s.history[key] {
		if e.Version == version {
			return e
		}
	}
	return nil
}

func snapshotEntry(e *Entry) *Entry {
	cp := *e
	return &cp
}
