package eventlog

import (
	"context"
	"sync"

	"github.com/loomkernel/loom/internal/metrics"
)

// MemoryLog is an in-process Log used in tests and embedded runs.
type MemoryLog struct {
	mu     sync.RWMutex
	events map[string][]*Event
}

// NewMemoryLog returns an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{events: make(map[string][]*Event)}
}

// Append records the event in arrival order.
func (l *MemoryLog) Append(ctx context.Context, e *Event) error {
	if e == nil {
		return nil
	}
	l.mu.Lock()
	l.events[e.WorkflowID] = append(l.events[e.WorkflowID], e)
	l.mu.Unlock()
	metrics.EventsAppended.WithLabelValues(string(e.Type)).Inc()
	return nil
}

// List returns the workflow's events in append order, filtered by tenant.
func (l *MemoryLog) List(ctx context.Context, workflowID, tenantID string) ([]*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Event
	for _, e := range l.events[workflowID] {
		if tenantMatch(e, tenantID) {
			out = append(out, e)
		}
	}
	return out, nil
}
