package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomkernel/loom/internal/metrics"
)

// DefaultRoot is where workflow journals live unless configured otherwise.
const DefaultRoot = "./var/run"

// FileLog journals events as NDJSON, one file per workflow at
// <root>/<workflow_id>/events.log. Appends are serialized per log instance;
// records are readable in append order.
type FileLog struct {
	root   string
	logger *zap.Logger

	mu    sync.Mutex
	files map[string]*os.File
}

// NewFileLog creates the journal root (idempotently) and returns the log.
// An empty root falls back to DefaultRoot.
func NewFileLog(root string, logger *zap.Logger) (*FileLog, error) {
	if root == "" {
		root = DefaultRoot
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event log root: %w", err)
	}
	return &FileLog{root: root, logger: logger, files: make(map[string]*os.File)}, nil
}

// Append writes the event as one JSON line to the workflow's journal.
func (l *FileLog) Append(ctx context.Context, e *Event) error {
	if e == nil {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.file(e.WorkflowID)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	metrics.EventsAppended.WithLabelValues(string(e.Type)).Inc()
	return nil
}

// List reads the workflow's journal in append order, filtered by tenant.
// A missing journal yields an empty slice, not an error.
func (l *FileLog) List(ctx context.Context, workflowID, tenantID string) ([]*Event, error) {
	path := l.journalPath(workflowID)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	var events []*Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			l.logger.Warn("Skipping unreadable event record",
				zap.String("workflow_id", workflowID),
				zap.Error(err),
			)
			continue
		}
		if tenantMatch(&e, tenantID) {
			events = append(events, &e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan journal: %w", err)
	}
	return events, nil
}

// Close releases all open journal handles.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for id, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(l.files, id)
	}
	return firstErr
}

func (l *FileLog) journalPath(workflowID string) string {
	return filepath.Join(l.root, workflowID, "events.log")
}

func (l *FileLog) file(workflowID string) (*os.File, error) {
	if f, ok := l.files[workflowID]; ok {
		return f, nil
	}
	dir := filepath.Join(l.root, workflowID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}
	f, err := os.OpenFile(l.journalPath(workflowID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	l.files[workflowID] = f
	return f, nil
}
