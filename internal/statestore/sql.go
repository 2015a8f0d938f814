package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/loomkernel/loom/internal/workflow"
)

// SQLStore persists state in two tables, workflow_state and task_state.
// It works against sqlite (embedded, tests) and postgres (production)
// through sqlx; statements are written with "?" placeholders and rebound
// per driver.
type SQLStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Schema creates the tables when absent. Types are chosen to be valid on
// both sqlite and postgres.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_state (
    workflow_id  TEXT PRIMARY KEY,
    tenant_id    TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL,
    started_at   TIMESTAMP,
    completed_at TIMESTAMP,
    payload      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_state (
    workflow_id  TEXT NOT NULL,
    task_id      TEXT NOT NULL,
    attempt      INTEGER NOT NULL DEFAULT 0,
    status       TEXT NOT NULL,
    result       TEXT,
    error        TEXT,
    started_at   TIMESTAMP,
    completed_at TIMESTAMP,
    PRIMARY KEY (workflow_id, task_id)
);
`

// NewSQLStore wraps an open sqlx handle and ensures the schema exists.
func NewSQLStore(db *sqlx.DB, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("failed to ensure statestore schema: %w", err)
	}
	return &SQLStore{db: db, logger: logger}, nil
}

// Open connects to the given driver/DSN and returns a ready store.
// Supported drivers: sqlite3, postgres.
func Open(driver, dsn string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping state database: %w", err)
	}
	return NewSQLStore(db, logger)
}

// SaveWorkflow upserts the workflow row and every task row in one
// transaction.
func (s *SQLStore) SaveWorkflow(ctx context.Context, st *workflow.State) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode workflow state: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, s.db.Rebind(`
        INSERT INTO workflow_state (workflow_id, tenant_id, status, started_at, completed_at, payload)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT (workflow_id) DO UPDATE SET
            tenant_id = excluded.tenant_id,
            status = excluded.status,
            started_at = excluded.started_at,
            completed_at = excluded.completed_at,
            payload = excluded.payload`),
		st.WorkflowID, st.TenantID, string(st.Status), st.StartedAt, st.CompletedAt, string(payload))
	if err != nil {
		return fmt.Errorf("failed to upsert workflow state: %w", err)
	}

	for _, ts := range st.Tasks {
		if err := upsertTask(ctx, tx, s.db, st.WorkflowID, ts); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workflow state: %w", err)
	}
	return nil
}

// SaveTask upserts one task row and refreshes the workflow payload so the
// rehydrated state matches.
func (s *SQLStore) SaveTask(ctx context.Context, workflowID, tenantID string, ts *workflow.TaskState) error {
	st, err := s.GetWorkflow(ctx, workflowID, "")
	if err != nil {
		return err
	}
	if st == nil {
		st = &workflow.State{
			WorkflowID: workflowID,
			TenantID:   tenantID,
			Status:     workflow.StatusPending,
			Tasks:      make(map[string]*workflow.TaskState),
		}
	}
	st.Tasks[ts.TaskID] = cloneTask(ts)
	return s.SaveWorkflow(ctx, st)
}

// GetWorkflow loads the state from the payload column, tenant-filtered.
func (s *SQLStore) GetWorkflow(ctx context.Context, workflowID, tenantID string) (*workflow.State, error) {
	var row struct {
		TenantID string `db:"tenant_id"`
		Payload  string `db:"payload"`
	}
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT tenant_id, payload FROM workflow_state WHERE workflow_id = ?`), workflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow state: %w", err)
	}
	if tenantID != "" && row.TenantID != tenantID {
		return nil, nil
	}
	var st workflow.State
	if err := json.Unmarshal([]byte(row.Payload), &st); err != nil {
		return nil, fmt.Errorf("failed to decode workflow state: %w", err)
	}
	if st.Tasks == nil {
		st.Tasks = make(map[string]*workflow.TaskState)
	}
	return &st, nil
}

// Close closes the underlying handle.
func (s *SQLStore) Close() error { return s.db.Close() }

func upsertTask(ctx context.Context, tx *sqlx.Tx, db *sqlx.DB, workflowID string, ts *workflow.TaskState) error {
	var result interface{}
	if ts.Result != nil {
		b, err := json.Marshal(ts.Result)
		if err != nil {
			return fmt.Errorf("failed to encode task result: %w", err)
		}
		result = string(b)
	}
	var started, completed interface{}
	if ts.StartedAt != nil {
		started = ts.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if ts.CompletedAt != nil {
		completed = ts.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := tx.ExecContext(ctx, db.Rebind(`
        INSERT INTO task_state (workflow_id, task_id, attempt, status, result, error, started_at, completed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (workflow_id, task_id) DO UPDATE SET
            attempt = excluded.attempt,
            status = excluded.status,
            result = excluded.result,
            error = excluded.error,
            started_at = excluded.started_at,
            completed_at = excluded.completed_at`),
		workflowID, ts.TaskID, ts.Attempt, string(ts.Status), result, nullIfEmpty(ts.Error), started, completed)
	if err != nil {
		return fmt.Errorf("failed to upsert task state: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
