package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/loomkernel/loom/internal/workflow"
)

// Schema creates the outbox table when absent. Valid on sqlite and postgres.
const Schema = `
CREATE TABLE IF NOT EXISTS outbox_entries (
    id              TEXT PRIMARY KEY,
    workflow_id     TEXT NOT NULL,
    task_id         TEXT NOT NULL,
    tool_id         TEXT NOT NULL,
    params          TEXT,
    idempotency_key TEXT NOT NULL UNIQUE,
    state           TEXT NOT NULL,
    attempts        INTEGER NOT NULL DEFAULT 0,
    max_attempts    INTEGER NOT NULL DEFAULT 1,
    result          TEXT,
    error           TEXT,
    created_at      TIMESTAMP NOT NULL,
    updated_at      TIMESTAMP NOT NULL,
    committed_at    TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_outbox_state ON outbox_entries (state, updated_at);
`

type entryRow struct {
	ID             string         `db:"id"`
	WorkflowID     string         `db:"workflow_id"`
	TaskID         string         `db:"task_id"`
	ToolID         string         `db:"tool_id"`
	Params         sql.NullString `db:"params"`
	IdempotencyKey string         `db:"idempotency_key"`
	State          string         `db:"state"`
	Attempts       int            `db:"attempts"`
	MaxAttempts    int            `db:"max_attempts"`
	Result         sql.NullString `db:"result"`
	Error          sql.NullString `db:"error"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	CommittedAt    *time.Time     `db:"committed_at"`
}

// SQLStore persists outbox entries through sqlx.
type SQLStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSQLStore wraps an open sqlx handle and ensures the schema exists.
func NewSQLStore(db *sqlx.DB, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("failed to ensure outbox schema: %w", err)
	}
	return &SQLStore{db: db, logger: logger}, nil
}

func (s *SQLStore) Insert(ctx context.Context, e *Entry) error {
	row, err := toRow(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
        INSERT INTO outbox_entries
            (id, workflow_id, task_id, tool_id, params, idempotency_key, state,
             attempts, max_attempts, result, error, created_at, updated_at, committed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		row.ID, row.WorkflowID, row.TaskID, row.ToolID, row.Params, row.IdempotencyKey,
		row.State, row.Attempts, row.MaxAttempts, row.Result, row.Error,
		row.CreatedAt, row.UpdatedAt, row.CommittedAt)
	if err != nil {
		// Both sqlite and postgres surface the unique index violation on
		// idempotency_key; treat any insert failure with an existing key as
		// a duplicate.
		if existing, gerr := s.GetByKey(ctx, e.IdempotencyKey); gerr == nil && existing != nil {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

func (s *SQLStore) GetByKey(ctx context.Context, idempotencyKey string) (*Entry, error) {
	var row entryRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT * FROM outbox_entries WHERE idempotency_key = ?`), idempotencyKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox entry: %w", err)
	}
	return fromRow(&row)
}

func (s *SQLStore) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	var row entryRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT * FROM outbox_entries WHERE id = ?`), id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox entry: %w", err)
	}
	return fromRow(&row)
}

func (s *SQLStore) Update(ctx context.Context, e *Entry) error {
	row, err := toRow(e)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
        UPDATE outbox_entries SET
            state = ?, attempts = ?, max_attempts = ?, result = ?, error = ?,
            updated_at = ?, committed_at = ?
        WHERE id = ?`),
		row.State, row.Attempts, row.MaxAttempts, row.Result, row.Error,
		row.UpdatedAt, row.CommittedAt, row.ID)
	if err != nil {
		return fmt.Errorf("failed to update outbox entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListNonTerminal(ctx context.Context, olderThan time.Time) ([]*Entry, error) {
	query := `SELECT * FROM outbox_entries WHERE state NOT IN ('COMMITTED', 'DEAD_LETTER')`
	args := []interface{}{}
	if !olderThan.IsZero() {
		query += ` AND updated_at < ?`
		args = append(args, olderThan)
	}
	query += ` ORDER BY created_at`

	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list outbox entries: %w", err)
	}
	out := make([]*Entry, 0, len(rows))
	for i := range rows {
		e, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *SQLStore) DeleteCommittedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM outbox_entries WHERE state = 'COMMITTED' AND committed_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean outbox entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleaned entries: %w", err)
	}
	return int(n), nil
}

func toRow(e *Entry) (*entryRow, error) {
	row := &entryRow{
		ID:             e.ID.String(),
		WorkflowID:     e.WorkflowID,
		TaskID:         e.TaskID,
		ToolID:         e.ToolID,
		IdempotencyKey: e.IdempotencyKey,
		State:          string(e.State),
		Attempts:       e.Attempts,
		MaxAttempts:    e.MaxAttempts,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
		CommittedAt:    e.CommittedAt,
	}
	if e.Params != nil {
		b, err := json.Marshal(e.Params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode params: %w", err)
		}
		row.Params = sql.NullString{String: string(b), Valid: true}
	}
	if e.Result != nil {
		b, err := json.Marshal(e.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode result: %w", err)
		}
		row.Result = sql.NullString{String: string(b), Valid: true}
	}
	if e.Error != "" {
		row.Error = sql.NullString{String: e.Error, Valid: true}
	}
	return row, nil
}

func fromRow(row *entryRow) (*Entry, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse outbox entry id: %w", err)
	}
	e := &Entry{
		ID:             id,
		WorkflowID:     row.WorkflowID,
		TaskID:         row.TaskID,
		ToolID:         row.ToolID,
		IdempotencyKey: row.IdempotencyKey,
		State:          State(row.State),
		Attempts:       row.Attempts,
		MaxAttempts:    row.MaxAttempts,
		Error:          row.Error.String,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
		CommittedAt:    row.CommittedAt,
	}
	if row.Params.Valid {
		var p workflow.Payload
		if err := json.Unmarshal([]byte(row.Params.String), &p); err != nil {
			return nil, fmt.Errorf("failed to decode params: %w", err)
		}
		e.Params = p
	}
	if row.Result.Valid {
		var r workflow.Payload
		if err := json.Unmarshal([]byte(row.Result.String), &r); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
		e.Result = r
	}
	return e, nil
}
