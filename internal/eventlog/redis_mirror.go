package eventlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisMirror decorates a Log and mirrors every appended event onto a Redis
// Stream (`loom:events:<workflow_id>`) so live consumers can tail workflows
// without touching the journal. Mirroring is best-effort: a Redis failure is
// logged but never fails the append.
type RedisMirror struct {
	inner  Log
	client redis.UniversalClient
	maxLen int64
	logger *zap.Logger
}

// NewRedisMirror wraps inner with stream mirroring. maxLen caps each stream
// with approximate trimming; 0 means a 4096-entry default.
func NewRedisMirror(inner Log, client redis.UniversalClient, maxLen int64, logger *zap.Logger) *RedisMirror {
	if maxLen <= 0 {
		maxLen = 4096
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisMirror{inner: inner, client: client, maxLen: maxLen, logger: logger}
}

// StreamKey returns the Redis stream name for a workflow.
func StreamKey(workflowID string) string {
	return fmt.Sprintf("loom:events:%s", workflowID)
}

// Append journals the event, then mirrors it.
func (m *RedisMirror) Append(ctx context.Context, e *Event) error {
	if err := m.inner.Append(ctx, e); err != nil {
		return err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		m.logger.Warn("Failed to encode event for stream mirror", zap.Error(err))
		return nil
	}
	err = m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(e.WorkflowID),
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":    string(e.Type),
			"task_id": e.TaskID,
			"event":   string(payload),
		},
	}).Err()
	if err != nil {
		m.logger.Warn("Failed to mirror event to redis stream",
			zap.String("workflow_id", e.WorkflowID),
			zap.String("type", string(e.Type)),
			zap.Error(err),
		)
	}
	return nil
}

// List delegates to the journaled log.
func (m *RedisMirror) List(ctx context.Context, workflowID, tenantID string) ([]*Event, error) {
	return m.inner.List(ctx, workflowID, tenantID)
}
