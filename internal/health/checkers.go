package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loomkernel/loom/internal/circuitbreaker"
)

// DatabaseChecker pings the breaker-wrapped workflow database.
type DatabaseChecker struct {
	DB *circuitbreaker.DB
}

func (c DatabaseChecker) Name() string { return "database" }

func (c DatabaseChecker) Check(ctx context.Context) error {
	if c.DB == nil {
		return nil // memory-backed deployment
	}
	if c.DB.State() == circuitbreaker.StateOpen {
		return fmt.Errorf("database circuit breaker is open")
	}
	return c.DB.PingContext(ctx)
}

// RedisChecker pings the breaker-wrapped event mirror client.
type RedisChecker struct {
	Redis *circuitbreaker.Redis
}

func (c RedisChecker) Name() string { return "redis" }

func (c RedisChecker) Check(ctx context.Context) error {
	if c.Redis == nil {
		return nil
	}
	if c.Redis.State() == circuitbreaker.StateOpen {
		return fmt.Errorf("redis circuit breaker is open")
	}
	return c.Redis.Ping(ctx)
}

// JournalChecker verifies the event journal root stays writable.
type JournalChecker struct {
	Root string
}

func (c JournalChecker) Name() string { return "event_journal" }

func (c JournalChecker) Check(ctx context.Context) error {
	if c.Root == "" {
		return nil
	}
	probe := filepath.Join(c.Root, ".healthz")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("journal root not writable: %w", err)
	}
	return os.Remove(probe)
}
