package circuitbreaker

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var breakerState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "loom_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	},
	[]string{"name"},
)

func observe(name string, from, to State) {
	breakerState.WithLabelValues(name).Set(float64(to))
}

func withMetrics(cfg Config) Config {
	prev := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from, to State) {
		observe(name, from, to)
		if prev != nil {
			prev(name, from, to)
		}
	}
	return cfg
}

// DB wraps a sqlx handle so every statement flows through a breaker.
type DB struct {
	db      *sqlx.DB
	breaker *Breaker
}

// WrapDB creates a breaker-protected database handle.
func WrapDB(db *sqlx.DB, logger *zap.Logger) *DB {
	return &DB{db: db, breaker: New("database", withMetrics(DefaultConfig()), logger)}
}

// Unwrap exposes the raw handle for schema setup and migrations.
func (d *DB) Unwrap() *sqlx.DB { return d.db }

// State returns the breaker state.
func (d *DB) State() State { return d.breaker.State() }

func (d *DB) PingContext(ctx context.Context) error {
	return d.breaker.Execute(ctx, func() error { return d.db.PingContext(ctx) })
}

func (d *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := d.breaker.Execute(ctx, func() error {
		var err error
		res, err = d.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

func (d *DB) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return d.breaker.Execute(ctx, func() error {
		return d.db.GetContext(ctx, dest, query, args...)
	})
}

func (d *DB) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return d.breaker.Execute(ctx, func() error {
		return d.db.SelectContext(ctx, dest, query, args...)
	})
}

func (d *DB) Close() error { return d.db.Close() }

// Redis wraps a redis client so stream writes flow through a breaker.
type Redis struct {
	client  redis.UniversalClient
	breaker *Breaker
}

// WrapRedis creates a breaker-protected redis client.
func WrapRedis(client redis.UniversalClient, logger *zap.Logger) *Redis {
	return &Redis{client: client, breaker: New("redis", withMetrics(DefaultConfig()), logger)}
}

// State returns the breaker state.
func (r *Redis) State() State { return r.breaker.State() }

func (r *Redis) Ping(ctx context.Context) error {
	return r.breaker.Execute(ctx, func() error { return r.client.Ping(ctx).Err() })
}

// XAdd appends to a stream under breaker protection.
func (r *Redis) XAdd(ctx context.Context, args *redis.XAddArgs) error {
	return r.breaker.Execute(ctx, func() error { return r.client.XAdd(ctx, args).Err() })
}

// Unwrap exposes the raw client.
func (r *Redis) Unwrap() redis.UniversalClient { return r.client }
