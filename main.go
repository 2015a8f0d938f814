package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/loomkernel/loom/internal/circuitbreaker"
	"github.com/loomkernel/loom/internal/config"
	"github.com/loomkernel/loom/internal/coordinator"
	"github.com/loomkernel/loom/internal/eventlog"
	"github.com/loomkernel/loom/internal/health"
	"github.com/loomkernel/loom/internal/orchestrator"
	"github.com/loomkernel/loom/internal/outbox"
	"github.com/loomkernel/loom/internal/policy"
	"github.com/loomkernel/loom/internal/statestore"
	"github.com/loomkernel/loom/internal/tracing"
	"github.com/loomkernel/loom/internal/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	dumpConfig := flag.Bool("dump-config", false, "print the effective configuration and exit")
	workflowPath := flag.String("workflow", "", "execute the workflow spec at this path and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *dumpConfig {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to render config: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	level := zap.NewAtomicLevelAt(parseLevel(cfg.Logging.Level))
	logger, err := buildLogger(cfg.Logging, level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.OTLPEndpoint,
		ServiceName: "loom",
		SampleRatio: cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutCtx); err != nil {
			logger.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}()

	// Storage: SQL when a driver is configured, memory otherwise.
	var (
		store       statestore.Store
		outboxStore outbox.Store
		dbBreaker   *circuitbreaker.DB
	)
	if cfg.Database.Driver != "" {
		db, err := sqlx.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			logger.Fatal("Failed to open database", zap.Error(err))
		}
		defer db.Close()
		dbBreaker = circuitbreaker.WrapDB(db, logger)
		if err := dbBreaker.PingContext(ctx); err != nil {
			logger.Fatal("Failed to ping database", zap.Error(err))
		}
		sqlState, err := statestore.NewSQLStore(db, logger)
		if err != nil {
			logger.Fatal("Failed to initialize state store", zap.Error(err))
		}
		store = sqlState
		sqlOutbox, err := outbox.NewSQLStore(db, logger)
		if err != nil {
			logger.Fatal("Failed to initialize outbox store", zap.Error(err))
		}
		outboxStore = sqlOutbox
		logger.Info("Using SQL storage", zap.String("driver", cfg.Database.Driver))
	} else {
		store = statestore.NewMemoryStore()
		outboxStore = outbox.NewMemoryStore()
		logger.Warn("No database configured; state and outbox are in memory only")
	}
	outboxSvc := outbox.NewService(outboxStore, cfg.Outbox.StuckAge, logger)

	// Event journal, optionally mirrored to Redis Streams.
	var events eventlog.Log
	fileLog, err := eventlog.NewFileLog(cfg.EventLog.Root, logger)
	if err != nil {
		logger.Fatal("Failed to open event journal", zap.Error(err))
	}
	events = fileLog
	var redisBreaker *circuitbreaker.Redis
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		defer client.Close()
		redisBreaker = circuitbreaker.WrapRedis(client, logger)
		if err := redisBreaker.Ping(ctx); err != nil {
			logger.Warn("Redis unreachable; event mirroring degrades to journal-only", zap.Error(err))
		}
		events = eventlog.NewRedisMirror(fileLog, client, cfg.Redis.StreamMaxLen, logger)
	}

	coord := coordinator.New(logger,
		coordinator.WithEventLog(events),
		coordinator.WithDefaultLockTimeout(cfg.Coordinator.DefaultLockTimeout),
	)
	coord.StartReaper(ctx, cfg.Coordinator.ReaperInterval)

	var guard policy.Guard
	if cfg.Policy.Enabled {
		opa, err := policy.NewOPAEngine(policy.Config{
			Enabled:    cfg.Policy.Enabled,
			Mode:       policy.Mode(cfg.Policy.Mode),
			Path:       cfg.Policy.Path,
			FailClosed: cfg.Policy.FailClosed,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize policy engine", zap.Error(err))
		}
		guard = opa
	}

	engine, err := orchestrator.New(orchestrator.Options{
		StateStore:         store,
		Executor:           echoExecutor(logger),
		EventLog:           events,
		Outbox:             outboxSvc,
		PolicyGuard:        guard,
		Coordinator:        coord,
		MaxConcurrency:     cfg.Engine.MaxConcurrency,
		LockAcquireTimeout: cfg.Engine.LockAcquireTimeout,
		Logger:             logger,
	})
	if err != nil {
		logger.Fatal("Failed to build orchestrator", zap.Error(err))
	}

	if *workflowPath != "" {
		runWorkflowFile(ctx, engine, *workflowPath, logger)
		return
	}

	// Hot-reload: only the log level is adjusted live; structural changes
	// require a restart.
	if *configPath != "" {
		watcher := config.NewWatcher(*configPath, func(next *config.Config) error {
			level.SetLevel(parseLevel(next.Logging.Level))
			return nil
		}, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("Config watcher unavailable", zap.Error(err))
		}
	}

	go reconcileLoop(ctx, outboxSvc, cfg.Outbox, logger)

	if cfg.Metrics.Enabled {
		checks := health.NewRegistry(logger)
		checks.Register(health.DatabaseChecker{DB: dbBreaker}, health.Critical())
		checks.Register(health.RedisChecker{Redis: redisBreaker})
		checks.Register(health.JournalChecker{Root: cfg.EventLog.Root}, health.Critical())
		go serveMetrics(ctx, cfg.Metrics.Port, checks, logger)
	}

	logger.Info("Kernel ready",
		zap.String("event_log_root", cfg.EventLog.Root),
		zap.Bool("redis_mirror", cfg.Redis.Enabled),
		zap.Bool("policy", cfg.Policy.Enabled),
	)
	<-ctx.Done()
	logger.Info("Shutting down")
}

// reconcileLoop periodically revives stuck outbox entries and prunes old
// committed ones. The limiter paces passes even when a pass runs long.
func reconcileLoop(ctx context.Context, svc *outbox.Service, cfg config.OutboxConfig, logger *zap.Logger) {
	limiter := rate.NewLimiter(rate.Every(cfg.ReconcileInterval), 1)
	cleanupEvery := 24 * time.Hour
	lastCleanup := time.Now()
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		actions, err := svc.Reconcile(ctx, outbox.ReconcileOptions{AutoRetry: cfg.AutoRetry})
		if err != nil {
			logger.Error("Outbox reconciliation failed", zap.Error(err))
			continue
		}
		for _, a := range actions {
			if a.Action != "none" {
				logger.Info("Reconciled outbox entry",
					zap.String("idempotency_key", a.IdempotencyKey),
					zap.String("action", a.Action),
				)
			}
		}
		if time.Since(lastCleanup) >= cleanupEvery && cfg.CleanupAge > 0 {
			n, err := svc.Cleanup(ctx, cfg.CleanupAge)
			if err != nil {
				logger.Error("Outbox cleanup failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("Pruned committed outbox entries", zap.Int("count", n))
			}
			lastCleanup = time.Now()
		}
	}
}

func serveMetrics(ctx context.Context, port int, checks *health.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", checks.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	logger.Info("Metrics server listening", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics server failed", zap.Error(err))
	}
}

// runWorkflowFile loads a YAML workflow spec and executes it once. The YAML
// is bridged through JSON so the spec's json tags govern both formats.
func runWorkflowFile(ctx context.Context, engine *orchestrator.Engine, path string, logger *zap.Logger) {
	raw, err := os.ReadFile(path)
	if err != nil {
		logger.Fatal("Failed to read workflow file", zap.Error(err))
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		logger.Fatal("Failed to parse workflow file", zap.Error(err))
	}
	bridged, err := json.Marshal(doc)
	if err != nil {
		logger.Fatal("Failed to parse workflow file", zap.Error(err))
	}
	var spec workflow.Spec
	if err := json.Unmarshal(bridged, &spec); err != nil {
		logger.Fatal("Failed to parse workflow file", zap.Error(err))
	}
	st, err := engine.ExecuteWorkflow(ctx, &spec)
	if err != nil {
		logger.Fatal("Workflow failed",
			zap.String("workflow_id", spec.ID),
			zap.Error(err),
		)
	}
	logger.Info("Workflow finished",
		zap.String("workflow_id", st.WorkflowID),
		zap.String("status", string(st.Status)),
	)
}

// echoExecutor is the built-in executor used when no tool plugins are wired:
// it returns the task inputs unchanged so control flow can be exercised end
// to end.
func echoExecutor(logger *zap.Logger) orchestrator.Executor {
	return orchestrator.ExecutorFunc(func(ctx context.Context, task *workflow.Task, params workflow.Payload) (workflow.Payload, error) {
		logger.Debug("Echo executor invoked",
			zap.String("task_id", task.ID),
			zap.String("tool", task.ToolName),
		)
		out := params.Clone()
		if out == nil {
			out = workflow.Payload{}
		}
		out["echoed"] = true
		return out, nil
	})
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func buildLogger(cfg config.LoggingConfig, level zap.AtomicLevel) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
