package orchestrator

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomkernel/loom/internal/auth"
	"github.com/loomkernel/loom/internal/coordinator"
	"github.com/loomkernel/loom/internal/eventlog"
	"github.com/loomkernel/loom/internal/feasibility"
	"github.com/loomkernel/loom/internal/outbox"
	"github.com/loomkernel/loom/internal/policy"
	"github.com/loomkernel/loom/internal/statestore"
	"github.com/loomkernel/loom/internal/worldstate"
)

// Options wires the engine. StateStore and Executor are required; every
// other collaborator is optional and, when nil, disables the corresponding
// pipeline step.
type Options struct {
	StateStore statestore.Store // required
	Executor   Executor         // required

	// EventLog defaults to a file journal under eventlog.DefaultRoot.
	EventLog eventlog.Log
	// Outbox defaults to a memory-backed service.
	Outbox *outbox.Service

	CompensationExecutor Executor
	WorldState           *worldstate.Store
	Memory               MemoryAPI
	CRVGate              CRVGate
	RecoveryExecutor     RecoveryExecutor
	PolicyGuard          policy.Guard
	Principal            *auth.Principal
	Telemetry            Telemetry
	FaultInjector        FaultInjector
	HypothesisManager    HypothesisManager
	Sandbox              SandboxIntegration
	AdapterRegistry      AdapterRegistry
	Coordinator          *coordinator.Coordinator

	// Feasibility checking runs when ToolRegistry is set; ConstraintEngine
	// further gates on world-state constraints.
	ToolRegistry     feasibility.ToolRegistry
	ConstraintEngine feasibility.ConstraintEngine

	// MaxConcurrency caps parallel ready tasks; 0 means unbounded.
	MaxConcurrency int
	// LockAcquireTimeout bounds polling for task resource locks.
	LockAcquireTimeout time.Duration
	// LockPollInterval is the delay between acquisition attempts.
	LockPollInterval time.Duration

	Logger *zap.Logger
}

// Engine executes workflows.
type Engine struct {
	opts   Options
	logger *zap.Logger
	events eventlog.Log
	outbox *outbox.Service

	rngMu sync.Mutex
	rng   *rand.Rand

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New validates the options and builds an engine.
func New(opts Options) (*Engine, error) {
	if opts.StateStore == nil {
		return nil, errors.New("orchestrator: state store is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("orchestrator: executor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := opts.EventLog
	if events == nil {
		fl, err := eventlog.NewFileLog(eventlog.DefaultRoot, logger)
		if err != nil {
			return nil, err
		}
		events = fl
	}
	ob := opts.Outbox
	if ob == nil {
		ob = outbox.NewService(outbox.NewMemoryStore(), 0, logger)
	}
	if opts.LockAcquireTimeout <= 0 {
		opts.LockAcquireTimeout = 5 * time.Second
	}
	if opts.LockPollInterval <= 0 {
		opts.LockPollInterval = 10 * time.Millisecond
	}
	return &Engine{
		opts:   opts,
		logger: logger,
		events: events,
		outbox: ob,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// jitter scales d by uniform(0.5, 1.5).
func (e *Engine) jitter(d time.Duration) time.Duration {
	e.rngMu.Lock()
	f := 0.5 + e.rng.Float64()
	e.rngMu.Unlock()
	return time.Duration(float64(d) * f)
}
