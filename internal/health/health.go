// Package health aggregates component checks behind the daemon's /healthz
// endpoint. Critical check failures mark the service unhealthy; non-critical
// failures only degrade it.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status of one component or of the service overall.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// DefaultCheckTimeout bounds a single check when none is configured.
const DefaultCheckTimeout = 2 * time.Second

// Checker probes one component. A nil error means healthy.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckerFunc adapts a named function to Checker.
type CheckerFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckerFunc) Name() string                    { return c.CheckName }
func (c CheckerFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

// Result is one component's outcome in a report.
type Result struct {
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Critical bool          `json:"critical"`
	Duration time.Duration `json:"duration"`
}

// Report is the aggregated health document served on /healthz.
type Report struct {
	Status     Status            `json:"status"`
	Components map[string]Result `json:"components,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

type registered struct {
	checker  Checker
	critical bool
	timeout  time.Duration
}

// Option configures one registration.
type Option func(*registered)

// Critical marks the check as availability-affecting.
func Critical() Option {
	return func(r *registered) { r.critical = true }
}

// WithTimeout overrides the per-check deadline.
func WithTimeout(d time.Duration) Option {
	return func(r *registered) { r.timeout = d }
}

// Registry holds the registered checks and renders reports.
type Registry struct {
	logger *zap.Logger

	mu     sync.RWMutex
	checks []registered
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger}
}

// Register adds a check. Re-registering a name replaces the previous check.
func (r *Registry) Register(c Checker, opts ...Option) {
	reg := registered{checker: c, timeout: DefaultCheckTimeout}
	for _, opt := range opts {
		opt(&reg)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.checks {
		if r.checks[i].checker.Name() == c.Name() {
			r.checks[i] = reg
			return
		}
	}
	r.checks = append(r.checks, reg)
}

// Names returns the registered check names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.checks))
	for i, c := range r.checks {
		names[i] = c.checker.Name()
	}
	sort.Strings(names)
	return names
}

// Report runs every check under its deadline and aggregates the outcome.
func (r *Registry) Report(ctx context.Context) Report {
	r.mu.RLock()
	checks := append([]registered(nil), r.checks...)
	r.mu.RUnlock()

	rep := Report{
		Status:     StatusHealthy,
		Components: make(map[string]Result, len(checks)),
		Timestamp:  time.Now().UTC(),
	}
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		start := time.Now()
		err := c.checker.Check(cctx)
		cancel()

		res := Result{Status: StatusHealthy, Critical: c.critical, Duration: time.Since(start)}
		if err != nil {
			res.Status = StatusUnhealthy
			res.Error = err.Error()
			r.logger.Warn("Health check failed",
				zap.String("check", c.checker.Name()),
				zap.Bool("critical", c.critical),
				zap.Error(err),
			)
			if c.critical {
				rep.Status = StatusUnhealthy
			} else if rep.Status == StatusHealthy {
				rep.Status = StatusDegraded
			}
		}
		rep.Components[c.checker.Name()] = res
	}
	return rep
}

// Handler serves the JSON report: 200 for healthy or degraded, 503 for
// unhealthy.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rep := r.Report(req.Context())
		w.Header().Set("Content-Type", "application/json")
		if rep.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(rep)
	})
}
