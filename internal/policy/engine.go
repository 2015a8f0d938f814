package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/loomkernel/loom/internal/auth"
	"github.com/loomkernel/loom/internal/metrics"
	"github.com/loomkernel/loom/internal/workflow"
)

// Mode controls enforcement.
type Mode string

const (
	ModeOff     Mode = "off"
	ModeDryRun  Mode = "dry-run"
	ModeEnforce Mode = "enforce"
)

// Config configures the OPA engine.
type Config struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Mode    Mode   `mapstructure:"mode" yaml:"mode"`
	Path    string `mapstructure:"path" yaml:"path"`
	// FailClosed denies tasks when policies cannot be loaded or evaluated.
	FailClosed bool `mapstructure:"fail_closed" yaml:"fail_closed"`
}

// OPAEngine evaluates rego policies under data.loom.task.decision. The
// decision document is expected to carry `allow` (bool) and optionally
// `reason` (string).
type OPAEngine struct {
	config   Config
	logger   *zap.Logger
	compiled *rego.PreparedEvalQuery
	enabled  bool
}

// NewOPAEngine compiles the policies under config.Path. With FailClosed
// unset, a load failure degrades to fail-open (all tasks allowed).
func NewOPAEngine(config Config, logger *zap.Logger) (*OPAEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &OPAEngine{
		config:  config,
		logger:  logger,
		enabled: config.Enabled && config.Mode != ModeOff,
	}
	if e.enabled {
		if err := e.LoadPolicies(); err != nil {
			if config.FailClosed {
				return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
			}
			logger.Warn("Failed to load policies, running fail-open", zap.Error(err))
			e.enabled = false
		}
	}
	return e, nil
}

// LoadPolicies (re)compiles every .rego file under the configured path.
func (e *OPAEngine) LoadPolicies() error {
	policies := make(map[string]string)
	err := filepath.Walk(e.config.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		relPath, _ := filepath.Rel(e.config.Path, path)
		policies[strings.TrimSuffix(relPath, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk policy directory: %w", err)
	}
	if len(policies) == 0 {
		return fmt.Errorf("no policy files found in %s", e.config.Path)
	}

	opts := []func(*rego.Rego){rego.Query("data.loom.task.decision")}
	for name, content := range policies {
		opts = append(opts, rego.Module(name, content))
	}
	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compile policies: %w", err)
	}
	e.compiled = &compiled
	e.logger.Info("Policies loaded", zap.Int("modules", len(policies)))
	return nil
}

// Check implements Guard.
func (e *OPAEngine) Check(ctx context.Context, principal *auth.Principal, task *workflow.Task) (*Decision, error) {
	if !e.enabled || e.compiled == nil {
		return &Decision{Allowed: true, Reason: "policy disabled"}, nil
	}

	input := Input{
		Principal: principal,
		TaskID:    task.ID,
		TaskType:  string(task.Type),
		ToolName:  task.ToolName,
		RiskTier:  string(task.Risk()),
		Inputs:    task.Inputs,
		Required:  task.RequiredPermissions,
	}
	results, err := e.compiled.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		if e.config.FailClosed {
			metrics.PolicyDecisions.WithLabelValues("deny").Inc()
			return &Decision{Allowed: false, Reason: fmt.Sprintf("policy evaluation failed: %v", err)}, nil
		}
		e.logger.Warn("Policy evaluation failed, allowing (fail-open)", zap.Error(err))
		metrics.PolicyDecisions.WithLabelValues("allow").Inc()
		return &Decision{Allowed: true, Reason: "policy evaluation failed (fail-open)"}, nil
	}

	decision := e.parseDecision(results)
	if e.config.Mode == ModeDryRun && !decision.Allowed {
		e.logger.Info("Dry-run policy denial",
			zap.String("task_id", task.ID),
			zap.String("reason", decision.Reason),
		)
		metrics.PolicyDecisions.WithLabelValues("dry_run_deny").Inc()
		return &Decision{Allowed: true, Reason: "dry-run: " + decision.Reason}, nil
	}
	if decision.Allowed {
		metrics.PolicyDecisions.WithLabelValues("allow").Inc()
	} else {
		metrics.PolicyDecisions.WithLabelValues("deny").Inc()
	}
	return decision, nil
}

func (e *OPAEngine) parseDecision(results rego.ResultSet) *Decision {
	defaultDeny := e.config.FailClosed
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		if defaultDeny {
			return &Decision{Allowed: false, Reason: "no policy decision"}
		}
		return &Decision{Allowed: true, Reason: "no policy decision"}
	}
	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		if defaultDeny {
			return &Decision{Allowed: false, Reason: "malformed policy decision"}
		}
		return &Decision{Allowed: true, Reason: "malformed policy decision"}
	}
	d := &Decision{}
	if allow, ok := doc["allow"].(bool); ok {
		d.Allowed = allow
	}
	if reason, ok := doc["reason"].(string); ok {
		d.Reason = reason
	}
	return d
}
