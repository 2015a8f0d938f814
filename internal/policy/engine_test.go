package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/loomkernel/loom/internal/auth"
	"github.com/loomkernel/loom/internal/workflow"
)

const taskPolicy = `
package loom.task

default decision = {"allow": false, "reason": "denied by default"}

decision = {"allow": true, "reason": "low risk"} {
	input.risk_tier == "LOW"
}

decision = {"allow": false, "reason": "destructive tool requires admin"} {
	input.tool_name == "db.drop"
	not has_role("admin")
}

has_role(r) {
	input.principal.roles[_] == r
}
`

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "task.rego"), []byte(content), 0o644))
	return dir
}

func newEngine(t *testing.T, cfg Config) *OPAEngine {
	t.Helper()
	e, err := NewOPAEngine(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return e
}

func TestOPAEngineAllowAndDeny(t *testing.T) {
	e := newEngine(t, Config{
		Enabled: true,
		Mode:    ModeEnforce,
		Path:    writePolicy(t, taskPolicy),
	})
	ctx := context.Background()

	d, err := e.Check(ctx, nil, &workflow.Task{ID: "t-1", ToolName: "http.get", RiskTier: workflow.RiskLow})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "low risk", d.Reason)

	d, err = e.Check(ctx, nil, &workflow.Task{ID: "t-2", ToolName: "http.post", RiskTier: workflow.RiskHigh})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "denied by default", d.Reason)
}

func TestOPAEnginePrincipalRoles(t *testing.T) {
	e := newEngine(t, Config{
		Enabled: true,
		Mode:    ModeEnforce,
		Path:    writePolicy(t, taskPolicy),
	})
	ctx := context.Background()
	task := &workflow.Task{ID: "t-1", ToolName: "db.drop", RiskTier: workflow.RiskCritical}

	d, err := e.Check(ctx, &auth.Principal{AgentID: "a", Roles: []string{"operator"}}, task)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "destructive tool requires admin", d.Reason)
}

func TestOPAEngineDryRunConvertsDenials(t *testing.T) {
	e := newEngine(t, Config{
		Enabled: true,
		Mode:    ModeDryRun,
		Path:    writePolicy(t, taskPolicy),
	})

	d, err := e.Check(context.Background(), nil, &workflow.Task{ID: "t-1", RiskTier: workflow.RiskHigh})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Contains(t, d.Reason, "dry-run")
}

func TestOPAEngineDisabledAllowsEverything(t *testing.T) {
	e := newEngine(t, Config{Enabled: false})
	d, err := e.Check(context.Background(), nil, &workflow.Task{ID: "t-1"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestOPAEngineFailOpenOnMissingPolicies(t *testing.T) {
	e := newEngine(t, Config{
		Enabled: true,
		Mode:    ModeEnforce,
		Path:    t.TempDir(), // no .rego files
	})

	d, err := e.Check(context.Background(), nil, &workflow.Task{ID: "t-1", RiskTier: workflow.RiskHigh})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestOPAEngineFailClosedOnMissingPolicies(t *testing.T) {
	_, err := NewOPAEngine(Config{
		Enabled:    true,
		Mode:       ModeEnforce,
		Path:       t.TempDir(),
		FailClosed: true,
	}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestOPAEngineRejectsBadRego(t *testing.T) {
	_, err := NewOPAEngine(Config{
		Enabled:    true,
		Mode:       ModeEnforce,
		Path:       writePolicy(t, "package loom.task\n\ndecision = {"),
		FailClosed: true,
	}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestAllowAllGuard(t *testing.T) {
	d, err := AllowAll{}.Check(context.Background(), nil, &workflow.Task{ID: "t-1"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
