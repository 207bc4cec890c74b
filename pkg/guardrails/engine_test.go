package guardrails

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macaron-dev/macaron/pkg/config"
	"github.com/macaron-dev/macaron/pkg/models"
	"github.com/macaron-dev/macaron/pkg/store"
)

type fakeStore struct {
	mu       sync.Mutex
	settings map[string]json.RawMessage
	audits   []*models.AuditRecord
	getErr   error
}

func (f *fakeStore) GetSetting(_ context.Context, key string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	v, ok := f.settings[key]
	if !ok {
		return nil, fmt.Errorf("setting %s: %w", key, store.ErrNotFound)
	}
	return v, nil
}

func (f *fakeStore) InsertAudit(_ context.Context, rec *models.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, rec)
	return nil
}

func (f *fakeStore) auditLog() []*models.AuditRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.AuditRecord(nil), f.audits...)
}

func newTestEngine(t *testing.T, cfg *config.GuardrailsConfig, fs *fakeStore) *Engine {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultGuardrailsConfig()
	}
	return New(cfg, fs)
}

func TestCheckToolCall_CriticalAlwaysBlocks(t *testing.T) {
	fs := &fakeStore{}
	e := newTestEngine(t, nil, fs)

	d := e.CheckToolCall(context.Background(), "sess-1", "devops-1", "run_command",
		map[string]any{"command": "rm -rf / --no-preserve-root"})

	assert.False(t, d.Allowed)
	assert.Equal(t, ActionBlocked, d.Action)
	assert.Equal(t, SeverityCritical, d.Severity)
	assert.Equal(t, "destructive_rm", d.Label)
	assert.Contains(t, d.Message, "was not executed")

	log := fs.auditLog()
	require.Len(t, log, 1)
	assert.Equal(t, EventBlock, log[0].EventType)
	assert.Equal(t, "devops-1", log[0].ActorID)
	assert.Equal(t, "tool_call", log[0].TargetType)
	assert.Equal(t, "run_command", log[0].TargetID)
	assert.Equal(t, "destructive_rm", log[0].Details["label"])
	assert.Equal(t, "sess-1", log[0].Details["session_id"])
}

func TestCheckToolCall_ForcePushBlockedHigh(t *testing.T) {
	fs := &fakeStore{}
	e := newTestEngine(t, nil, fs)

	d := e.CheckToolCall(context.Background(), "sess-1", "dev-1", "build",
		map[string]any{"command": "git push --force origin main"})

	assert.False(t, d.Allowed)
	assert.Equal(t, SeverityHigh, d.Severity)
	assert.Equal(t, "destructive_git", d.Label)
	assert.Equal(t, 1, e.HighCount("sess-1"))

	log := fs.auditLog()
	require.Len(t, log, 1)
	assert.Equal(t, "build", log[0].TargetID)
	assert.Equal(t, ActionBlocked, log[0].Details["action"])
}

func TestCheckToolCall_MediumWarnsAndAllows(t *testing.T) {
	fs := &fakeStore{}
	e := newTestEngine(t, nil, fs)

	d := e.CheckToolCall(context.Background(), "sess-1", "dev-1", "run_command",
		map[string]any{"command": "sudo apt-get install jq"})

	assert.True(t, d.Allowed)
	assert.Equal(t, ActionWarned, d.Action)
	assert.Equal(t, "privilege_escalation", d.Label)

	log := fs.auditLog()
	require.Len(t, log, 1)
	assert.Equal(t, EventWarn, log[0].EventType)
}

func TestCheckToolCall_CleanCallPassesSilently(t *testing.T) {
	fs := &fakeStore{}
	e := newTestEngine(t, nil, fs)

	d := e.CheckToolCall(context.Background(), "sess-1", "dev-1", "run_command",
		map[string]any{"command": "go test ./... && ls -la"})

	assert.True(t, d.Allowed)
	assert.Empty(t, d.Action)
	assert.Empty(t, fs.auditLog())
}

func TestCheckToolCall_HighBudgetExhaustion(t *testing.T) {
	cfg := &config.GuardrailsConfig{MaxHighPerSession: 2, CacheTTL: time.Minute}
	e := newTestEngine(t, cfg, &fakeStore{})

	args := map[string]any{"command": "git reset --hard HEAD~3"}
	first := e.CheckToolCall(context.Background(), "sess-1", "dev-1", "run_command", args)
	second := e.CheckToolCall(context.Background(), "sess-1", "dev-1", "run_command", args)
	third := e.CheckToolCall(context.Background(), "sess-1", "dev-1", "run_command", args)

	assert.False(t, first.Allowed)
	assert.NotContains(t, first.Message, "budget exhausted")
	assert.NotContains(t, second.Message, "budget exhausted")
	assert.Contains(t, third.Message, "budget exhausted")
	assert.Equal(t, 3, e.HighCount("sess-1"))

	// Other sessions are unaffected.
	assert.Equal(t, 0, e.HighCount("sess-2"))

	e.ReleaseSession("sess-1")
	assert.Equal(t, 0, e.HighCount("sess-1"))
}

func TestCheckToolCall_PathRules(t *testing.T) {
	e := newTestEngine(t, nil, &fakeStore{})

	tests := []struct {
		name     string
		tool     string
		args     map[string]any
		allowed  bool
		label    string
		severity Severity
	}{
		{
			name: "write under /etc", tool: "code_write",
			args:    map[string]any{"path": "/etc/passwd", "content": "x"},
			allowed: false, label: "system_path_write", severity: SeverityCritical,
		},
		{
			name: "write dotenv", tool: "code_write",
			args:    map[string]any{"path": ".env", "content": "SECRET=1"},
			allowed: false, label: "sensitive_file", severity: SeverityHigh,
		},
		{
			name: "write production yaml", tool: "code_edit",
			args:    map[string]any{"path": "config/production.yaml", "content": "x"},
			allowed: false, label: "sensitive_file", severity: SeverityHigh,
		},
		{
			name: "write ssh key", tool: "code_write",
			args:    map[string]any{"path": "/home/user/.ssh/id_rsa", "content": "x"},
			allowed: false, label: "sensitive_file", severity: SeverityHigh,
		},
		{
			name: "redirect into /etc", tool: "run_command",
			args:    map[string]any{"command": "echo nameserver > /etc/resolv.conf"},
			allowed: false, label: "system_path_write", severity: SeverityCritical,
		},
		{
			name: "normal source file", tool: "code_write",
			args:    map[string]any{"path": "src/payment/handler.go", "content": "package payment"},
			allowed: true,
		},
		{
			name: "env example is fine", tool: "code_write",
			args:    map[string]any{"path": "docs/dotenv-guide.md", "content": "x"},
			allowed: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.CheckToolCall(context.Background(), "sess-p", "dev-1", tt.tool, tt.args)
			assert.Equal(t, tt.allowed, d.Allowed, "decision: %+v", d)
			if tt.label != "" {
				assert.Equal(t, tt.label, d.Label)
				assert.Equal(t, tt.severity, d.Severity)
			}
		})
	}
}

func TestCheckToolCall_SQLRules(t *testing.T) {
	e := newTestEngine(t, nil, &fakeStore{})

	d := e.CheckToolCall(context.Background(), "s", "a", "run_command",
		map[string]any{"command": `psql -c "DROP TABLE users"`})
	assert.False(t, d.Allowed)
	assert.Equal(t, "destructive_sql", d.Label)

	d = e.CheckToolCall(context.Background(), "s", "a", "run_command",
		map[string]any{"command": `psql -c "DELETE FROM users"`})
	assert.False(t, d.Allowed)

	d = e.CheckToolCall(context.Background(), "s", "a", "run_command",
		map[string]any{"command": `psql -c "DELETE FROM users WHERE id = 4"`})
	assert.True(t, d.Allowed)
}

func TestSettingsOverride(t *testing.T) {
	override, err := json.Marshal(settingsOverride{
		MaxHighPerSession: intPtr(1),
		ExtraRules: []config.GuardrailRule{{
			Tool:        "web_push",
			ArgumentKey: "url",
			Regex:       `^http://`,
			Severity:    "MEDIUM",
			Label:       "insecure_url",
		}},
	})
	require.NoError(t, err)
	fs := &fakeStore{settings: map[string]json.RawMessage{settingsKey: override}}
	e := newTestEngine(t, nil, fs)

	d := e.CheckToolCall(context.Background(), "s", "a", "web_push",
		map[string]any{"url": "http://preview.local/app"})
	assert.True(t, d.Allowed)
	assert.Equal(t, "insecure_url", d.Label)
	assert.Equal(t, ActionWarned, d.Action)

	// Override lowered the HIGH budget to 1.
	args := map[string]any{"command": "git reset --hard"}
	first := e.CheckToolCall(context.Background(), "sess-o", "a", "run_command", args)
	second := e.CheckToolCall(context.Background(), "sess-o", "a", "run_command", args)
	assert.NotContains(t, first.Message, "budget exhausted")
	assert.Contains(t, second.Message, "budget exhausted")
}

func TestInvalidate_ForcesReload(t *testing.T) {
	fs := &fakeStore{settings: map[string]json.RawMessage{}}
	cfg := &config.GuardrailsConfig{MaxHighPerSession: 5, CacheTTL: time.Hour}
	e := newTestEngine(t, cfg, fs)

	d := e.CheckToolCall(context.Background(), "s", "a", "web_push",
		map[string]any{"url": "http://preview.local"})
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Action)

	override, _ := json.Marshal(settingsOverride{ExtraRules: []config.GuardrailRule{{
		Tool: "web_push", ArgumentKey: "url", Regex: `^http://`, Severity: "HIGH", Label: "insecure_url",
	}}})
	fs.mu.Lock()
	fs.settings[settingsKey] = override
	fs.mu.Unlock()

	// Cached table still allows until invalidated.
	d = e.CheckToolCall(context.Background(), "s", "a", "web_push",
		map[string]any{"url": "http://preview.local"})
	assert.True(t, d.Allowed)

	e.Invalidate()
	d = e.CheckToolCall(context.Background(), "s", "a", "web_push",
		map[string]any{"url": "http://preview.local"})
	assert.False(t, d.Allowed)
	assert.Equal(t, "insecure_url", d.Label)
}

func TestReload_BrokenStoreKeepsPreviousTable(t *testing.T) {
	fs := &fakeStore{}
	e := newTestEngine(t, &config.GuardrailsConfig{MaxHighPerSession: 5, CacheTTL: time.Hour}, fs)

	fs.mu.Lock()
	fs.getErr = fmt.Errorf("connection refused")
	fs.mu.Unlock()
	e.Invalidate()

	d := e.CheckToolCall(context.Background(), "s", "a", "run_command",
		map[string]any{"command": "rm -rf /"})
	assert.False(t, d.Allowed)
	assert.Equal(t, "destructive_rm", d.Label)
}

func TestRuleMatches_AnyStringArgument(t *testing.T) {
	rules, errs := compileRules([]config.GuardrailRule{{
		Regex: `forbidden-token`, Severity: "HIGH", Label: "token_leak",
	}})
	require.Empty(t, errs)
	require.Len(t, rules, 1)
	assert.Equal(t, "*", rules[0].Tool)

	assert.True(t, ruleMatches(&rules[0], map[string]any{"body": "contains forbidden-token here"}))
	assert.False(t, ruleMatches(&rules[0], map[string]any{"body": "clean", "count": 3}))
}

func TestCompileRules_SkipsInvalid(t *testing.T) {
	rules, errs := compileRules([]config.GuardrailRule{
		{Regex: `[unterminated`, Severity: "HIGH", Label: "bad_regex"},
		{Regex: `ok`, Severity: "EXTREME", Label: "bad_severity"},
		{Tool: "build", ArgumentKey: "command", Regex: `ok`, Severity: "MEDIUM", Label: "good"},
	})
	assert.Len(t, errs, 2)
	require.Len(t, rules, 1)
	assert.Equal(t, "good", rules[0].Label)
}

func intPtr(v int) *int { return &v }
