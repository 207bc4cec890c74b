package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macaron-dev/macaron/pkg/sandbox"
)

func shellRegistry(t *testing.T) (*Registry, Env) {
	t.Helper()
	r := NewRegistry()
	for _, tool := range shellTools(sandbox.NewExecutor(nil)) {
		r.Register(tool)
	}
	return r, Env{ProjectPath: t.TempDir(), AgentID: "dev-1"}
}

func TestRunCommand(t *testing.T) {
	r, env := shellRegistry(t)
	ctx := context.Background()

	out := r.Execute(ctx, "run_command", map[string]any{"command": "echo hello"}, env)
	assert.Equal(t, "hello", strings.TrimSpace(out))
}

func TestRunCommandDefaultsCwdToProject(t *testing.T) {
	r, env := shellRegistry(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.ProjectPath, "marker.txt"), []byte("x"), 0o644))

	out := r.Execute(context.Background(), "run_command", map[string]any{"command": "ls"}, env)
	assert.Contains(t, out, "marker.txt")
}

func TestRunCommandFailure(t *testing.T) {
	r, env := shellRegistry(t)

	out := r.Execute(context.Background(), "run_command", map[string]any{"command": "exit 3"}, env)
	assert.True(t, strings.HasPrefix(out, "Command failed (rc=3)"), "got %q", out)
}

func TestRunCommandStderrIsKept(t *testing.T) {
	r, env := shellRegistry(t)

	out := r.Execute(context.Background(), "run_command", map[string]any{"command": "echo oops >&2"}, env)
	assert.Contains(t, out, "[stderr]\noops")
}

func TestRunCommandRequiresWorkspace(t *testing.T) {
	r, _ := shellRegistry(t)

	out := r.Execute(context.Background(), "run_command", map[string]any{"command": "echo x"}, Env{})
	assert.Equal(t, "Tool 'run_command' error: no working directory: mission has no workspace", out)

	out = r.Execute(context.Background(), "run_command", map[string]any{}, Env{ProjectPath: "/tmp"})
	assert.Equal(t, "Tool 'run_command' error: missing command argument", out)
}

func TestGitArgumentValidation(t *testing.T) {
	r, env := shellRegistry(t)
	ctx := context.Background()

	out := r.Execute(ctx, "git_push", map[string]any{"remote": "origin; rm -rf /"}, env)
	assert.Contains(t, out, "invalid remote name")

	out = r.Execute(ctx, "git_push", map[string]any{"branch": "--force"}, env)
	assert.Contains(t, out, "invalid branch name")

	out = r.Execute(ctx, "git_push", map[string]any{"remote": "--upload-pack=/tmp/x"}, env)
	assert.Contains(t, out, "invalid remote name")

	// Dashes inside a ref stay legal; only a leading dash is a flag.
	out = r.Execute(ctx, "git_push", map[string]any{"branch": "feature/mon-lot"}, env)
	assert.NotContains(t, out, "invalid branch name")

	out = r.Execute(ctx, "git_commit", map[string]any{}, env)
	assert.Equal(t, "Tool 'git_commit' error: missing commit message", out)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'plain'", shellQuote("plain"))
	assert.Equal(t, `'it'"'"'s done'`, shellQuote("it's done"))
}

func TestFormatResult(t *testing.T) {
	tests := []struct {
		name string
		res  sandbox.Result
		want string
	}{
		{"stdout only", sandbox.Result{RC: 0, Stdout: "ok\n"}, "ok\n"},
		{"empty success", sandbox.Result{RC: 0}, "(no output)"},
		{"stderr appended", sandbox.Result{RC: 0, Stdout: "ok", Stderr: "warn"}, "ok\n[stderr]\nwarn"},
		{"failure prefixed", sandbox.Result{RC: 2, Stderr: "boom"}, "Command failed (rc=2)\n[stderr]\nboom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatResult(tt.res))
		})
	}
}

func TestCommandTimeout(t *testing.T) {
	assert.Equal(t, time.Duration(0), commandTimeout(map[string]any{}, 0))
	assert.Equal(t, buildTimeout, commandTimeout(map[string]any{}, buildTimeout))
	assert.Equal(t, 30*time.Second, commandTimeout(map[string]any{"timeout": float64(30)}, 0))
	assert.Equal(t, maxCommandTimeout, commandTimeout(map[string]any{"timeout": float64(100000)}, 0))
}
