package mission

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macaron-dev/macaron/pkg/sandbox"
)

func gitIn(t *testing.T, dir string, args ...string) {
	t.Helper()
	base := []string{"-c", "user.email=ci@test", "-c", "user.name=ci"}
	cmd := exec.Command("git", append(base, args...)...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func TestSprintVelocityCountsTouchedFiles(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	gitIn(t, dir, "init", "-q")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("un\n"), 0o644))
	gitIn(t, dir, "add", ".")
	gitIn(t, dir, "commit", "-q", "-m", "premier")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("deux\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("trois\n"), 0o644))
	gitIn(t, dir, "add", ".")
	gitIn(t, dir, "commit", "-q", "-m", "second")

	o := &Orchestrator{sandbox: sandbox.NewExecutor(nil)}
	assert.Equal(t, 2, o.sprintVelocity(context.Background(), dir))
}

func TestSprintVelocityZeroWithoutHistory(t *testing.T) {
	o := &Orchestrator{sandbox: sandbox.NewExecutor(nil)}

	// No .git at all.
	assert.Zero(t, o.sprintVelocity(context.Background(), t.TempDir()))

	// A .git directory that is not a repository: git exits non-zero.
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
	assert.Zero(t, o.sprintVelocity(context.Background(), dir))

	// No sandbox wired at all.
	bare := &Orchestrator{}
	assert.Zero(t, bare.sprintVelocity(context.Background(), t.TempDir()))
}
