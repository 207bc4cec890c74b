// Package sandbox executes agent subprocesses with strict timeouts,
// process-group isolation, and guaranteed teardown of children.
//
// Commands never surface Go errors to callers: every failure mode is
// folded into the Result so tool handlers and evidence checks can treat
// subprocess trouble as ordinary command output.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/macaron-dev/macaron/pkg/config"
)

// Sentinel return codes for abnormal termination. Real exit codes are
// always >= 0, so negative values are reserved for the sandbox itself.
const (
	// RCTimeout is returned when the absolute timeout elapsed.
	RCTimeout = -1
	// RCStuck is returned when a streamed command produced no output at
	// all within the stuck window.
	RCStuck = -2
	// RCStale is returned when a streamed command produced output once
	// but then went silent past the stale window.
	RCStale = -3
)

const streamReadSize = 4096

// Result carries the outcome of one subprocess execution.
type Result struct {
	RC     int
	Stdout string
	Stderr string
}

// Failed reports whether the command terminated abnormally or with a
// non-zero exit code.
func (r Result) Failed() bool { return r.RC != 0 }

// RunOptions bound a single Run invocation.
type RunOptions struct {
	// Dir is the working directory. In docker mode it is also the
	// workspace mount.
	Dir string
	// Env entries are appended to the parent environment as KEY=VALUE.
	Env map[string]string
	// Timeout bounds the whole command. Zero means the configured
	// default.
	Timeout time.Duration
	// Stdin, when non-empty, is fed to the child's standard input.
	Stdin string
	// AgentID selects the container UID in docker mode.
	AgentID string
}

// StreamOptions bound a single RunStreaming invocation.
type StreamOptions struct {
	Dir string
	Env map[string]string
	// AbsoluteTimeout is the hard ceiling for the whole command.
	AbsoluteTimeout time.Duration
	// ProgressInterval is how often OnProgress fires while the command
	// is silent. It is also the read deadline granularity.
	ProgressInterval time.Duration
	// StuckTimeout kills the command if it never produced any output.
	StuckTimeout time.Duration
	// StaleTimeout kills the command if output stopped for this long
	// after some was produced.
	StaleTimeout time.Duration
	// OnProgress receives (elapsed, bytes received so far) on every
	// progress tick. Optional.
	OnProgress func(elapsed time.Duration, received int64)
	// AgentID selects the container UID in docker mode.
	AgentID string
}

// Executor runs subprocesses under the configured sandbox policy.
type Executor struct {
	cfg *config.SandboxConfig

	dockerOnce  sync.Once
	dockerPath  string
	dockerFound bool
}

// NewExecutor returns an executor bound to the given sandbox config.
func NewExecutor(cfg *config.SandboxConfig) *Executor {
	if cfg == nil {
		cfg = config.DefaultSandboxConfig()
	}
	return &Executor{cfg: cfg}
}

// Run executes a shell command and captures stdout and stderr
// separately. The exit code is the child's; RCTimeout with a
// "timeout after <N>s" stderr means the absolute timeout fired, and a
// spawn failure yields RCTimeout with the error text in stderr.
func (e *Executor) Run(ctx context.Context, command string, opts RunOptions) Result {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	cmd, outerTimeout := e.buildShellCommand(command, opts.Dir, opts.Env, opts.AgentID, timeout)
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	var stdout, stderr lockedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{RC: RCTimeout, Stderr: sanitize(err.Error())}
	}
	pgid := cmd.Process.Pid

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	timer := time.NewTimer(outerTimeout)
	defer timer.Stop()

	select {
	case err := <-waitDone:
		return Result{
			RC:     exitCode(err),
			Stdout: sanitize(stdout.String()),
			Stderr: sanitize(stderr.String()),
		}
	case <-timer.C:
		killGroup(pgid)
		drainWait(waitDone)
		return Result{
			RC:     RCTimeout,
			Stdout: sanitize(stdout.String()),
			Stderr: fmt.Sprintf("timeout after %ds", int(timeout.Seconds())),
		}
	case <-ctx.Done():
		killGroup(pgid)
		drainWait(waitDone)
		return Result{
			RC:     RCTimeout,
			Stdout: sanitize(stdout.String()),
			Stderr: sanitize(ctx.Err().Error()),
		}
	}
}

// RunStreaming executes an argv with stderr merged into stdout and
// watches the combined stream for progress. The read loop wakes every
// ProgressInterval to fire OnProgress and test three windows: the
// absolute ceiling (RCTimeout), total silence (RCStuck), and silence
// after first output (RCStale).
func (e *Executor) RunStreaming(ctx context.Context, argv []string, opts StreamOptions) Result {
	if len(argv) == 0 {
		return Result{RC: RCTimeout, Stdout: "empty command"}
	}
	interval := opts.ProgressInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	absolute := opts.AbsoluteTimeout
	if absolute <= 0 {
		absolute = e.cfg.DefaultTimeout
	}

	cmd := e.buildArgvCommand(argv, opts.Dir, opts.Env, opts.AgentID)

	pr, pw, err := os.Pipe()
	if err != nil {
		return Result{RC: RCTimeout, Stdout: sanitize(err.Error())}
	}
	defer pr.Close()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return Result{RC: RCTimeout, Stdout: sanitize(err.Error())}
	}
	// The child holds its own copy of the write end. Closing ours lets
	// the reader observe EOF once the whole process group exits.
	pw.Close()
	pgid := cmd.Process.Pid

	log := slog.With("command", argv[0], "pid", pgid)

	var output bytes.Buffer
	var received int64
	var lastOutput time.Time
	start := time.Now()
	rc := 0
	killed := false

	buf := make([]byte, streamReadSize)
	for {
		_ = pr.SetReadDeadline(time.Now().Add(interval))
		n, readErr := pr.Read(buf)
		if n > 0 {
			output.Write(buf[:n])
			received += int64(n)
			lastOutput = time.Now()
		}
		if readErr == nil {
			if !killed && time.Since(start) >= absolute {
				rc = RCTimeout
				killed = true
				killGroup(pgid)
			}
			continue
		}
		if readErr == io.EOF {
			break
		}
		if !os.IsTimeout(readErr) {
			log.Warn("Subprocess output read failed", "error", readErr)
			break
		}
		// Progress tick: no bytes arrived within one interval.
		elapsed := time.Since(start)
		log.Debug("Subprocess still running", "elapsed", elapsed.Round(time.Second), "bytes", received)
		if opts.OnProgress != nil {
			opts.OnProgress(elapsed, received)
		}
		if killed {
			continue
		}
		switch {
		case ctx.Err() != nil:
			rc = RCTimeout
		case elapsed >= absolute:
			rc = RCTimeout
		case opts.StuckTimeout > 0 && lastOutput.IsZero() && elapsed >= opts.StuckTimeout:
			rc = RCStuck
		case opts.StaleTimeout > 0 && !lastOutput.IsZero() && time.Since(lastOutput) >= opts.StaleTimeout:
			rc = RCStale
		default:
			continue
		}
		killed = true
		killGroup(pgid)
	}

	waitErr := cmd.Wait()
	if !killed {
		rc = exitCode(waitErr)
	}
	return Result{RC: rc, Stdout: sanitize(output.String())}
}

// buildShellCommand wraps a shell command for the configured mode and
// returns it with the outer timeout the caller should enforce. Docker
// gets extra slack so container teardown finishes before the kill.
func (e *Executor) buildShellCommand(command, dir string, env map[string]string, agentID string, timeout time.Duration) (*exec.Cmd, time.Duration) {
	if e.cfg.Mode == config.SandboxDocker && e.dockerAvailable() {
		args := e.dockerArgs(dir, env, agentID)
		args = append(args, e.cfg.Image, "sh", "-c", command)
		cmd := exec.Command(e.dockerPath, args...)
		cmd.Dir = dir
		applyEnv(cmd, nil)
		setProcessGroup(cmd)
		return cmd, timeout + e.cfg.DockerExtraTimeout
	}
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = dir
	applyEnv(cmd, env)
	setProcessGroup(cmd)
	return cmd, timeout
}

func (e *Executor) buildArgvCommand(argv []string, dir string, env map[string]string, agentID string) *exec.Cmd {
	if e.cfg.Mode == config.SandboxDocker && e.dockerAvailable() {
		args := e.dockerArgs(dir, env, agentID)
		args = append(args, e.cfg.Image)
		args = append(args, argv...)
		cmd := exec.Command(e.dockerPath, args...)
		cmd.Dir = dir
		applyEnv(cmd, nil)
		setProcessGroup(cmd)
		return cmd
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	applyEnv(cmd, env)
	setProcessGroup(cmd)
	return cmd
}

// dockerArgs builds the container invocation prefix. The working
// directory is mounted as /workspace and the process runs as a UID
// derived from the agent so parallel agents cannot touch each other's
// files.
func (e *Executor) dockerArgs(dir string, env map[string]string, agentID string) []string {
	args := []string{
		"run", "--rm",
		"--network", e.cfg.Network,
		"--memory", e.cfg.Memory,
		"--cpus", strconv.FormatFloat(e.cfg.CPUs, 'f', -1, 64),
		"-v", dir + ":/workspace",
		"-w", "/workspace",
		"--user", strconv.Itoa(AgentUID(agentID)),
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+env[k])
	}
	return args
}

func (e *Executor) dockerAvailable() bool {
	e.dockerOnce.Do(func() {
		path, err := exec.LookPath("docker")
		if err != nil {
			slog.Warn("Docker binary not found, sandbox falling back to direct execution")
			return
		}
		e.dockerPath = path
		e.dockerFound = true
	})
	return e.dockerFound
}

// AgentUID hashes an agent ID into [10000, 60000) for per-agent
// container users. The same agent always maps to the same UID.
func AgentUID(agentID string) int {
	h := fnv.New32a()
	h.Write([]byte(agentID))
	return 10000 + int(h.Sum32()%50000)
}

func applyEnv(cmd *exec.Cmd, env map[string]string) {
	cmd.Env = os.Environ()
	if len(env) == 0 {
		return
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}
}

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killGroup SIGKILLs the whole process group and verifies death by
// polling getpgid. The signal is retried up to three times with five
// 100 ms polls each; a group that survives all rounds is left for the
// watchdog's zombie sweep.
func killGroup(pgid int) {
	for attempt := 0; attempt < 3; attempt++ {
		if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil {
			// ESRCH means the group is already gone.
			return
		}
		for poll := 0; poll < 5; poll++ {
			time.Sleep(100 * time.Millisecond)
			if _, err := syscall.Getpgid(pgid); err != nil {
				return
			}
		}
	}
	slog.Warn("Process group survived SIGKILL, leaving for zombie sweep", "pgid", pgid)
}

// drainWait gives Wait a short grace window after a kill so the output
// buffers settle before they are read.
func drainWait(waitDone <-chan error) {
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
	}
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return RCTimeout
}

// sanitize replaces invalid UTF-8 so raw subprocess bytes are always
// safe to persist and serialize.
func sanitize(s string) string {
	return strings.ToValidUTF8(s, "�")
}

// lockedBuffer is a mutex-guarded buffer safe for the exec copier
// goroutines that may still be writing when a killed command's output
// is read.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
