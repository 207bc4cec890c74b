package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/macaron-dev/macaron/pkg/sandbox"
)

const (
	// maxCommandTimeout caps the timeout an agent may request.
	maxCommandTimeout = 900 * time.Second
	// buildTimeout is the default ceiling for the build tool, which
	// routinely outlives the plain run_command default.
	buildTimeout = 600 * time.Second
)

// refPattern restricts git remote and branch arguments so they cannot
// smuggle flags or shell metacharacters into the composed command. The
// first character must not be a dash, or "--force" would pass as a ref.
var refPattern = regexp.MustCompile(`^[A-Za-z0-9._][A-Za-z0-9._/-]*$`)

// shellQuote wraps s in single quotes, escaping embedded ones the
// POSIX way.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// formatResult folds a sandbox result into the single string the model
// sees. Stderr is kept because compilers and test runners write there.
func formatResult(res sandbox.Result) string {
	out := res.Stdout
	if res.Stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += "[stderr]\n" + res.Stderr
	}
	if res.Failed() {
		return fmt.Sprintf("Command failed (rc=%d)\n%s", res.RC, out)
	}
	if strings.TrimSpace(out) == "" {
		return "(no output)"
	}
	return out
}

func runShell(ctx context.Context, sb *sandbox.Executor, env Env, command, cwd string, timeout time.Duration) (string, error) {
	if command == "" {
		return "", fmt.Errorf("missing command argument")
	}
	if cwd == "" {
		cwd = env.ProjectPath
	}
	if cwd == "" {
		return "", fmt.Errorf("no working directory: mission has no workspace")
	}
	res := sb.Run(ctx, command, sandbox.RunOptions{
		Dir:     cwd,
		Timeout: timeout,
		AgentID: env.AgentID,
	})
	return formatResult(res), nil
}

func commandTimeout(args map[string]any, fallback time.Duration) time.Duration {
	secs := intArg(args, "timeout", 0)
	if secs <= 0 {
		return fallback
	}
	d := time.Duration(secs) * time.Second
	if d > maxCommandTimeout {
		return maxCommandTimeout
	}
	return d
}

func shellTools(sb *sandbox.Executor) []*Tool {
	commandParams := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "Shell command to run"},
			"cwd":     map[string]any{"type": "string", "description": "Working directory. Defaults to the project root."},
			"timeout": map[string]any{"type": "integer", "description": "Timeout in seconds"},
		},
		"required": []string{"command"},
	}

	return []*Tool{
		{
			Name:        "run_command",
			Description: "Run a shell command in the sandboxed project workspace and return its output.",
			Parameters:  commandParams,
			Execute: func(ctx context.Context, args map[string]any, env Env) (string, error) {
				return runShell(ctx, sb, env, stringArg(args, "command"), stringArg(args, "cwd"), commandTimeout(args, 0))
			},
		},
		{
			Name:        "build",
			Description: "Run a build, test, or package command in the sandboxed project workspace. Allows a longer timeout than run_command.",
			Parameters:  commandParams,
			Execute: func(ctx context.Context, args map[string]any, env Env) (string, error) {
				return runShell(ctx, sb, env, stringArg(args, "command"), stringArg(args, "cwd"), commandTimeout(args, buildTimeout))
			},
		},
		{
			Name:        "git_status",
			Description: "Show the git working tree status of the project.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			Execute: func(ctx context.Context, _ map[string]any, env Env) (string, error) {
				return runShell(ctx, sb, env, "git status --short --branch", "", 0)
			},
		},
		{
			Name:        "git_diff",
			Description: "Show uncommitted changes in the project, optionally limited to one path.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":   map[string]any{"type": "string", "description": "Limit the diff to this path"},
					"staged": map[string]any{"type": "boolean", "description": "Show staged changes instead of unstaged ones"},
				},
			},
			Execute: func(ctx context.Context, args map[string]any, env Env) (string, error) {
				cmd := "git diff"
				if staged, _ := args["staged"].(bool); staged {
					cmd += " --cached"
				}
				if p := stringArg(args, "path"); p != "" {
					cmd += " -- " + shellQuote(p)
				}
				return runShell(ctx, sb, env, cmd, "", 0)
			},
		},
		{
			Name:        "git_log",
			Description: "Show recent commits of the project.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"limit": map[string]any{"type": "integer", "description": "Number of commits to show. Defaults to 10."},
				},
			},
			Execute: func(ctx context.Context, args map[string]any, env Env) (string, error) {
				limit := intArg(args, "limit", 10)
				if limit < 1 || limit > 100 {
					limit = 10
				}
				return runShell(ctx, sb, env, fmt.Sprintf("git log --oneline -n %d", limit), "", 0)
			},
		},
		{
			Name:        "git_commit",
			Description: "Stage all changes and commit them with the given message.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"message": map[string]any{"type": "string", "description": "Commit message"},
				},
				"required": []string{"message"},
			},
			Execute: func(ctx context.Context, args map[string]any, env Env) (string, error) {
				msg := stringArg(args, "message")
				if msg == "" {
					return "", fmt.Errorf("missing commit message")
				}
				cmd := "git add -A && git commit -m " + shellQuote(msg)
				return runShell(ctx, sb, env, cmd, "", 0)
			},
		},
		{
			Name:        "git_push",
			Description: "Push committed work to a remote. Force pushes are not available.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"remote": map[string]any{"type": "string", "description": "Remote name. Defaults to origin."},
					"branch": map[string]any{"type": "string", "description": "Branch to push. Defaults to the current branch."},
				},
			},
			Execute: func(ctx context.Context, args map[string]any, env Env) (string, error) {
				remote := stringArg(args, "remote")
				if remote == "" {
					remote = "origin"
				}
				branch := stringArg(args, "branch")
				if !refPattern.MatchString(remote) {
					return "", fmt.Errorf("invalid remote name %q", remote)
				}
				if branch != "" && !refPattern.MatchString(branch) {
					return "", fmt.Errorf("invalid branch name %q", branch)
				}
				cmd := "git push " + remote
				if branch != "" {
					cmd += " " + branch
				}
				return runShell(ctx, sb, env, cmd, "", 0)
			},
		},
	}
}
