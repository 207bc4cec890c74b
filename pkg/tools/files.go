package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// readBudget caps how much of a file code_read returns.
	readBudget = 16000
	// listCap caps how many entries list_files returns.
	listCap = 200
)

// resolvePath turns a tool-supplied path into an absolute one.
// Relative paths are anchored at the project workspace and must not
// escape it. Absolute paths pass through; guardrails police those.
func resolvePath(env Env, raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("missing path argument")
	}
	if filepath.IsAbs(raw) {
		return filepath.Clean(raw), nil
	}
	if env.ProjectPath == "" {
		return "", fmt.Errorf("no project workspace bound, use an absolute path")
	}
	joined := filepath.Join(env.ProjectPath, raw)
	rel, err := filepath.Rel(env.ProjectPath, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the project workspace: %s", raw)
	}
	return joined, nil
}

func fileTools() []*Tool {
	return []*Tool{
		{
			Name:        "code_read",
			Description: "Read a file from the project workspace.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string", "description": "File path, relative to the project root"},
				},
				"required": []string{"path"},
			},
			Execute: func(_ context.Context, args map[string]any, env Env) (string, error) {
				path, err := resolvePath(env, stringArg(args, "path"))
				if err != nil {
					return "", err
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return "", err
				}
				if len(data) > readBudget {
					return string(data[:readBudget]) + "\n... (truncated)", nil
				}
				return string(data), nil
			},
		},
		{
			Name:        "code_write",
			Description: "Write a file in the project workspace, creating parent directories as needed. Overwrites existing content.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string", "description": "File path, relative to the project root"},
					"content": map[string]any{"type": "string", "description": "Full file content"},
				},
				"required": []string{"path", "content"},
			},
			Execute: func(_ context.Context, args map[string]any, env Env) (string, error) {
				path, err := resolvePath(env, stringArg(args, "path"))
				if err != nil {
					return "", err
				}
				content, _ := args["content"].(string)
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return "", err
				}
				if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
					return "", err
				}
				return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
			},
		},
		{
			Name:        "code_edit",
			Description: "Replace the first occurrence of old_string with new_string in a file.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":       map[string]any{"type": "string", "description": "File path, relative to the project root"},
					"old_string": map[string]any{"type": "string", "description": "Exact text to replace"},
					"new_string": map[string]any{"type": "string", "description": "Replacement text"},
				},
				"required": []string{"path", "old_string", "new_string"},
			},
			Execute: func(_ context.Context, args map[string]any, env Env) (string, error) {
				path, err := resolvePath(env, stringArg(args, "path"))
				if err != nil {
					return "", err
				}
				oldStr, _ := args["old_string"].(string)
				newStr, _ := args["new_string"].(string)
				if oldStr == "" {
					return "", fmt.Errorf("old_string must not be empty")
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return "", err
				}
				text := string(data)
				if !strings.Contains(text, oldStr) {
					return fmt.Sprintf("Error: old_string not found in %s", path), nil
				}
				text = strings.Replace(text, oldStr, newStr, 1)
				if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
					return "", err
				}
				return fmt.Sprintf("Edited %s", path), nil
			},
		},
		{
			Name:        "list_files",
			Description: "List the entries of a directory in the project workspace (non-recursive).",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string", "description": "Directory path, relative to the project root. Defaults to the root."},
				},
			},
			Execute: func(_ context.Context, args map[string]any, env Env) (string, error) {
				raw := stringArg(args, "path")
				if raw == "" {
					raw = "."
				}
				path, err := resolvePath(env, raw)
				if err != nil {
					return "", err
				}
				entries, err := os.ReadDir(path)
				if err != nil {
					return "", err
				}
				if len(entries) == 0 {
					return "(empty directory)", nil
				}
				var b strings.Builder
				for i, e := range entries {
					if i == listCap {
						fmt.Fprintf(&b, "... (%d more)\n", len(entries)-listCap)
						break
					}
					name := e.Name()
					if e.IsDir() {
						name += "/"
					}
					b.WriteString(name)
					b.WriteByte('\n')
				}
				return strings.TrimRight(b.String(), "\n"), nil
			},
		},
		{
			Name:        "delete_file",
			Description: "Delete a file from the project workspace.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string", "description": "File path, relative to the project root"},
				},
				"required": []string{"path"},
			},
			Execute: func(_ context.Context, args map[string]any, env Env) (string, error) {
				path, err := resolvePath(env, stringArg(args, "path"))
				if err != nil {
					return "", err
				}
				if err := os.Remove(path); err != nil {
					return "", err
				}
				return fmt.Sprintf("Deleted %s", path), nil
			},
		},
	}
}
