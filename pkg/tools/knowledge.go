package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/macaron-dev/macaron/pkg/models"
)

// Platform is the persistence surface the built-in knowledge and
// introspection tools need. *store.Store satisfies it.
type Platform interface {
	UpsertProjectMemory(ctx context.Context, e *models.MemoryEntry) error
	SearchProjectMemory(ctx context.Context, projectID, query string, limit int) ([]*models.MemoryEntry, error)
	UpsertGlobalMemory(ctx context.Context, e *models.MemoryEntry) error
	SearchGlobalMemory(ctx context.Context, query string, limit int) ([]*models.MemoryEntry, error)
	ListAgents(ctx context.Context) ([]*models.AgentDef, error)
	ListMissions(ctx context.Context, status models.MissionStatus, limit int) ([]*models.Mission, error)
	LastMessages(ctx context.Context, sessionID string, n int) ([]*models.Message, error)
}

const (
	memorySearchLimit = 5
	deepSearchLimit   = 20
	// deepSearchFileCap bounds how many files one deep_search walks.
	deepSearchFileCap = 2000
	// deepSearchSizeCap skips files larger than this.
	deepSearchSizeCap = 512 * 1024
)

// skipDirs are never descended into during deep_search.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	".venv":        true,
	"__pycache__":  true,
}

func formatMemoryEntries(entries []*models.MemoryEntry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s: %s\n", e.Key, e.Value)
	}
	return strings.TrimRight(b.String(), "\n")
}

func knowledgeTools(db Platform) []*Tool {
	return []*Tool{
		{
			Name:        "memory_search",
			Description: "Search the persistent memory for entries relevant to a query. Project memory when a project is bound, global memory otherwise.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Search terms"},
					"limit": map[string]any{"type": "integer", "description": "Maximum entries to return. Defaults to 5."},
				},
				"required": []string{"query"},
			},
			Execute: func(ctx context.Context, args map[string]any, env Env) (string, error) {
				if db == nil {
					return "", fmt.Errorf("memory store unavailable")
				}
				query := stringArg(args, "query")
				if query == "" {
					return "", fmt.Errorf("missing query argument")
				}
				limit := intArg(args, "limit", memorySearchLimit)
				var (
					entries []*models.MemoryEntry
					err     error
				)
				if env.ProjectID != "" {
					entries, err = db.SearchProjectMemory(ctx, env.ProjectID, query, limit)
				} else {
					entries, err = db.SearchGlobalMemory(ctx, query, limit)
				}
				if err != nil {
					return "", err
				}
				if len(entries) == 0 {
					return fmt.Sprintf("No memory entries match '%s'.", query), nil
				}
				return formatMemoryEntries(entries), nil
			},
		},
		{
			Name:        "memory_store",
			Description: "Store a key/value entry in the persistent memory for future missions. Overwrites an existing entry with the same key.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"key":      map[string]any{"type": "string", "description": "Short stable identifier for the fact"},
					"value":    map[string]any{"type": "string", "description": "The fact to remember"},
					"category": map[string]any{"type": "string", "description": "Optional grouping such as architecture, convention, retrospective"},
				},
				"required": []string{"key", "value"},
			},
			Execute: func(ctx context.Context, args map[string]any, env Env) (string, error) {
				if db == nil {
					return "", fmt.Errorf("memory store unavailable")
				}
				key := stringArg(args, "key")
				value, _ := args["value"].(string)
				if key == "" || strings.TrimSpace(value) == "" {
					return "", fmt.Errorf("both key and value are required")
				}
				entry := &models.MemoryEntry{
					ProjectID: env.ProjectID,
					Key:       key,
					Value:     value,
					Category:  stringArg(args, "category"),
					Source:    env.AgentID,
				}
				var err error
				if env.ProjectID != "" {
					err = db.UpsertProjectMemory(ctx, entry)
				} else {
					err = db.UpsertGlobalMemory(ctx, entry)
				}
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("Stored memory entry '%s'.", key), nil
			},
		},
		{
			Name:        "deep_search",
			Description: "Search the whole project workspace and the persistent memory for a term. Use before synthesizing an answer about the codebase.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Search terms"},
				},
				"required": []string{"query"},
			},
			Execute: func(ctx context.Context, args map[string]any, env Env) (string, error) {
				query := stringArg(args, "query")
				if query == "" {
					return "", fmt.Errorf("missing query argument")
				}
				var b strings.Builder
				fmt.Fprintf(&b, "Deep search results for '%s':\n", query)

				found := 0
				if env.ProjectPath != "" {
					matches := searchWorkspace(ctx, env.ProjectPath, query)
					for _, m := range matches {
						b.WriteString(m)
						b.WriteByte('\n')
					}
					found += len(matches)
				}
				if db != nil && env.ProjectID != "" {
					entries, err := db.SearchProjectMemory(ctx, env.ProjectID, query, memorySearchLimit)
					if err == nil && len(entries) > 0 {
						b.WriteString("[memory]\n")
						b.WriteString(formatMemoryEntries(entries))
						b.WriteByte('\n')
						found += len(entries)
					}
				}
				if found == 0 {
					return fmt.Sprintf("No matches found for '%s'.", query), nil
				}
				return strings.TrimRight(b.String(), "\n"), nil
			},
		},
	}
}

// searchWorkspace walks the project tree looking for lines containing
// the query, case-insensitively. Matches are formatted path:line: text.
func searchWorkspace(ctx context.Context, root, query string) []string {
	needle := strings.ToLower(query)
	var matches []string
	scanned := 0

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil || len(matches) >= deepSearchLimit || scanned >= deepSearchFileCap {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > deepSearchSizeCap {
			return nil
		}
		scanned++
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		matches = append(matches, searchFile(path, rel, needle, deepSearchLimit-len(matches))...)
		return nil
	})
	return matches
}

func searchFile(path, rel, needle string, budget int) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	lineNo := 0
	for scanner.Scan() && len(out) < budget {
		lineNo++
		line := scanner.Text()
		if strings.Contains(line, "\x00") {
			return out // binary file, stop scanning it
		}
		if strings.Contains(strings.ToLower(line), needle) {
			text := strings.TrimSpace(line)
			if len(text) > 200 {
				text = text[:200]
			}
			out = append(out, fmt.Sprintf("%s:%d: %s", rel, lineNo, text))
		}
	}
	return out
}
