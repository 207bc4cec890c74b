package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/macaron-dev/macaron/pkg/models"
)

const messagePreview = 120

func platformTools(db Platform) []*Tool {
	return []*Tool{
		{
			Name:        "platform_agents",
			Description: "List the agents configured on the platform with their roles.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			Execute: func(ctx context.Context, _ map[string]any, _ Env) (string, error) {
				if db == nil {
					return "", fmt.Errorf("platform store unavailable")
				}
				agents, err := db.ListAgents(ctx)
				if err != nil {
					return "", err
				}
				if len(agents) == 0 {
					return "No agents configured.", nil
				}
				var b strings.Builder
				for _, a := range agents {
					fmt.Fprintf(&b, "- %s: %s (%s, rank %d)\n", a.ID, a.Name, a.Role, a.HierarchyRank)
				}
				return strings.TrimRight(b.String(), "\n"), nil
			},
		},
		{
			Name:        "platform_missions",
			Description: "List recent missions on the platform, optionally filtered by status.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"status": map[string]any{"type": "string", "description": "Filter: pending, running, paused, completed, failed"},
					"limit":  map[string]any{"type": "integer", "description": "Maximum missions to return. Defaults to 10."},
				},
			},
			Execute: func(ctx context.Context, args map[string]any, _ Env) (string, error) {
				if db == nil {
					return "", fmt.Errorf("platform store unavailable")
				}
				limit := intArg(args, "limit", 10)
				status := models.MissionStatus(stringArg(args, "status"))
				missions, err := db.ListMissions(ctx, status, limit)
				if err != nil {
					return "", err
				}
				if len(missions) == 0 {
					return "No missions found.", nil
				}
				var b strings.Builder
				for _, m := range missions {
					fmt.Fprintf(&b, "- %s: %s [%s] workflow=%s\n", m.ID, m.Name, m.Status, m.WorkflowID)
				}
				return strings.TrimRight(b.String(), "\n"), nil
			},
		},
		{
			Name:        "platform_sessions",
			Description: "Show the most recent messages of a session. Defaults to the current session.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"session_id": map[string]any{"type": "string", "description": "Session to inspect. Defaults to the current one."},
					"limit":      map[string]any{"type": "integer", "description": "Maximum messages to return. Defaults to 10."},
				},
			},
			Execute: func(ctx context.Context, args map[string]any, env Env) (string, error) {
				if db == nil {
					return "", fmt.Errorf("platform store unavailable")
				}
				sessionID := stringArg(args, "session_id")
				if sessionID == "" {
					sessionID = env.SessionID
				}
				if sessionID == "" {
					return "", fmt.Errorf("no session bound and no session_id given")
				}
				limit := intArg(args, "limit", 10)
				msgs, err := db.LastMessages(ctx, sessionID, limit)
				if err != nil {
					return "", err
				}
				if len(msgs) == 0 {
					return "No messages on this session yet.", nil
				}
				var b strings.Builder
				for _, m := range msgs {
					content := m.Content
					if len(content) > messagePreview {
						content = content[:messagePreview] + "..."
					}
					fmt.Fprintf(&b, "- [%s -> %s] %s: %s\n", m.FromAgent, m.ToAgent, m.Type, content)
				}
				return strings.TrimRight(b.String(), "\n"), nil
			},
		},
	}
}
