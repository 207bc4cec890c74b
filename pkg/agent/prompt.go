package agent

import (
	"fmt"
	"strings"

	"github.com/macaron-dev/macaron/pkg/models"
)

const toolDirective = `You have access to tools. Use them to do real work: read and write files, run commands, and verify your changes. Never claim an action you did not perform with a tool.`

const memoryProtocol = `Memory protocol (mandatory):
- Before starting, search the persistent memory for relevant context (memory_search).
- After finishing, store durable lessons and decisions (memory_store).`

// BuildSystemPrompt assembles the multi-section system string for one
// agent turn. Section order is fixed; each section is truncated to its
// budget so one oversized input cannot starve the rest.
func BuildSystemPrompt(execCtx *ExecutionContext) string {
	a := execCtx.Agent
	var sb strings.Builder

	if a.SystemPrompt != "" {
		sb.WriteString(a.SystemPrompt)
		sb.WriteString("\n\n")
	}
	if a.Persona != "" {
		sb.WriteString(a.Persona)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "You are %s, role: %s.\n", a.Name, a.Role)

	if execCtx.ToolsEnabled {
		sb.WriteString("\n")
		sb.WriteString(toolDirective)
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(memoryProtocol)
	sb.WriteString("\n")

	if len(a.Skills) > 0 {
		sb.WriteString("\n## Skills\n")
		for i, skill := range a.Skills {
			if i == maxSkills {
				break
			}
			sb.WriteString(truncate(skill, skillBudget))
			sb.WriteString("\n")
		}
	}

	writeSection(&sb, "Product vision", execCtx.Vision, visionBudget)
	writeSection(&sb, "Project context", execCtx.Context, contextBudget)
	writeSection(&sb, "Project memory", execCtx.Memory, memoryBudget)

	if execCtx.ProjectPath != "" {
		fmt.Fprintf(&sb, "\nProject path: %s\n", execCtx.ProjectPath)
	}

	notes := permissionNotes(a)
	if notes != "" {
		sb.WriteString("\n")
		sb.WriteString(notes)
		sb.WriteString("\n")
	}

	return strings.TrimRight(sb.String(), "\n")
}

func writeSection(sb *strings.Builder, title, body string, budget int) {
	if body == "" {
		return
	}
	fmt.Fprintf(sb, "\n## %s\n%s\n", title, truncate(body, budget))
}

func permissionNotes(a *models.AgentDef) string {
	var notes []string
	if a.Permissions.CanDelegate {
		notes = append(notes, "You may delegate subtasks with a line of the form [DELEGATE:agent_id] task description.")
	}
	if a.Permissions.CanVeto {
		notes = append(notes, "You may block unacceptable work by including [VETO] with your reasons.")
	}
	if a.Permissions.CanApprove {
		notes = append(notes, "You may approve completed work by including [APPROVE].")
	}
	if len(notes) == 0 {
		return ""
	}
	return strings.Join(notes, "\n")
}
