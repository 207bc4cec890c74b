// Package agent runs one agent turn: prompt assembly, the bounded
// tool-calling loop against the LLM, guardrail-checked tool execution,
// artifact recording, and output parsing (delegations, provider token
// stripping). Patterns compose these turns; this package never decides
// what happens next.
package agent

import (
	"github.com/macaron-dev/macaron/pkg/models"
)

// Prompt section budgets, in characters. Sections above budget are
// truncated, never dropped.
const (
	skillBudget      = 1500
	maxSkills        = 5
	visionBudget     = 3000
	contextBudget    = 2000
	memoryBudget     = 4000
	historyLimit     = 20
	resultHistoryMax = 4000
	resultSummaryMax = 500
	artifactMax      = 2000
)

// MaxToolRounds bounds the tool-calling loop of one turn.
const MaxToolRounds = 15

// ExecutionContext carries everything one agent turn needs. It is
// assembled by the pattern engine per node execution.
type ExecutionContext struct {
	Agent       *models.AgentDef
	SessionID   string
	ProjectID   string
	ProjectPath string
	PhaseID     string

	// History is the tail of the session transcript, newest last.
	History []*models.Message

	// Prompt material resolved by the caller.
	Memory  string // project memory snippet
	Vision  string // product vision snippet
	Context string // project context snippet

	// ToolsEnabled gates the whole tool loop: when false the turn is a
	// single completion with no tool schemas.
	ToolsEnabled bool

	// OnToolCall, when set, observes every executed tool call.
	OnToolCall func(name string, args map[string]any, result string)
}

// truncate cuts s to at most n bytes. Budgets are byte-oriented like
// the rest of the transcript limits.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
