package models

// ToolCallSummary is the compact record of one executed tool call kept on
// an ExecutionResult. Result snippets are budgeted by the executor.
type ToolCallSummary struct {
	Name          string         `json:"name"`
	Args          map[string]any `json:"args,omitempty"`
	ResultSnippet string         `json:"result_snippet,omitempty"`
}

// Delegation is one parsed "[DELEGATE:agent_id] task" directive.
type Delegation struct {
	ToAgent string `json:"to_agent"`
	Task    string `json:"task"`
}

// ExecutionResult is the output of one agent invocation.
type ExecutionResult struct {
	Content     string            `json:"content"`
	AgentID     string            `json:"agent_id"`
	Model       string            `json:"model,omitempty"`
	Provider    string            `json:"provider,omitempty"`
	TokensIn    int               `json:"tokens_in,omitempty"`
	TokensOut   int               `json:"tokens_out,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
	ToolCalls   []ToolCallSummary `json:"tool_calls,omitempty"`
	Delegations []Delegation      `json:"delegations,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Failed reports whether the invocation ended with an error.
func (r *ExecutionResult) Failed() bool {
	return r != nil && r.Error != ""
}

// UsedWriteTools reports whether any tool call in the turn wrote files.
// Length-floor validation is waived for turns that produced files.
func (r *ExecutionResult) UsedWriteTools() bool {
	if r == nil {
		return false
	}
	for _, tc := range r.ToolCalls {
		if tc.Name == "code_write" || tc.Name == "code_edit" {
			return true
		}
	}
	return false
}
