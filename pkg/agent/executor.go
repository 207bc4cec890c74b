package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/macaron-dev/macaron/pkg/config"
	"github.com/macaron-dev/macaron/pkg/guardrails"
	"github.com/macaron-dev/macaron/pkg/llm"
	"github.com/macaron-dev/macaron/pkg/models"
	"github.com/macaron-dev/macaron/pkg/tools"
)

const (
	synthesisNudge   = "synthesize and respond now"
	maxRoundsMessage = "(Max tool rounds reached)"
)

// Recorder persists the transcript side effects of a turn: tool call
// rows and artifacts. *store.Store satisfies it.
type Recorder interface {
	RecordToolCall(ctx context.Context, tc *models.ToolCallRecord) error
	RecordArtifact(ctx context.Context, a *models.Artifact) error
}

// Executor runs agent turns. It is stateless across turns; everything
// per-turn arrives in the ExecutionContext.
type Executor struct {
	client   llm.Client
	registry *tools.Registry
	rails    *guardrails.Engine
	rec      Recorder
	defaults *config.Defaults
}

// NewExecutor wires an executor. rails and rec may be nil (no
// interception, no persistence), which the tests use.
func NewExecutor(client llm.Client, registry *tools.Registry, rails *guardrails.Engine, rec Recorder, defaults *config.Defaults) *Executor {
	if defaults == nil {
		defaults = config.DefaultDefaults()
	}
	return &Executor{
		client:   client,
		registry: registry,
		rails:    rails,
		rec:      rec,
		defaults: defaults,
	}
}

// Run executes one agent turn to completion. Failures never surface as
// Go errors: an LLM error yields a result with Error set and
// "Error: <msg>" as content so patterns can treat it like any output.
func (e *Executor) Run(ctx context.Context, execCtx *ExecutionContext, userMessage string) *models.ExecutionResult {
	return e.run(ctx, execCtx, userMessage, nil)
}

// run is the shared turn loop. A non-nil emit switches the LLM calls
// to streaming and forwards text and thinking deltas as they arrive.
func (e *Executor) run(ctx context.Context, execCtx *ExecutionContext, userMessage string, emit func(StreamEvent)) *models.ExecutionResult {
	started := time.Now()
	result := &models.ExecutionResult{AgentID: execCtx.Agent.ID}

	messages := e.initialMessages(execCtx, userMessage)
	allowed := tools.AllowedTools(execCtx.Agent.Role, execCtx.Agent.Name)
	env := tools.Env{
		ProjectPath: execCtx.ProjectPath,
		ProjectID:   execCtx.ProjectID,
		SessionID:   execCtx.SessionID,
		AgentID:     execCtx.Agent.ID,
	}

	// schemasOff flips after deep_search and before the final round;
	// from then on the model gets no schemas and is pushed to answer.
	schemasOff := !execCtx.ToolsEnabled
	finished := false

	for round := 0; round < MaxToolRounds; round++ {
		if round == MaxToolRounds-1 && !schemasOff {
			schemasOff = true
			messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: synthesisNudge})
		}

		req := e.buildRequest(execCtx, messages)
		if round == 0 && !schemasOff {
			req.Tools = e.registry.Schemas(allowed)
		}

		var (
			resp *llm.Response
			err  error
		)
		if emit == nil {
			resp, err = e.client.Chat(ctx, req)
		} else {
			resp, err = e.chatStreamed(ctx, req, emit)
		}
		if err != nil {
			result.Error = err.Error()
			result.Content = "Error: " + err.Error()
			result.DurationMs = time.Since(started).Milliseconds()
			return result
		}
		result.Model = resp.Model
		result.Provider = resp.Provider
		result.TokensIn += resp.TokensIn
		result.TokensOut += resp.TokensOut

		calls := resp.ToolCalls
		if len(calls) == 0 && execCtx.ToolsEnabled {
			calls = liftXMLToolCalls(resp.Content)
		}
		if !execCtx.ToolsEnabled || len(calls) == 0 {
			result.Content = StripProviderTokens(resp.Content)
			finished = true
			break
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: calls,
		})
		for _, call := range calls {
			outcome := e.executeToolCall(ctx, execCtx, env, allowed, call)
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    truncate(outcome.result, resultHistoryMax),
				ToolCallID: call.ID,
			})
			result.ToolCalls = append(result.ToolCalls, models.ToolCallSummary{
				Name:          call.Name,
				Args:          outcome.args,
				ResultSnippet: truncate(outcome.result, resultSummaryMax),
			})
			if call.Name == "deep_search" {
				schemasOff = true
			}
		}
	}

	if !finished {
		result.Content = maxRoundsMessage
	}
	result.Delegations = ParseDelegations(result.Content)
	result.DurationMs = time.Since(started).Milliseconds()
	return result
}

// initialMessages maps the session history to chat turns and appends
// the new user message. User history keeps role=user; everything else
// becomes an assistant turn named after its agent.
func (e *Executor) initialMessages(execCtx *ExecutionContext, userMessage string) []llm.Message {
	history := execCtx.History
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	messages := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		if m.FromAgent == models.SenderUser {
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: m.Content})
			continue
		}
		messages = append(messages, llm.Message{
			Role:    llm.RoleAssistant,
			Name:    m.FromAgent,
			Content: m.Content,
		})
	}
	return append(messages, llm.Message{Role: llm.RoleUser, Content: userMessage})
}

func (e *Executor) buildRequest(execCtx *ExecutionContext, messages []llm.Message) llm.Request {
	a := execCtx.Agent
	req := llm.Request{
		Provider:    a.Provider,
		Model:       a.Model,
		System:      BuildSystemPrompt(execCtx),
		Messages:    messages,
		Temperature: a.Temperature,
		MaxTokens:   a.MaxTokens,
		SessionID:   execCtx.SessionID,
		AgentID:     a.ID,
	}
	if req.Provider == "" {
		req.Provider = e.defaults.Provider
	}
	if req.Model == "" {
		req.Model = e.defaults.Model
	}
	if req.Temperature == 0 {
		req.Temperature = e.defaults.Temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = e.defaults.MaxTokens
	}
	return req
}

type toolOutcome struct {
	args   map[string]any
	result string
	ok     bool
}

// executeToolCall runs one tool call through the full gauntlet:
// argument decoding, allowlist, guardrails, execution, transcript
// recording, artifact capture, and the observer callback.
func (e *Executor) executeToolCall(ctx context.Context, execCtx *ExecutionContext, env tools.Env, allowed []string, call llm.ToolCall) toolOutcome {
	started := time.Now()
	args := make(map[string]any)
	var result string
	blocked := false

	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			result = fmt.Sprintf("Tool '%s' error: invalid arguments: %v", call.Name, err)
		}
	}
	if result == "" && !slices.Contains(allowed, call.Name) {
		result = fmt.Sprintf("Error: tool '%s' is not available to this agent", call.Name)
	}
	if result == "" && e.rails != nil {
		decision := e.rails.CheckToolCall(ctx, execCtx.SessionID, execCtx.Agent.ID, call.Name, args)
		if !decision.Allowed {
			result = decision.Message
			blocked = true
		}
	}
	if result == "" {
		result = e.registry.Execute(ctx, call.Name, args, env)
	}

	ok := !blocked && !isToolError(result)
	e.recordToolCall(ctx, execCtx, call, result, ok, time.Since(started))
	if ok && isWriteTool(call.Name) {
		e.recordArtifact(ctx, execCtx, call.Name, args)
	}
	if execCtx.OnToolCall != nil {
		execCtx.OnToolCall(call.Name, args, result)
	}
	return toolOutcome{args: args, result: result, ok: ok}
}

// isToolError recognizes the folded error strings the registry and the
// executor itself produce. Failed commands (non-zero rc) are not tool
// errors; the tool ran.
func isToolError(result string) bool {
	return strings.HasPrefix(result, "Error:") || strings.HasPrefix(result, "Tool '")
}

func isWriteTool(name string) bool {
	return name == "code_write" || name == "code_edit"
}

func (e *Executor) recordToolCall(ctx context.Context, execCtx *ExecutionContext, call llm.ToolCall, result string, ok bool, elapsed time.Duration) {
	if e.rec == nil {
		return
	}
	record := &models.ToolCallRecord{
		SessionID:  execCtx.SessionID,
		AgentID:    execCtx.Agent.ID,
		Tool:       call.Name,
		ArgsJSON:   call.Arguments,
		Result:     truncate(result, resultSummaryMax),
		OK:         ok,
		DurationMs: elapsed.Milliseconds(),
	}
	if err := e.rec.RecordToolCall(ctx, record); err != nil {
		slog.Warn("Failed to record tool call",
			"session_id", execCtx.SessionID, "tool", call.Name, "error", err)
	}
}

func (e *Executor) recordArtifact(ctx context.Context, execCtx *ExecutionContext, toolName string, args map[string]any) {
	if e.rec == nil {
		return
	}
	path, _ := args["path"].(string)
	if path == "" {
		return
	}
	content, _ := args["content"].(string)
	if toolName == "code_edit" {
		content, _ = args["new_string"].(string)
	}
	artifact := &models.Artifact{
		SessionID: execCtx.SessionID,
		PhaseID:   execCtx.PhaseID,
		Type:      "code",
		Path:      path,
		Language:  languageForPath(path),
		Content:   truncate(content, artifactMax),
		CreatedBy: execCtx.Agent.ID,
	}
	if err := e.rec.RecordArtifact(ctx, artifact); err != nil {
		slog.Warn("Failed to record artifact",
			"session_id", execCtx.SessionID, "path", path, "error", err)
	}
}

var extLanguages = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".java": "java",
	".kt":   "kotlin",
	".rb":   "ruby",
	".rs":   "rust",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".cs":   "csharp",
	".php":  "php",
	".sh":   "shell",
	".sql":  "sql",
	".html": "html",
	".css":  "css",
	".yaml": "yaml",
	".yml":  "yaml",
	".json": "json",
	".md":   "markdown",
	".tf":   "terraform",
}

func languageForPath(path string) string {
	return extLanguages[strings.ToLower(filepath.Ext(path))]
}
