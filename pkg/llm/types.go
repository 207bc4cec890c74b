// Package llm provides the provider-neutral chat client used by agent
// executors: OpenAI-compatible and Anthropic providers behind one
// interface, a router keyed by agent configuration, a process-wide
// concurrency cap, and usage accounting.
package llm

import (
	"context"
	"errors"
	"strings"
)

// Chat roles, following the OpenAI-compatible schema.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one OpenAI-compatible chat turn.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is one function invocation requested by the model.
// Arguments is the raw JSON argument object.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"function_name"`
	Arguments string `json:"arguments"`
}

// ToolSchema describes one callable tool in the OpenAI function-calling
// format: {type: "function", function: {name, description, parameters}}.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is one chat completion call. Provider and Model default from
// configuration when empty.
type Request struct {
	Provider    string
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSchema
	Temperature float64
	MaxTokens   int

	// SessionID and AgentID flow into usage accounting only.
	SessionID string
	AgentID   string
}

// Response is the provider-neutral completion result.
type Response struct {
	Content      string
	Model        string
	Provider     string
	TokensIn     int
	TokensOut    int
	DurationMs   int64
	FinishReason string
	ToolCalls    []ToolCall
}

// ChunkKind discriminates streaming chunks.
type ChunkKind int

const (
	// ChunkText carries an assistant text delta.
	ChunkText ChunkKind = iota
	// ChunkThinking carries a reasoning delta (providers that expose it).
	ChunkThinking
	// ChunkToolCall carries one complete tool call.
	ChunkToolCall
	// ChunkDone terminates the stream with the accumulated Response.
	ChunkDone
	// ChunkError terminates the stream with Err set.
	ChunkError
)

// Chunk is one streaming increment. The channel closes after a
// ChunkDone or ChunkError.
type Chunk struct {
	Kind     ChunkKind
	Delta    string
	ToolCall *ToolCall
	Response *Response
	Err      error
}

// Client is the chat surface agents call.
type Client interface {
	// Chat performs one completion.
	Chat(ctx context.Context, req Request) (*Response, error)
	// ChatStream performs one completion, yielding chunks as they
	// arrive. The returned channel is closed after the terminal chunk.
	ChatStream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// ErrProviderUnknown is returned when a request names a provider the
// router has no client for.
var ErrProviderUnknown = errors.New("unknown llm provider")

// transientMarkers are substrings of provider errors that indicate the
// call may succeed on retry: throttling, overload, transport drops.
var transientMarkers = []string{
	"429",
	"rate limit",
	"rate_limit",
	"toomanyrequests",
	"throttl",
	"overloaded",
	"503",
	"529",
	"timeout",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
}

// IsTransient reports whether an LLM error is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
