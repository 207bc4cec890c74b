package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/macaron-dev/macaron/pkg/config"
)

const anthropicDefaultMaxTokens = 4096

// messagesAPI is the slice of the Anthropic SDK the provider depends on.
// Satisfied by *sdk.MessageService; tests substitute a fake.
type messagesAPI interface {
	New(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicProvider serves the Anthropic Messages API.
type AnthropicProvider struct {
	messages     messagesAPI
	name         string
	defaultModel string
	maxTokens    int
}

// NewAnthropicProvider builds a provider from its registry entry. The
// API key is read from the configured environment variable.
func NewAnthropicProvider(name string, cfg *config.ProviderConfig) (*AnthropicProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("provider %s: model is required", name)
	}
	opts := []option.RequestOption{option.WithAPIKey(os.Getenv(cfg.APIKeyEnv))}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := sdk.NewClient(opts...)
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	return &AnthropicProvider{
		messages:     &client.Messages,
		name:         name,
		defaultModel: cfg.Model,
		maxTokens:    maxTokens,
	}, nil
}

// Chat performs one completion call.
func (p *AnthropicProvider) Chat(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()
	msg, err := p.messages.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic message: %w", err)
	}

	var content strings.Builder
	var calls []ToolCall
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			calls = append(calls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}
	return &Response{
		Content:      content.String(),
		Model:        string(msg.Model),
		Provider:     p.name,
		TokensIn:     int(msg.Usage.InputTokens),
		TokensOut:    int(msg.Usage.OutputTokens),
		DurationMs:   time.Since(started).Milliseconds(),
		FinishReason: string(msg.StopReason),
		ToolCalls:    calls,
	}, nil
}

// ChatStream performs one completion streaming chunks as they arrive.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	stream := p.messages.NewStreaming(ctx, p.buildParams(req))
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic message stream: %w", err)
	}

	out := make(chan Chunk, 32)
	started := time.Now()
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	go func() {
		defer close(out)
		defer stream.Close()
		p.consumeStream(stream, out, model, started)
	}()
	return out, nil
}

func (p *AnthropicProvider) buildParams(req Request) sdk.MessageNewParams {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	system := req.System
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			// The Messages API takes system text out of band.
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case RoleAssistant:
			blocks := []sdk.ContentBlockParamUnion{}
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Arguments)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, sdk.NewTextBlock(""))
			}
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(blocks...))
		case RoleTool:
			params.Messages = append(params.Messages,
				sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	for _, t := range req.Tools {
		params.Tools = append(params.Tools, toolUnionParam(t))
	}
	return params
}

func toolUnionParam(t ToolSchema) sdk.ToolUnionParam {
	schema := sdk.ToolInputSchemaParam{}
	if props, ok := t.Parameters["properties"]; ok {
		schema.Properties = props
	}
	if req, ok := t.Parameters["required"]; ok {
		schema.Required = toStringSlice(req)
	}
	u := sdk.ToolUnionParamOfTool(schema, t.Name)
	if u.OfTool != nil && t.Description != "" {
		u.OfTool.Description = sdk.String(t.Description)
	}
	return u
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// toolBuffer accumulates the partial JSON fragments of one tool_use
// content block until its stop event arrives.
type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (b *toolBuffer) input() string {
	joined := strings.Join(b.fragments, "")
	if joined == "" {
		return "{}"
	}
	return joined
}

func (p *AnthropicProvider) consumeStream(stream *ssestream.Stream[sdk.MessageStreamEventUnion], out chan<- Chunk, model string, started time.Time) {
	var content strings.Builder
	var calls []ToolCall
	buffers := map[int64]*toolBuffer{}
	finishReason := ""
	tokensIn, tokensOut := 0, 0

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			tokensIn = int(ev.Message.Usage.InputTokens)
			if m := string(ev.Message.Model); m != "" {
				model = m
			}
		case sdk.ContentBlockStartEvent:
			if block, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				buffers[ev.Index] = &toolBuffer{id: block.ID, name: block.Name}
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				content.WriteString(delta.Text)
				out <- Chunk{Kind: ChunkText, Delta: delta.Text}
			case sdk.ThinkingDelta:
				out <- Chunk{Kind: ChunkThinking, Delta: delta.Thinking}
			case sdk.InputJSONDelta:
				if buf, ok := buffers[ev.Index]; ok {
					buf.fragments = append(buf.fragments, delta.PartialJSON)
				}
			}
		case sdk.ContentBlockStopEvent:
			if buf, ok := buffers[ev.Index]; ok {
				delete(buffers, ev.Index)
				call := ToolCall{ID: buf.id, Name: buf.name, Arguments: buf.input()}
				calls = append(calls, call)
				out <- Chunk{Kind: ChunkToolCall, ToolCall: &call}
			}
		case sdk.MessageDeltaEvent:
			if ev.Delta.StopReason != "" {
				finishReason = string(ev.Delta.StopReason)
			}
			tokensOut = int(ev.Usage.OutputTokens)
		}
	}
	if err := stream.Err(); err != nil {
		out <- Chunk{Kind: ChunkError, Err: fmt.Errorf("anthropic message stream: %w", err)}
		return
	}

	out <- Chunk{Kind: ChunkDone, Response: &Response{
		Content:      content.String(),
		Model:        model,
		Provider:     p.name,
		TokensIn:     tokensIn,
		TokensOut:    tokensOut,
		DurationMs:   time.Since(started).Milliseconds(),
		FinishReason: finishReason,
		ToolCalls:    calls,
	}}
}
