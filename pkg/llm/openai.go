package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/macaron-dev/macaron/pkg/config"
)

// openAIAPI is the subset of the go-openai client the provider uses.
// Satisfied by *openai.Client; tests substitute a fake.
type openAIAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// OpenAIProvider serves any OpenAI-compatible chat completion endpoint.
type OpenAIProvider struct {
	api          openAIAPI
	name         string
	defaultModel string
	maxTokens    int
}

// NewOpenAIProvider builds a provider from its registry entry. The API
// key is read from the configured environment variable.
func NewOpenAIProvider(name string, cfg *config.ProviderConfig) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("provider %s: model is required", name)
	}
	apiKey := os.Getenv(cfg.APIKeyEnv)
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		api:          openai.NewClientWithConfig(clientCfg),
		name:         name,
		defaultModel: cfg.Model,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

// Chat performs one completion call.
func (p *OpenAIProvider) Chat(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()
	resp, err := p.api.CreateChatCompletion(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai chat completion: no choices returned")
	}
	return p.translateResponse(resp, req, started), nil
}

// ChatStream performs one completion streaming chunks as they arrive.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	creq := p.buildRequest(req, true)
	stream, err := p.api.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return nil, fmt.Errorf("openai chat stream: %w", err)
	}

	out := make(chan Chunk, 32)
	started := time.Now()
	go func() {
		defer close(out)
		defer stream.Close()
		p.consumeStream(stream.Recv, out, creq.Model, started)
	}()
	return out, nil
}

func (p *OpenAIProvider) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		cm := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		messages = append(messages, cm)
	}

	creq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   maxTokens,
		Stream:      stream,
	}
	if stream {
		creq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	for _, t := range req.Tools {
		creq.Tools = append(creq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return creq
}

func (p *OpenAIProvider) translateResponse(resp openai.ChatCompletionResponse, req Request, started time.Time) *Response {
	choice := resp.Choices[0]
	out := &Response{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		Provider:     p.name,
		TokensIn:     resp.Usage.PromptTokens,
		TokensOut:    resp.Usage.CompletionTokens,
		DurationMs:   time.Since(started).Milliseconds(),
		FinishReason: string(choice.FinishReason),
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}

// consumeStream drains one SSE stream, accumulating text and tool-call
// fragments. Tool-call arguments arrive as partial JSON attributed by
// index; fragments with an ID open a new call and ID-less fragments
// extend the last one.
func (p *OpenAIProvider) consumeStream(recv func() (openai.ChatCompletionStreamResponse, error), out chan<- Chunk, model string, started time.Time) {
	var content strings.Builder
	var calls []ToolCall
	callIndex := map[int]int{}
	finishReason := ""
	tokensIn, tokensOut := 0, 0

	for {
		resp, err := recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			out <- Chunk{Kind: ChunkError, Err: fmt.Errorf("openai chat stream: %w", err)}
			return
		}
		if resp.Usage != nil {
			tokensIn = resp.Usage.PromptTokens
			tokensOut = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			out <- Chunk{Kind: ChunkText, Delta: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			switch {
			case tc.Index != nil:
				i, ok := callIndex[*tc.Index]
				if !ok {
					i = len(calls)
					callIndex[*tc.Index] = i
					calls = append(calls, ToolCall{})
				}
				if tc.ID != "" {
					calls[i].ID = tc.ID
				}
				if tc.Function.Name != "" {
					calls[i].Name = tc.Function.Name
				}
				calls[i].Arguments += tc.Function.Arguments
			case tc.ID != "":
				calls = append(calls, ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			case len(calls) > 0:
				calls[len(calls)-1].Arguments += tc.Function.Arguments
			}
		}
	}

	for i := range calls {
		out <- Chunk{Kind: ChunkToolCall, ToolCall: &calls[i]}
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
