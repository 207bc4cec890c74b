package agent

import (
	"context"
	"fmt"

	"github.com/macaron-dev/macaron/pkg/llm"
	"github.com/macaron-dev/macaron/pkg/models"
)

// StreamKind discriminates streaming turn events.
type StreamKind int

const (
	// StreamDelta is a piece of assistant text as it is generated.
	StreamDelta StreamKind = iota
	// StreamThinking is a piece of reasoning content. Consumers decide
	// how much of it to surface; most emit a heartbeat per batch.
	StreamThinking
	// StreamResult terminates the stream with the final result.
	StreamResult
)

// StreamEvent is one increment of a streaming turn.
type StreamEvent struct {
	Kind   StreamKind
	Delta  string
	Result *models.ExecutionResult
}

// RunStreaming executes one agent turn like Run while forwarding text
// and thinking deltas live. The channel always ends with a StreamResult
// and is then closed. Deltas are raw model output; consumers filter
// think blocks and provider markers before display.
func (e *Executor) RunStreaming(ctx context.Context, execCtx *ExecutionContext, userMessage string) <-chan StreamEvent {
	out := make(chan StreamEvent, 64)
	go func() {
		defer close(out)
		result := e.run(ctx, execCtx, userMessage, func(ev StreamEvent) {
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		})
		select {
		case out <- StreamEvent{Kind: StreamResult, Result: result}:
		case <-ctx.Done():
		}
	}()
	return out
}

// chatStreamed drains one streaming completion, forwarding deltas and
// returning the accumulated final response.
func (e *Executor) chatStreamed(ctx context.Context, req llm.Request, emit func(StreamEvent)) (*llm.Response, error) {
	ch, err := e.client.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}
	var (
		final     *llm.Response
		streamErr error
	)
	for chunk := range ch {
		switch chunk.Kind {
		case llm.ChunkText:
			emit(StreamEvent{Kind: StreamDelta, Delta: chunk.Delta})
		case llm.ChunkThinking:
			emit(StreamEvent{Kind: StreamThinking, Delta: chunk.Delta})
		case llm.ChunkDone:
			final = chunk.Response
		case llm.ChunkError:
			streamErr = chunk.Err
		}
	}
	if streamErr != nil {
		return nil, streamErr
	}
	if final == nil {
		return nil, fmt.Errorf("stream ended without a final response")
	}
	return final, nil
}
