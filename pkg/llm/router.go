package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/macaron-dev/macaron/pkg/config"
	"github.com/macaron-dev/macaron/pkg/models"
)

// UsageRecorder persists per-call token accounting. Satisfied by
// *store.Store. A nil recorder disables accounting.
type UsageRecorder interface {
	InsertUsage(ctx context.Context, u *models.UsageRecord) error
}

// Router dispatches chat requests to named providers and applies the
// process-wide concurrency cap, the per-call timeout, and usage
// accounting. It implements Client so callers never see providers.
type Router struct {
	providers map[string]Client
	fallback  string
	sem       *semaphore.Weighted
	timeout   time.Duration
	usage     UsageRecorder
}

// NewRouter builds one provider client per registry entry.
func NewRouter(reg *config.ProviderRegistry, limits *config.LLMConfig, defaults *config.Defaults, usage UsageRecorder) (*Router, error) {
	providers := make(map[string]Client, reg.Len())
	for _, name := range reg.Names() {
		cfg, err := reg.Get(name)
		if err != nil {
			return nil, err
		}
		var client Client
		switch cfg.Type {
		case config.ProviderAnthropic:
			client, err = NewAnthropicProvider(name, cfg)
		case config.ProviderOpenAI:
			client, err = NewOpenAIProvider(name, cfg)
		default:
			err = fmt.Errorf("unknown provider type %q", cfg.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to build provider %s: %w", name, err)
		}
		providers[name] = client
	}

	if limits == nil {
		limits = config.DefaultLLMConfig()
	}
	maxConcurrent := limits.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = config.DefaultLLMConfig().MaxConcurrent
	}
	timeout := limits.CallTimeout
	if timeout <= 0 {
		timeout = config.DefaultLLMConfig().CallTimeout
	}

	fallback := ""
	if defaults != nil {
		fallback = defaults.Provider
	}
	if fallback == "" && reg.Len() == 1 {
		fallback = reg.Names()[0]
	}
	if fallback != "" && !reg.Has(fallback) {
		return nil, fmt.Errorf("default provider %s: %w", fallback, config.ErrProviderNotFound)
	}

	slog.Info("LLM router initialized",
		"providers", reg.Names(),
		"default", fallback,
		"max_concurrent", maxConcurrent,
		"call_timeout", timeout)

	return &Router{
		providers: providers,
		fallback:  fallback,
		sem:       semaphore.NewWeighted(maxConcurrent),
		timeout:   timeout,
		usage:     usage,
	}, nil
}

// Providers returns the names the router can dispatch to.
func (r *Router) Providers() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// Chat dispatches one completion call under the concurrency cap.
func (r *Router) Chat(ctx context.Context, req Request) (*Response, error) {
	client, name, err := r.resolve(req.Provider)
	if err != nil {
		return nil, err
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire LLM slot: %w", err)
	}
	defer r.sem.Release(1)

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := client.Chat(cctx, req)
	r.record(context.WithoutCancel(ctx), req, name, resp, err)
	if err != nil {
		slog.Warn("LLM call failed",
			"provider", name, "agent_id", req.AgentID, "transient", IsTransient(err), "error", err)
		return nil, err
	}
	return resp, nil
}

// ChatStream dispatches one streaming call. The concurrency slot is
// held until the returned channel closes.
func (r *Router) ChatStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	client, name, err := r.resolve(req.Provider)
	if err != nil {
		return nil, err
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire LLM slot: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	inner, err := client.ChatStream(cctx, req)
	if err != nil {
		cancel()
		r.sem.Release(1)
		r.record(context.WithoutCancel(ctx), req, name, nil, err)
		return nil, err
	}

	out := make(chan Chunk, 32)
	go func() {
		defer close(out)
		defer r.sem.Release(1)
		defer cancel()

		var final *Response
		var failure error
		for chunk := range inner {
			switch chunk.Kind {
			case ChunkDone:
				final = chunk.Response
			case ChunkError:
				failure = chunk.Err
			}
			out <- chunk
		}
		r.record(context.WithoutCancel(ctx), req, name, final, failure)
	}()
	return out, nil
}

func (r *Router) resolve(name string) (Client, string, error) {
	if name == "" {
		name = r.fallback
	}
	client, ok := r.providers[name]
	if !ok {
		return nil, name, fmt.Errorf("%w: %q", ErrProviderUnknown, name)
	}
	return client, name, nil
}

func (r *Router) record(ctx context.Context, req Request, provider string, resp *Response, callErr error) {
	if r.usage == nil {
		return
	}
	rec := &models.UsageRecord{
		SessionID: req.SessionID,
		AgentID:   req.AgentID,
		Provider:  provider,
		Model:     req.Model,
		OK:        callErr == nil,
	}
	if resp != nil {
		rec.Model = resp.Model
		rec.TokensIn = resp.TokensIn
		rec.TokensOut = resp.TokensOut
		rec.DurationMs = resp.DurationMs
	}
	if err := r.usage.InsertUsage(ctx, rec); err != nil {
		slog.Warn("Failed to record LLM usage", "provider", provider, "error", err)
	}
}
