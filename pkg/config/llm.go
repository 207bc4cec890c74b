package config

import (
	"fmt"
	"sync"
	"time"
)

// ProviderType identifies the SDK used to reach a provider.
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
)

// ProviderConfig defines one LLM provider endpoint.
type ProviderConfig struct {
	// Type is the SDK family (required). The openai type serves any
	// OpenAI-compatible base URL.
	Type ProviderType `yaml:"type"`

	// Model is the default model for this provider (required).
	Model string `yaml:"model"`

	// APIKeyEnv is the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the SDK default endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	// MaxTokens caps completion length when the agent does not.
	MaxTokens int `yaml:"max_tokens,omitempty"`
}

// LLMConfig groups cross-provider limits.
type LLMConfig struct {
	// MaxConcurrent bounds in-flight LLM calls process-wide.
	MaxConcurrent int64 `yaml:"max_concurrent"`

	// CallTimeout bounds one chat call.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// DefaultLLMConfig returns the built-in LLM limits.
func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		MaxConcurrent: 10,
		CallTimeout:   120 * time.Second,
	}
}

// ProviderRegistry stores provider configurations with thread-safe access.
type ProviderRegistry struct {
	providers map[string]*ProviderConfig
	mu        sync.RWMutex
}

// NewProviderRegistry creates a provider registry from a config map.
func NewProviderRegistry(providers map[string]*ProviderConfig) *ProviderRegistry {
	copied := make(map[string]*ProviderConfig, len(providers))
	for k, v := range providers {
		copied[k] = v
	}
	return &ProviderRegistry{providers: copied}
}

// Get retrieves a provider configuration by name (thread-safe).
func (r *ProviderRegistry) Get(name string) (*ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.providers[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return p, nil
}

// Has checks if a provider exists (thread-safe).
func (r *ProviderRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.providers[name]
	return exists
}

// Names returns all provider names (thread-safe).
func (r *ProviderRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for k := range r.providers {
		names = append(names, k)
	}
	return names
}

// Len returns the number of providers (thread-safe).
func (r *ProviderRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
