package config

import "github.com/macaron-dev/macaron/pkg/models"

// Config is the umbrella configuration object that encapsulates all
// registries, defaults, and configuration state. This is the primary
// object returned by Initialize() and used throughout the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// System-wide settings
	System     *SystemConfig
	Defaults   *Defaults
	Queue      *QueueConfig
	Watchdog   *WatchdogConfig
	Guardrails *GuardrailsConfig
	Sandbox    *SandboxConfig
	LLM        *LLMConfig
	Retention  *RetentionConfig

	// Component registries
	ProviderRegistry *ProviderRegistry
	WorkflowRegistry *WorkflowRegistry
	PatternRegistry  *PatternRegistry

	// AgentSeeds are the agent definitions from agents.yaml, upserted
	// into the agents table at bootstrap.
	AgentSeeds []models.AgentDef
}

// Stats contains statistics about loaded configuration
type Stats struct {
	Agents    int
	Workflows int
	Patterns  int
	Providers int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{Agents: len(c.AgentSeeds)}
	if c.WorkflowRegistry != nil {
		s.Workflows = c.WorkflowRegistry.Len()
	}
	if c.PatternRegistry != nil {
		s.Patterns = c.PatternRegistry.Len()
	}
	if c.ProviderRegistry != nil {
		s.Providers = c.ProviderRegistry.Len()
	}
	return s
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetWorkflow retrieves a workflow by ID.
// Convenience wrapper over WorkflowRegistry.Get().
func (c *Config) GetWorkflow(id string) (*models.WorkflowDef, error) {
	return c.WorkflowRegistry.Get(id)
}

// GetPattern retrieves a pattern by ID.
// Convenience wrapper over PatternRegistry.Get().
func (c *Config) GetPattern(id string) (*models.PatternDef, error) {
	return c.PatternRegistry.Get(id)
}

// GetProvider retrieves an LLM provider configuration by name.
// Convenience wrapper over ProviderRegistry.Get().
func (c *Config) GetProvider(name string) (*ProviderConfig, error) {
	return c.ProviderRegistry.Get(name)
}
