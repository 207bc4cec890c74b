package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/macaron-dev/macaron/pkg/models"
)

// MacaronYAMLConfig represents the complete macaron.yaml file structure.
type MacaronYAMLConfig struct {
	System       *SystemConfig             `yaml:"system"`
	Defaults     *Defaults                 `yaml:"defaults"`
	Queue        *QueueConfig              `yaml:"queue"`
	Watchdog     *WatchdogConfig           `yaml:"watchdog"`
	Guardrails   *GuardrailsConfig         `yaml:"guardrails"`
	Sandbox      *SandboxConfig            `yaml:"sandbox"`
	LLM          *LLMConfig                `yaml:"llm"`
	Retention    *RetentionConfig          `yaml:"retention"`
	LLMProviders map[string]ProviderConfig `yaml:"llm_providers"`
}

// AgentsYAMLConfig represents the agents.yaml file structure.
type AgentsYAMLConfig struct {
	Agents []models.AgentDef `yaml:"agents"`
}

// WorkflowsYAMLConfig represents the workflows.yaml file structure.
type WorkflowsYAMLConfig struct {
	Workflows map[string]models.WorkflowDef `yaml:"workflows"`
}

// PatternsYAMLConfig represents the patterns.yaml file structure.
type PatternsYAMLConfig struct {
	Patterns map[string]models.PatternDef `yaml:"patterns"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load YAML files from configDir
//  2. Expand environment variables
//  3. Merge built-in + user-defined configurations
//  4. Build in-memory registries
//  5. Apply default values
//  6. Validate all configuration
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"agents", stats.Agents,
		"workflows", stats.Workflows,
		"patterns", stats.Patterns,
		"llm_providers", stats.Providers)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	// 1. Load macaron.yaml (system, defaults, queue, watchdog, guardrails,
	// sandbox, llm, retention, llm_providers)
	macaronConfig, err := loader.loadMacaronYAML()
	if err != nil {
		return nil, NewLoadError("macaron.yaml", err)
	}

	// 2. Load registries. agents.yaml is required; workflows.yaml and
	// patterns.yaml are optional (built-in templates cover patterns).
	agents, err := loader.loadAgentsYAML()
	if err != nil {
		return nil, NewLoadError("agents.yaml", err)
	}
	workflows, err := loader.loadWorkflowsYAML()
	if err != nil {
		return nil, NewLoadError("workflows.yaml", err)
	}
	patterns, err := loader.loadPatternsYAML()
	if err != nil {
		return nil, NewLoadError("patterns.yaml", err)
	}

	// 3. Merge built-in + user-defined components (user overrides built-in)
	builtin := GetBuiltinConfig()
	providersMerged := mergeProviders(builtin.LLMProviders, macaronConfig.LLMProviders)
	patternsMerged := mergePatterns(builtin.Patterns, patterns)
	workflowsMerged := mergeWorkflows(workflows)

	// 4. Resolve section configs: start from defaults, merge user YAML on
	// top so unset fields keep their default values.
	system := DefaultSystemConfig()
	defaults := DefaultDefaults()
	queue := DefaultQueueConfig()
	watchdog := DefaultWatchdogConfig()
	guardrails := DefaultGuardrailsConfig()
	sandbox := DefaultSandboxConfig()
	llm := DefaultLLMConfig()
	retention := DefaultRetentionConfig()

	if macaronConfig.System != nil {
		if err := mergo.Merge(system, macaronConfig.System, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge system config: %w", err)
		}
	}
	if macaronConfig.Defaults != nil {
		if err := mergo.Merge(defaults, macaronConfig.Defaults, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge defaults: %w", err)
		}
	}
	if macaronConfig.Queue != nil {
		if err := mergo.Merge(queue, macaronConfig.Queue, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge queue config: %w", err)
		}
	}
	if macaronConfig.Watchdog != nil {
		if err := mergo.Merge(watchdog, macaronConfig.Watchdog, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge watchdog config: %w", err)
		}
	}
	if macaronConfig.Guardrails != nil {
		if err := mergo.Merge(guardrails, macaronConfig.Guardrails, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge guardrails config: %w", err)
		}
	}
	if macaronConfig.Sandbox != nil {
		if err := mergo.Merge(sandbox, macaronConfig.Sandbox, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge sandbox config: %w", err)
		}
	}
	if macaronConfig.LLM != nil {
		if err := mergo.Merge(llm, macaronConfig.LLM, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge llm config: %w", err)
		}
	}
	if macaronConfig.Retention != nil {
		if err := mergo.Merge(retention, macaronConfig.Retention, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge retention config: %w", err)
		}
	}

	return &Config{
		configDir:        configDir,
		System:           system,
		Defaults:         defaults,
		Queue:            queue,
		Watchdog:         watchdog,
		Guardrails:       guardrails,
		Sandbox:          sandbox,
		LLM:              llm,
		Retention:        retention,
		ProviderRegistry: NewProviderRegistry(providersMerged),
		WorkflowRegistry: NewWorkflowRegistry(workflowsMerged),
		PatternRegistry:  NewPatternRegistry(patternsMerged),
		AgentSeeds:       agents,
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any, required bool) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if !required {
				return nil
			}
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadMacaronYAML() (*MacaronYAMLConfig, error) {
	var config MacaronYAMLConfig
	config.LLMProviders = make(map[string]ProviderConfig)

	if err := l.loadYAML("macaron.yaml", &config, true); err != nil {
		return nil, err
	}
	return &config, nil
}

func (l *configLoader) loadAgentsYAML() ([]models.AgentDef, error) {
	var config AgentsYAMLConfig
	if err := l.loadYAML("agents.yaml", &config, true); err != nil {
		return nil, err
	}
	return config.Agents, nil
}

func (l *configLoader) loadWorkflowsYAML() (map[string]models.WorkflowDef, error) {
	config := WorkflowsYAMLConfig{Workflows: make(map[string]models.WorkflowDef)}
	if err := l.loadYAML("workflows.yaml", &config, false); err != nil {
		return nil, err
	}
	return config.Workflows, nil
}

func (l *configLoader) loadPatternsYAML() (map[string]models.PatternDef, error) {
	config := PatternsYAMLConfig{Patterns: make(map[string]models.PatternDef)}
	if err := l.loadYAML("patterns.yaml", &config, false); err != nil {
		return nil, err
	}
	return config.Patterns, nil
}

// ReloadWorkflows re-reads workflows.yaml and patterns.yaml and swaps the
// registries when the files parse and validate. Invalid content keeps the
// previous registry state. Used by the hot-reload watcher.
func (c *Config) ReloadWorkflows(ctx context.Context) error {
	loader := &configLoader{configDir: c.configDir}

	workflows, err := loader.loadWorkflowsYAML()
	if err != nil {
		return NewLoadError("workflows.yaml", err)
	}
	patterns, err := loader.loadPatternsYAML()
	if err != nil {
		return NewLoadError("patterns.yaml", err)
	}

	builtin := GetBuiltinConfig()
	patternsMerged := mergePatterns(builtin.Patterns, patterns)
	workflowsMerged := mergeWorkflows(workflows)

	staged := &Config{
		configDir:        c.configDir,
		System:           c.System,
		Defaults:         c.Defaults,
		Queue:            c.Queue,
		Watchdog:         c.Watchdog,
		Guardrails:       c.Guardrails,
		Sandbox:          c.Sandbox,
		LLM:              c.LLM,
		Retention:        c.Retention,
		ProviderRegistry: c.ProviderRegistry,
		WorkflowRegistry: NewWorkflowRegistry(workflowsMerged),
		PatternRegistry:  NewPatternRegistry(patternsMerged),
		AgentSeeds:       c.AgentSeeds,
	}
	if err := validate(staged); err != nil {
		return err
	}

	c.WorkflowRegistry.Replace(workflowsMerged)
	c.PatternRegistry.Replace(patternsMerged)
	slog.Info("Workflow and pattern registries reloaded",
		"workflows", c.WorkflowRegistry.Len(),
		"patterns", c.PatternRegistry.Len())
	return nil
}
