package config

import (
	"sync"

	"github.com/macaron-dev/macaron/pkg/models"
)

// BuiltinConfig holds built-in configuration data: default LLM providers
// and the type-template patterns that workflows reference by bare type
// name when they do not define a custom graph.
type BuiltinConfig struct {
	LLMProviders map[string]ProviderConfig
	Patterns     map[string]models.PatternDef
}

var (
	builtinConfig     *BuiltinConfig
	builtinConfigOnce sync.Once
)

// GetBuiltinConfig returns the singleton built-in configuration
// (thread-safe, lazy-initialized).
func GetBuiltinConfig() *BuiltinConfig {
	builtinConfigOnce.Do(initBuiltinConfig)
	return builtinConfig
}

func initBuiltinConfig() {
	builtinConfig = &BuiltinConfig{
		LLMProviders: initBuiltinProviders(),
		Patterns:     initBuiltinPatterns(),
	}
}

func initBuiltinProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"openai": {
			Type:      ProviderOpenAI,
			Model:     "gpt-4o",
			APIKeyEnv: "OPENAI_API_KEY",
			MaxTokens: 4096,
		},
		"anthropic": {
			Type:      ProviderAnthropic,
			Model:     "claude-sonnet-4-20250514",
			APIKeyEnv: "ANTHROPIC_API_KEY",
			MaxTokens: 4096,
		},
	}
}

// initBuiltinPatterns registers one template per topology. Agents and
// edges are synthesized by the orchestrator from the workflow phase; the
// template contributes type and default knobs.
func initBuiltinPatterns() map[string]models.PatternDef {
	types := []models.PatternType{
		models.PatternSolo,
		models.PatternSequential,
		models.PatternParallel,
		models.PatternLoop,
		models.PatternHierarchical,
		models.PatternNetwork,
		models.PatternRouter,
		models.PatternAggregator,
		models.PatternWave,
		models.PatternHumanInLoop,
	}
	patterns := make(map[string]models.PatternDef, len(types))
	for _, t := range types {
		patterns[string(t)] = models.PatternDef{
			ID:   string(t),
			Name: string(t),
			Type: t,
			Config: models.PatternConfig{
				MaxIterations: 5,
				MaxRounds:     3,
			},
		}
	}
	return patterns
}
