package config

import "time"

// GuardrailRule is one user-supplied interception rule merged on top of
// the built-in policy table.
type GuardrailRule struct {
	Tool        string `yaml:"tool"`         // tool name, or "*" for any
	ArgumentKey string `yaml:"argument_key"` // argument inspected by the regex
	Regex       string `yaml:"regex"`
	Severity    string `yaml:"severity"` // CRITICAL, HIGH, MEDIUM
	Label       string `yaml:"label"`
}

// GuardrailsConfig controls tool-call interception and the adversarial
// output guard.
type GuardrailsConfig struct {
	// MaxHighPerSession is the HIGH-severity budget of one session; past
	// it every further HIGH match blocks unconditionally.
	MaxHighPerSession int `yaml:"max_high_per_session"`

	// CacheTTL is how long loaded guardrail settings stay cached.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// ExtraRules are appended to the built-in policy table.
	ExtraRules []GuardrailRule `yaml:"extra_rules"`

	// SemanticReview enables the L1 adversarial pass on execution patterns.
	SemanticReview bool `yaml:"semantic_review"`

	// ReviewProvider and ReviewModel pick the L1 reviewer. Must differ
	// from the producing agent's model to count as a second opinion.
	ReviewProvider string `yaml:"review_provider"`
	ReviewModel    string `yaml:"review_model"`
}

// DefaultGuardrailsConfig returns the built-in guardrail defaults.
func DefaultGuardrailsConfig() *GuardrailsConfig {
	return &GuardrailsConfig{
		MaxHighPerSession: 5,
		CacheTTL:          60 * time.Second,
		SemanticReview:    false,
	}
}
