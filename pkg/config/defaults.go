package config

// Defaults are system-wide fallbacks applied when an agent or workflow
// leaves a knob unset.
type Defaults struct {
	// Provider is the LLM provider name used when an agent does not pin one.
	Provider string `yaml:"provider"`

	// Model is the model used when an agent does not pin one.
	Model string `yaml:"model"`

	// Temperature applied when an agent leaves it at zero.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens applied when an agent leaves it at zero.
	MaxTokens int `yaml:"max_tokens"`

	// WorkspaceRoot is where mission workspaces are created when a mission
	// does not name an explicit path.
	WorkspaceRoot string `yaml:"workspace_root"`

	// HistoryLimit is how many trailing session messages feed an agent turn.
	HistoryLimit int `yaml:"history_limit"`
}

// DefaultDefaults returns the built-in fallback values.
func DefaultDefaults() *Defaults {
	return &Defaults{
		Provider:      "openai",
		Model:         "gpt-4o",
		Temperature:   0.7,
		MaxTokens:     4096,
		WorkspaceRoot: "/tmp/macaron_workspaces",
		HistoryLimit:  20,
	}
}
