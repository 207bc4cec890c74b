package models

// Permissions are the capability flags an agent holds during pattern runs.
type Permissions struct {
	CanDelegate bool `json:"can_delegate" yaml:"can_delegate"`
	CanVeto     bool `json:"can_veto" yaml:"can_veto"`
	CanApprove  bool `json:"can_approve" yaml:"can_approve"`
}

// AgentDef is the identity and configuration of one agent. Definitions are
// seeded from YAML at bootstrap and editable via the admin API; they are
// read-only while a pattern run holds them.
type AgentDef struct {
	ID            string      `json:"id" yaml:"id"`
	Name          string      `json:"name" yaml:"name"`
	Role          string      `json:"role" yaml:"role"`
	HierarchyRank int         `json:"hierarchy_rank" yaml:"hierarchy_rank"` // 0-100, lower = more senior
	SystemPrompt  string      `json:"system_prompt" yaml:"system_prompt"`
	Persona       string      `json:"persona,omitempty" yaml:"persona"`
	Description   string      `json:"description,omitempty" yaml:"description"`
	Skills        []string    `json:"skills,omitempty" yaml:"skills"`
	Permissions   Permissions `json:"permissions" yaml:"permissions"`
	Provider      string      `json:"provider,omitempty" yaml:"provider"`
	Model         string      `json:"model,omitempty" yaml:"model"`
	Temperature   float64     `json:"temperature,omitempty" yaml:"temperature"`
	MaxTokens     int         `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Avatar        string      `json:"avatar,omitempty" yaml:"avatar"`
	Tagline       string      `json:"tagline,omitempty" yaml:"tagline"`
}

// IsSenior reports whether the agent sits in the leadership band of the
// hierarchy (used by hierarchical patterns to pick a manager).
func (a *AgentDef) IsSenior() bool {
	return a.HierarchyRank <= 20
}

// IsWorker reports whether the agent sits in the execution band.
func (a *AgentDef) IsWorker() bool {
	return a.HierarchyRank >= 40
}
