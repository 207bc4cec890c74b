package models

import "time"

// Memory categories used when distilling agent output into project memory.
const (
	MemoryProduct        = "product"
	MemoryArchitecture   = "architecture"
	MemoryQuality        = "quality"
	MemoryDevelopment    = "development"
	MemorySecurity       = "security"
	MemoryInfrastructure = "infrastructure"
	MemoryDecisions      = "decisions"
	MemoryPhaseSummary   = "phase-summary"
	MemoryRetrospective  = "retrospective"
)

// MemoryEntry is one key-value fact in project or global memory. Stores
// replace by (project_id, key); ProjectID is empty for global entries.
type MemoryEntry struct {
	ProjectID string    `json:"project_id,omitempty"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Category  string    `json:"category,omitempty"`
	Source    string    `json:"source,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
