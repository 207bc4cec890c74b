package api

import (
	"github.com/macaron-dev/macaron/pkg/models"
	"github.com/macaron-dev/macaron/pkg/store"
)

// MissionResponse is returned by POST /api/missions.
type MissionResponse struct {
	MissionID string `json:"mission_id"`
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// MissionDetail is returned by GET /api/missions/:id.
type MissionDetail struct {
	Mission *models.Mission      `json:"mission"`
	Runs    []*models.MissionRun `json:"runs"`
	Sprints []*models.Sprint     `json:"sprints,omitempty"`
}

// LifecycleResponse acknowledges a pause/resume/cancel/retry request.
type LifecycleResponse struct {
	MissionID string `json:"mission_id"`
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status        string              `json:"status"`
	Version       string              `json:"version"`
	Database      *store.HealthStatus `json:"database,omitempty"`
	Configuration ConfigurationStats  `json:"configuration"`
	WorkerPool    PoolStats           `json:"worker_pool"`
	EventBus      BusStats            `json:"event_bus"`
	Error         string              `json:"error,omitempty"`
}

// ConfigurationStats counts loaded configuration items.
type ConfigurationStats struct {
	Agents    int `json:"agents"`
	Workflows int `json:"workflows"`
	Patterns  int `json:"patterns"`
	Providers int `json:"providers"`
}

// PoolStats reports worker pool occupancy.
type PoolStats struct {
	ActiveRuns    int `json:"active_runs"`
	ProcessedRuns int `json:"processed_runs"`
}

// BusStats reports event bus pressure.
type BusStats struct {
	Sessions   int   `json:"sessions"`
	QueueDepth int   `json:"queue_depth"`
	Dropped    int64 `json:"dropped"`
}

// WorkflowSummary is one row of GET /api/workflows.
type WorkflowSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Phases int    `json:"phases"`
}

// PatternSummary is one row of GET /api/patterns.
type PatternSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// LLMStatsResponse is returned by GET /api/llm/stats.
type LLMStatsResponse struct {
	Providers []string `json:"providers"`
	Calls     int      `json:"calls_24h"`
	Failed    int      `json:"failed_24h"`
	TokensIn  int64    `json:"tokens_in_24h"`
	TokensOut int64    `json:"tokens_out_24h"`
}
