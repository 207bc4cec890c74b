package api

import "encoding/json"

// CreateMissionRequest is the body of POST /api/missions.
type CreateMissionRequest struct {
	ProjectID  string         `json:"project_id"`
	Name       string         `json:"name" binding:"required"`
	Brief      string         `json:"brief" binding:"required"`
	Type       string         `json:"type"`
	Category   string         `json:"category"`
	WorkflowID string         `json:"workflow_id" binding:"required"`
	Workspace  string         `json:"workspace_path"`
	Config     map[string]any `json:"config"`
}

// ValidateRequest is the body of POST /api/missions/:id/validate.
// Approved is a pointer so an omitted field is rejected instead of
// silently counting as a veto.
type ValidateRequest struct {
	Approved *bool  `json:"approved" binding:"required"`
	Comment  string `json:"comment"`
}

// SettingRequest is the body of PUT /api/settings/:key. The value is
// stored verbatim as JSON.
type SettingRequest struct {
	Value json.RawMessage `json:"value" binding:"required"`
}

// CreateProjectRequest is the body of POST /api/projects.
type CreateProjectRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	Path        string `json:"path"`
}

// CreateFeatureRequest is the body of POST /api/projects/:id/features.
type CreateFeatureRequest struct {
	Title           string `json:"title" binding:"required"`
	Description     string `json:"description"`
	BusinessValue   int    `json:"business_value"`
	TimeCriticality int    `json:"time_criticality"`
	RiskReduction   int    `json:"risk_reduction"`
	JobSize         int    `json:"job_size"`
}

// MonitoringRequest is the body of PUT /api/projects/:id/monitoring.
type MonitoringRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SecurityHookRequest is the body of POST /api/hooks/security.
type SecurityHookRequest struct {
	ProjectID string `json:"project_id"`
	Severity  string `json:"severity" binding:"required"`
	Title     string `json:"title" binding:"required"`
	Detail    string `json:"detail"`
}

// IncidentHookRequest is the body of POST /api/hooks/incident and
// /api/hooks/incident/resolve.
type IncidentHookRequest struct {
	ProjectID string `json:"project_id"`
	Key       string `json:"key" binding:"required"`
}
