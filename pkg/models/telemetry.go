package models

import "time"

// AuditRecord is one append-only entry in the admin audit log. Guardrail
// decisions and admin mutations both land here.
type AuditRecord struct {
	ID         string         `json:"id"`
	EventType  string         `json:"event_type"`
	ActorID    string         `json:"actor_id"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// UsageRecord is one llm_usage row, written per LLM call.
type UsageRecord struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	TokensIn   int       `json:"tokens_in"`
	TokensOut  int       `json:"tokens_out"`
	DurationMs int64     `json:"duration_ms"`
	OK         bool      `json:"ok"`
	CreatedAt  time.Time `json:"created_at"`
}

// EndurancePoint is one watchdog metric sample.
type EndurancePoint struct {
	Timestamp time.Time `json:"ts"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Detail    string    `json:"detail,omitempty"`
}

// IncidentStatus is the lifecycle of a platform incident.
type IncidentStatus string

const (
	IncidentOpen   IncidentStatus = "open"
	IncidentClosed IncidentStatus = "closed"
)

// Incident is one platform_incidents row tracked by the feedback hooks.
// Recurring incidents with the same key escalate into debt missions.
type Incident struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id,omitempty"`
	IncidentKey string         `json:"incident_key"`
	Kind        string         `json:"kind,omitempty"` // security_alert, deploy_failed, tma
	Severity    string         `json:"severity,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Occurrences int            `json:"occurrences"`
	Status      IncidentStatus `json:"status"`
	FirstSeen   time.Time      `json:"first_seen"`
	LastSeen    time.Time      `json:"last_seen"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
}
