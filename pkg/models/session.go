package models

import "time"

// SessionStatus is the lifecycle status of a transcript session.
type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionInterrupted SessionStatus = "interrupted"
	SessionPaused      SessionStatus = "paused"
	SessionFailed      SessionStatus = "failed"
	SessionCompleted   SessionStatus = "completed"
)

// Session is the transcript container for one mission run. Messages and
// SSE events hang off the session id.
type Session struct {
	ID        string        `json:"id"`
	MissionID string        `json:"mission_id,omitempty"`
	ProjectID string        `json:"project_id,omitempty"`
	Title     string        `json:"title,omitempty"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// MessageType classifies a logical utterance on a session.
type MessageType string

const (
	MessageText       MessageType = "text"
	MessageApprove    MessageType = "approve"
	MessageVeto       MessageType = "veto"
	MessageSystem     MessageType = "system"
	MessageDelegate   MessageType = "delegate"
	MessageCheckpoint MessageType = "checkpoint"
)

// Sender pseudo-agents for messages not produced by a configured agent.
const (
	SenderSystem = "system"
	SenderUser   = "user"
	RecipientAll = "all"
)

// Message is one append-only utterance on a session. Seq gives a total
// order per session independent of clock resolution.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Seq       int64          `json:"seq"`
	FromAgent string         `json:"from_agent"`
	ToAgent   string         `json:"to_agent"`
	Type      MessageType    `json:"message_type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Artifact is a produced file recorded when a write tool ran.
type Artifact struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	PhaseID   string    `json:"phase_id,omitempty"`
	Type      string    `json:"type"`
	Path      string    `json:"path"`
	Language  string    `json:"language,omitempty"`
	Content   string    `json:"content,omitempty"` // head of the file, budgeted
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// ToolCallRecord is the persisted row for one executed tool call.
type ToolCallRecord struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	AgentID    string    `json:"agent_id"`
	Tool       string    `json:"tool"`
	ArgsJSON   string    `json:"args_json,omitempty"`
	Result     string    `json:"result,omitempty"` // budgeted snippet
	OK         bool      `json:"ok"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}
