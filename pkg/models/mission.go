package models

import "time"

// MissionStatus is the lifecycle status of a mission and of its runs.
type MissionStatus string

const (
	MissionPending           MissionStatus = "pending"
	MissionPlanning          MissionStatus = "planning"
	MissionRunning           MissionStatus = "running"
	MissionPaused            MissionStatus = "paused"
	MissionWaitingValidation MissionStatus = "waiting_validation"
	MissionCompleted         MissionStatus = "completed"
	MissionFailed            MissionStatus = "failed"
	MissionAbandoned         MissionStatus = "abandoned"
)

// Terminal reports whether the status ends the mission lifecycle.
func (s MissionStatus) Terminal() bool {
	return s == MissionCompleted || s == MissionFailed || s == MissionAbandoned
}

// PhaseStatus is the status of one phase inside a mission run. The values
// keep their historical uppercase form because they are persisted in
// phases_json and shown verbatim in transcripts.
type PhaseStatus string

const (
	PhasePending           PhaseStatus = "PENDING"
	PhaseRunning           PhaseStatus = "RUNNING"
	PhaseDone              PhaseStatus = "DONE"
	PhaseDoneWithIssues    PhaseStatus = "DONE_WITH_ISSUES"
	PhaseWaitingValidation PhaseStatus = "WAITING_VALIDATION"
	PhaseFailed            PhaseStatus = "FAILED"
	PhaseSkipped           PhaseStatus = "SKIPPED"
)

// Settled reports whether the orchestrator should skip over the phase.
func (s PhaseStatus) Settled() bool {
	return s == PhaseDone || s == PhaseDoneWithIssues || s == PhaseSkipped
}

// PhaseState is one step of a mission run. The list is serialized to the
// run's phases_json column as a whole.
type PhaseState struct {
	PhaseID     string      `json:"phase_id"`
	Name        string      `json:"name,omitempty"`
	Status      PhaseStatus `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	AgentCount  int         `json:"agent_count,omitempty"`
	Summary     string      `json:"summary,omitempty"`
}

// Mission is the outer work unit: one user goal executed via one workflow.
type Mission struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"project_id,omitempty"`
	Name          string         `json:"name"`
	Brief         string         `json:"brief"`
	Type          string         `json:"type,omitempty"`     // feature, bug, refactor, audit, program
	Category      string         `json:"category,omitempty"` // product, debt, security
	Status        MissionStatus  `json:"status"`
	WorkflowID    string         `json:"workflow_id"`
	WorkspacePath string         `json:"workspace_path,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
	Author        string         `json:"author,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// MissionRun is one execution attempt of a mission. Runs are the resumable
// unit: the worker pool claims pending runs, the watchdog resumes paused
// ones. Each run owns one session for its transcript.
type MissionRun struct {
	ID                 string        `json:"id"`
	MissionID          string        `json:"mission_id"`
	SessionID          string        `json:"session_id"`
	Status             MissionStatus `json:"status"`
	Phases             []PhaseState  `json:"phases"`
	CurrentPhase       string        `json:"current_phase,omitempty"`
	WorkspacePath      string        `json:"workspace_path,omitempty"`
	ReloopCount        int           `json:"reloop_count"`
	ResumeAttempts     int           `json:"resume_attempts"`
	LastResumeAt       *time.Time    `json:"last_resume_at,omitempty"`
	HumanInputRequired bool          `json:"human_input_required"`
	PrevContext        string        `json:"prev_context,omitempty"`
	Error              string        `json:"error,omitempty"`
	ClaimedBy          string        `json:"claimed_by,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	StartedAt          *time.Time    `json:"started_at,omitempty"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// PhaseCounts tallies phase statuses for final mission status computation.
type PhaseCounts struct {
	Done       int
	WithIssues int
	Failed     int
	Skipped    int
	Other      int
}

// CountPhases tallies the run's phases by status bucket.
func (r *MissionRun) CountPhases() PhaseCounts {
	var c PhaseCounts
	for i := range r.Phases {
		switch r.Phases[i].Status {
		case PhaseDone:
			c.Done++
		case PhaseDoneWithIssues:
			c.WithIssues++
		case PhaseFailed:
			c.Failed++
		case PhaseSkipped:
			c.Skipped++
		default:
			c.Other++
		}
	}
	return c
}

// Sprint is one iteration of a dev-type phase.
type Sprint struct {
	ID            string     `json:"id"`
	MissionID     string     `json:"mission_id"`
	RunID         string     `json:"run_id"`
	Number        int        `json:"number"`
	Goal          string     `json:"goal"`
	Status        string     `json:"status"` // running, completed, failed
	Velocity      int        `json:"velocity,omitempty"`
	Retrospective string     `json:"retrospective,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}
