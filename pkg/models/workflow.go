package models

// PhaseGate controls whether a failed phase blocks the mission.
type PhaseGate string

const (
	GateAlways      PhaseGate = "always"
	GateNoVeto      PhaseGate = "no_veto"
	GateAllApproved PhaseGate = "all_approved"
)

// WorkflowPhaseConfig is the per-phase configuration block of a workflow
// template.
type WorkflowPhaseConfig struct {
	AgentIDs           []string            `json:"agent_ids" yaml:"agent_ids"`
	Leader             string              `json:"leader,omitempty" yaml:"leader"`
	Gate               PhaseGate           `json:"gate,omitempty" yaml:"gate"`
	MaxIterations      int                 `json:"max_iterations,omitempty" yaml:"max_iterations"`
	AcceptanceCriteria []EvidenceCriterion `json:"acceptance_criteria,omitempty" yaml:"acceptance_criteria"`
}

// WorkflowPhase is one step of a workflow template.
type WorkflowPhase struct {
	PhaseID   string              `json:"phase_id" yaml:"phase_id"`
	Name      string              `json:"name" yaml:"name"`
	PatternID string              `json:"pattern_id" yaml:"pattern_id"`
	Config    WorkflowPhaseConfig `json:"config" yaml:"config"`
}

// WorkflowDef is an ordered list of phases; each phase picks a pattern
// topology and an agent team.
type WorkflowDef struct {
	ID     string          `json:"id" yaml:"id"`
	Name   string          `json:"name" yaml:"name"`
	Phases []WorkflowPhase `json:"phases" yaml:"phases"`
}

// NewPhaseStates builds the initial phase list for a mission run from the
// workflow template. Phase order is fixed at creation.
func (w *WorkflowDef) NewPhaseStates() []PhaseState {
	phases := make([]PhaseState, len(w.Phases))
	for i, p := range w.Phases {
		phases[i] = PhaseState{
			PhaseID:    p.PhaseID,
			Name:       p.Name,
			Status:     PhasePending,
			AgentCount: len(p.Config.AgentIDs),
		}
	}
	return phases
}
