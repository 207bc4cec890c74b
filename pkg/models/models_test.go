package models

import "testing"

func TestHierarchyBands(t *testing.T) {
	lead := &AgentDef{ID: "archi", HierarchyRank: 15}
	mid := &AgentDef{ID: "qa", HierarchyRank: 30}
	worker := &AgentDef{ID: "dev", HierarchyRank: 50}

	if !lead.IsSenior() || lead.IsWorker() {
		t.Errorf("rank 15 should be senior only")
	}
	if mid.IsSenior() || mid.IsWorker() {
		t.Errorf("rank 30 should be in neither band")
	}
	if worker.IsSenior() || !worker.IsWorker() {
		t.Errorf("rank 50 should be worker only")
	}
}

func TestWSJFZeroJobSizeSortsLast(t *testing.T) {
	f := &Feature{BusinessValue: 8, TimeCriticality: 4, RiskReduction: 2, JobSize: 2}
	if got := f.WSJF(); got != 7 {
		t.Errorf("WSJF = %v, want 7", got)
	}
	f.JobSize = 0
	if got := f.WSJF(); got != 0 {
		t.Errorf("WSJF with zero job size = %v, want 0", got)
	}
}

func TestCountPhasesBuckets(t *testing.T) {
	r := &MissionRun{Phases: []PhaseState{
		{Status: PhaseDone},
		{Status: PhaseDone},
		{Status: PhaseDoneWithIssues},
		{Status: PhaseFailed},
		{Status: PhaseSkipped},
		{Status: PhaseRunning},
	}}
	c := r.CountPhases()
	if c.Done != 2 || c.WithIssues != 1 || c.Failed != 1 || c.Skipped != 1 || c.Other != 1 {
		t.Errorf("unexpected counts: %+v", c)
	}
}

func TestNewPhaseStatesKeepsOrder(t *testing.T) {
	w := &WorkflowDef{Phases: []WorkflowPhase{
		{PhaseID: "cadrage", Name: "Cadrage", Config: WorkflowPhaseConfig{AgentIDs: []string{"cdp", "archi"}}},
		{PhaseID: "dev", Name: "Dev"},
	}}
	phases := w.NewPhaseStates()
	if len(phases) != 2 {
		t.Fatalf("got %d phases", len(phases))
	}
	if phases[0].PhaseID != "cadrage" || phases[0].AgentCount != 2 || phases[0].Status != PhasePending {
		t.Errorf("first phase wrong: %+v", phases[0])
	}
	if phases[1].PhaseID != "dev" || phases[1].AgentCount != 0 {
		t.Errorf("second phase wrong: %+v", phases[1])
	}
}

func TestExecutionResultHelpers(t *testing.T) {
	var nilResult *ExecutionResult
	if nilResult.Failed() || nilResult.UsedWriteTools() {
		t.Errorf("nil result should report nothing")
	}
	r := &ExecutionResult{ToolCalls: []ToolCallSummary{{Name: "code_read"}}}
	if r.Failed() || r.UsedWriteTools() {
		t.Errorf("read-only success misreported")
	}
	r.ToolCalls = append(r.ToolCalls, ToolCallSummary{Name: "code_write"})
	r.Error = "boom"
	if !r.Failed() || !r.UsedWriteTools() {
		t.Errorf("failed write turn misreported")
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []MissionStatus{MissionCompleted, MissionFailed, MissionAbandoned} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []MissionStatus{MissionPending, MissionRunning, MissionPaused} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if NodeRunning.Terminal() || !NodeVetoed.Terminal() {
		t.Errorf("node status terminality wrong")
	}
}
