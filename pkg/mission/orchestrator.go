// Package mission drives mission runs through their workflow phases:
// sprint iteration on dev phases, evidence gates, human validation
// waits, error reloops, and feedback hooks. The worker pool claims
// pending runs and hands them to the Orchestrator.
package mission

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/macaron-dev/macaron/pkg/bus"
	"github.com/macaron-dev/macaron/pkg/config"
	"github.com/macaron-dev/macaron/pkg/evidence"
	"github.com/macaron-dev/macaron/pkg/models"
	"github.com/macaron-dev/macaron/pkg/pattern"
	"github.com/macaron-dev/macaron/pkg/sandbox"
)

const (
	// phaseTimeout bounds one pattern execution attempt.
	phaseTimeout = 600 * time.Second
	// maxLLMRetries is the total attempts for a phase whose failure
	// looks transient (rate limit, timeout).
	maxLLMRetries = 2
	// llmRetryDelay separates those attempts.
	llmRetryDelay = 30 * time.Second
	// maxReloops caps how many times a failed late phase may send the
	// mission back to the first dev phase.
	maxReloops = 2
	// hitlWaitTimeout is how long a human-in-the-loop phase waits for
	// a validation decision before defaulting to DONE.
	hitlWaitTimeout = 600 * time.Second
	hitlPollInterval = 5 * time.Second

	// prevContextMax caps the accumulated feedback carried between
	// sprints and reloops; the tail keeps the freshest feedback.
	prevContextMax = 8000
	// rejectErrMax caps the error text quoted in a sprint rejection.
	rejectErrMax = 500
	// failureSummaryMax caps the error quoted in a failed phase summary.
	failureSummaryMax = 200
	// issueSummaryMax caps the error quoted in a downgraded summary.
	issueSummaryMax = 100
)

// devPhaseMarkers classify a phase as an execution (sprintable) phase
// by substring of its name.
var devPhaseMarkers = []string{"sprint", "dev", "features", "test"}

// reloopableMarkers are the phase id fragments allowed to trigger an
// error reloop back to the first dev phase.
var reloopableMarkers = []string{"qa", "deploy", "tma", "sprint", "dev", "cicd", "pipeline"}

// PatternRunner executes one pattern graph. Satisfied by
// pattern.Engine.
type PatternRunner interface {
	Run(ctx context.Context, req pattern.Request) *models.PatternRun
}

// Store is the persistence surface the orchestrator drives.
type Store interface {
	GetMission(ctx context.Context, id string) (*models.Mission, error)
	UpdateMissionStatus(ctx context.Context, id string, status models.MissionStatus) error
	SetMissionWorkspace(ctx context.Context, id, path string) error

	GetRun(ctx context.Context, id string) (*models.MissionRun, error)
	SaveRunPhases(ctx context.Context, id string, phases []models.PhaseState, currentPhase string) error
	UpdateRunStatus(ctx context.Context, id string, status models.MissionStatus, errMsg string) error
	FinishRun(ctx context.Context, id string, status models.MissionStatus, errMsg string) error
	SetRunContext(ctx context.Context, id, prevContext string) error
	SetRunHumanInput(ctx context.Context, id string, required bool) error
	SetRunReloops(ctx context.Context, id string, count int) error

	CreateSprint(ctx context.Context, sp *models.Sprint) error
	CompleteSprint(ctx context.Context, id, status string, velocity int, retrospective string) error
	ListSprints(ctx context.Context, missionID string) ([]*models.Sprint, error)
	NextSprintNumber(ctx context.Context, missionID string) (int, error)

	AppendMessage(ctx context.Context, m *models.Message) error
	LastMessages(ctx context.Context, sessionID string, n int) ([]*models.Message, error)

	GetProject(ctx context.Context, id string) (*models.Project, error)
	UpsertProjectMemory(ctx context.Context, e *models.MemoryEntry) error
	ListProjectMemory(ctx context.Context, projectID, category string, limit int) ([]*models.MemoryEntry, error)
}

// Deps wires the orchestrator. Gate, Sandbox, LLM, and Feedback are
// optional; the corresponding behaviors degrade to no-ops.
type Deps struct {
	DB        Store
	Engine    PatternRunner
	LLM       Summarizer
	Bus       *bus.Bus
	Gate      *evidence.Gate
	Sandbox   *sandbox.Executor
	Workflows *config.WorkflowRegistry
	Patterns  *config.PatternRegistry
	Agents    pattern.AgentSource
	Defaults  *config.Defaults
	Feedback  *Feedback
}

// Orchestrator runs one mission run at a time through its phases.
type Orchestrator struct {
	db        Store
	engine    PatternRunner
	llm       Summarizer
	bus       *bus.Bus
	gate      *evidence.Gate
	sandbox   *sandbox.Executor
	workflows *config.WorkflowRegistry
	patterns  *config.PatternRegistry
	agents    pattern.AgentSource
	defaults  *config.Defaults
	feedback  *Feedback

	// Timings live on the struct so tests can shrink them.
	phaseTimeout time.Duration
	retryDelay   time.Duration
	hitlWait     time.Duration
	hitlPoll     time.Duration
}

// New builds an orchestrator from its dependencies.
func New(deps Deps) *Orchestrator {
	defaults := deps.Defaults
	if defaults == nil {
		defaults = config.DefaultDefaults()
	}
	return &Orchestrator{
		db:           deps.DB,
		engine:       deps.Engine,
		llm:          deps.LLM,
		bus:          deps.Bus,
		gate:         deps.Gate,
		sandbox:      deps.Sandbox,
		workflows:    deps.Workflows,
		patterns:     deps.Patterns,
		agents:       deps.Agents,
		defaults:     defaults,
		feedback:     deps.Feedback,
		phaseTimeout: phaseTimeout,
		retryDelay:   llmRetryDelay,
		hitlWait:     hitlWaitTimeout,
		hitlPoll:     hitlPollInterval,
	}
}

// missionState carries one run's working set through the phase loop.
type missionState struct {
	mission   *models.Mission
	run       *models.MissionRun
	wf        *models.WorkflowDef
	project   *models.Project
	workspace string
	events    *bus.Dispatcher
	summaries []string // "name: summary" of completed phases, oldest first
}

// Execute drives a claimed run to a terminal status. It returns an
// error only when the run could not be processed at all or the context
// died; in the latter case the run is persisted as paused so the
// watchdog can resume it.
func (o *Orchestrator) Execute(ctx context.Context, run *models.MissionRun) error {
	log := slog.With("run_id", run.ID, "mission_id", run.MissionID)

	mission, err := o.db.GetMission(ctx, run.MissionID)
	if err != nil {
		return fmt.Errorf("failed to load mission: %w", err)
	}
	wf, err := o.workflows.Get(mission.WorkflowID)
	if err != nil {
		return fmt.Errorf("failed to load workflow: %w", err)
	}

	if len(run.Phases) == 0 {
		run.Phases = wf.NewPhaseStates()
	}
	if len(run.Phases) != len(wf.Phases) {
		return fmt.Errorf("run %s has %d phases but workflow %s has %d",
			run.ID, len(run.Phases), wf.ID, len(wf.Phases))
	}

	var project *models.Project
	if mission.ProjectID != "" {
		if project, err = o.db.GetProject(ctx, mission.ProjectID); err != nil {
			log.Warn("Project lookup failed, continuing without project context",
				"project_id", mission.ProjectID, "error", err)
			project = nil
		}
	}

	workspace, err := o.resolveWorkspace(ctx, mission, run, project)
	if err != nil {
		return err
	}

	if err := o.db.UpdateMissionStatus(ctx, mission.ID, models.MissionRunning); err != nil {
		return fmt.Errorf("failed to mark mission running: %w", err)
	}

	st := &missionState{
		mission:   mission,
		run:       run,
		wf:        wf,
		project:   project,
		workspace: workspace,
		events:    bus.NewDispatcher(o.bus, run.SessionID),
	}
	// Resumed runs keep the continuity of their settled phases.
	for i := range run.Phases {
		if run.Phases[i].Status.Settled() && run.Phases[i].Summary != "" {
			st.summaries = append(st.summaries, run.Phases[i].Name+": "+run.Phases[i].Summary)
		}
	}

	log.Info("Mission run starting",
		"workflow", wf.ID, "phases", len(run.Phases), "workspace", workspace)

	i := 0
	for i < len(run.Phases) {
		if ctx.Err() != nil {
			return o.pauseRun(ctx, st)
		}

		phase := &run.Phases[i]
		if phase.Status.Settled() {
			i++
			continue
		}
		wfPhase := wf.Phases[i]

		o.announcePhase(ctx, st, i)

		success, runErr := o.runPhase(ctx, st, i)
		if ctx.Err() != nil {
			return o.pauseRun(ctx, st)
		}

		isHITL := wfPhase.PatternID == string(models.PatternHumanInLoop)
		if isHITL && success {
			var rejected bool
			success, rejected = o.waitHumanValidation(ctx, st, i)
			if rejected {
				o.failMission(ctx, st, "validation humaine refusée")
				return nil
			}
		} else if success {
			phase.Status = models.PhaseDone
		} else {
			phase.Status = models.PhaseFailed
		}

		if success {
			summary := o.summarizePhase(ctx, st, i)
			phase.Summary = summary
			st.summaries = append(st.summaries, phase.Name+": "+summary)
			o.storePhaseMemory(ctx, st, phase.Name, summary)
		} else {
			phase.Summary = "Phase échouée — " + truncate(runErr, failureSummaryMax)
		}
		now := time.Now()
		phase.CompletedAt = &now
		o.savePhases(ctx, st, phase.PhaseID)

		if success {
			st.events.Emit(bus.PhaseCompleted(phase.PhaseID, string(phase.Status)))
		} else {
			st.events.Emit(bus.PhaseFailed(phase.PhaseID, runErr))
		}

		o.fireHooks(ctx, st, i, success, runErr)

		gate := wfPhase.Config.Gate
		if gate == "" {
			gate = models.GateAlways
		}
		isDev := isDevPhase(wfPhase.Name)
		isBlocking := gate == models.GateAllApproved || gate == models.GateNoVeto || isDev

		if !success && isBlocking && isHITL {
			o.failMission(ctx, st, runErr)
			return nil
		}
		if !success && !isBlocking {
			phase.Status = models.PhaseDoneWithIssues
			phase.Summary = "Terminé avec réserves — " + truncate(runErr, issueSummaryMax)
			o.savePhases(ctx, st, phase.PhaseID)
			log.Info("Phase downgraded to done-with-issues", "phase", phase.PhaseID)
			i++
			continue
		}

		if !success && run.ReloopCount < maxReloops && isReloopable(phase.PhaseID) {
			if devIdx := firstDevPhaseIndex(wf); devIdx >= 0 && devIdx <= i {
				run.ReloopCount++
				if err := o.db.SetRunReloops(ctx, run.ID, run.ReloopCount); err != nil {
					log.Warn("Failed to persist reloop count", "error", err)
				}
				resetPhasesFrom(run, devIdx)
				o.appendContext(ctx, st, fmt.Sprintf("[RELOOP depuis %s]: %s",
					phase.Name, truncate(runErr, rejectErrMax)))
				o.savePhases(ctx, st, run.Phases[devIdx].PhaseID)
				st.events.Emit(bus.Reloop(phase.PhaseID, run.Phases[devIdx].PhaseID, run.ReloopCount))
				log.Info("Relooping to first dev phase",
					"from", phase.PhaseID, "to", run.Phases[devIdx].PhaseID, "reloop", run.ReloopCount)
				i = devIdx
				continue
			}
		}

		i++
	}

	o.finishMission(ctx, st)
	return nil
}

// pauseRun persists the interrupted run so the watchdog can resume it.
// Persistence runs on a detached context because ours is already dead.
func (o *Orchestrator) pauseRun(ctx context.Context, st *missionState) error {
	cause := ctx.Err()
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.db.UpdateRunStatus(bg, st.run.ID, models.MissionPaused, cause.Error()); err != nil {
		slog.Error("Failed to pause run", "run_id", st.run.ID, "error", err)
	}
	if err := o.db.UpdateMissionStatus(bg, st.mission.ID, models.MissionPaused); err != nil {
		slog.Error("Failed to pause mission", "mission_id", st.mission.ID, "error", err)
	}
	slog.Info("Mission run paused", "run_id", st.run.ID, "cause", cause)
	return cause
}

// announcePhase flips the phase to RUNNING and tells both the
// transcript and the event stream.
func (o *Orchestrator) announcePhase(ctx context.Context, st *missionState, idx int) {
	phase := &st.run.Phases[idx]
	now := time.Now()
	phase.Status = models.PhaseRunning
	phase.StartedAt = &now
	o.savePhases(ctx, st, phase.PhaseID)

	st.events.SetPhase(phase.PhaseID)
	o.systemMessage(ctx, st, fmt.Sprintf("Phase démarrée : %s (%d/%d)",
		phase.Name, idx+1, len(st.run.Phases)))
	st.events.Emit(bus.PhaseStarted(phase.PhaseID, phase.Name))
	slog.Info("Phase started", "run_id", st.run.ID, "phase", phase.PhaseID, "name", phase.Name)
}

// waitHumanValidation parks the run in WAITING_VALIDATION and polls for
// an out-of-band decision. No decision within the window means DONE.
// The second return is true when a human rejected the phase.
func (o *Orchestrator) waitHumanValidation(ctx context.Context, st *missionState, idx int) (bool, bool) {
	phase := &st.run.Phases[idx]
	phase.Status = models.PhaseWaitingValidation
	o.savePhases(ctx, st, phase.PhaseID)
	if err := o.db.SetRunHumanInput(ctx, st.run.ID, true); err != nil {
		slog.Warn("Failed to flag human input", "run_id", st.run.ID, "error", err)
	}
	o.setRunAndMissionStatus(ctx, st, models.MissionWaitingValidation)
	slog.Info("Waiting for human validation",
		"run_id", st.run.ID, "phase", phase.PhaseID, "timeout", o.hitlWait)

	decided := models.PhaseStatus("")
	deadline := time.Now().Add(o.hitlWait)
poll:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break poll
		case <-time.After(o.hitlPoll):
		}
		fresh, err := o.db.GetRun(ctx, st.run.ID)
		if err != nil || len(fresh.Phases) <= idx {
			continue
		}
		if s := fresh.Phases[idx].Status; s != models.PhaseWaitingValidation {
			decided = s
			break
		}
	}

	if err := o.db.SetRunHumanInput(ctx, st.run.ID, false); err != nil {
		slog.Warn("Failed to clear human input", "run_id", st.run.ID, "error", err)
	}

	switch decided {
	case models.PhaseFailed:
		phase.Status = models.PhaseFailed
		return false, true
	case "":
		// Timeout: validation defaults to approved.
		phase.Status = models.PhaseDone
		slog.Info("Human validation timed out, defaulting to done",
			"run_id", st.run.ID, "phase", phase.PhaseID)
	default:
		phase.Status = decided
	}
	o.setRunAndMissionStatus(ctx, st, models.MissionRunning)
	return true, false
}

func (o *Orchestrator) setRunAndMissionStatus(ctx context.Context, st *missionState, status models.MissionStatus) {
	if err := o.db.UpdateRunStatus(ctx, st.run.ID, status, ""); err != nil {
		slog.Warn("Failed to update run status", "run_id", st.run.ID, "status", status, "error", err)
	}
	if err := o.db.UpdateMissionStatus(ctx, st.mission.ID, status); err != nil {
		slog.Warn("Failed to update mission status", "mission_id", st.mission.ID, "status", status, "error", err)
	}
}

// fireHooks triggers the feedback hooks tied to specific phase ids.
func (o *Orchestrator) fireHooks(ctx context.Context, st *missionState, idx int, success bool, runErr string) {
	if o.feedback == nil {
		return
	}
	id := st.run.Phases[idx].PhaseID
	if id == "deploy" || id == "deploy-prod" {
		if success {
			o.feedback.OnDeployCompleted(ctx, st.mission)
		} else {
			o.feedback.OnDeployFailed(ctx, st.mission, runErr)
		}
	}
	if (id == "fix" || id == "tma-fix" || id == "validate") &&
		(st.mission.Type == "bug" || st.mission.Type == "program") {
		o.feedback.OnTMAIncidentFixed(ctx, incidentKey(st.mission))
	}
}

// failMission marks the whole mission failed and stops processing.
func (o *Orchestrator) failMission(ctx context.Context, st *missionState, reason string) {
	if err := o.db.FinishRun(ctx, st.run.ID, models.MissionFailed, reason); err != nil {
		slog.Error("Failed to finish run", "run_id", st.run.ID, "error", err)
	}
	if err := o.db.UpdateMissionStatus(ctx, st.mission.ID, models.MissionFailed); err != nil {
		slog.Error("Failed to fail mission", "mission_id", st.mission.ID, "error", err)
	}
	o.systemMessage(ctx, st, "Mission échouée : "+truncate(reason, failureSummaryMax))
	st.events.Emit(bus.MissionFailed(st.mission.ID, reason))
	st.events.Emit(bus.KanbanRefresh(st.mission.ProjectID))
	slog.Warn("Mission failed", "mission_id", st.mission.ID, "reason", reason)
}

// finishMission computes the final status from phase counts. A mission
// with at least one DONE phase completes even when later phases failed.
func (o *Orchestrator) finishMission(ctx context.Context, st *missionState) {
	counts := st.run.CountPhases()
	status := models.MissionFailed
	switch {
	case counts.Failed == 0 && counts.WithIssues == 0:
		status = models.MissionCompleted
	case counts.Done > 0:
		status = models.MissionCompleted
	}

	o.systemMessage(ctx, st, fmt.Sprintf(
		"Mission terminée : %d phases réussies, %d avec réserves, %d échouées.",
		counts.Done, counts.WithIssues, counts.Failed))
	o.missionRetrospective(ctx, st)

	if err := o.db.FinishRun(ctx, st.run.ID, status, st.run.Error); err != nil {
		slog.Error("Failed to finish run", "run_id", st.run.ID, "error", err)
	}
	if err := o.db.UpdateMissionStatus(ctx, st.mission.ID, status); err != nil {
		slog.Error("Failed to update final mission status", "mission_id", st.mission.ID, "error", err)
	}
	if status == models.MissionFailed {
		st.events.Emit(bus.MissionFailed(st.mission.ID, "toutes les phases ont échoué"))
	}
	st.events.Emit(bus.KanbanRefresh(st.mission.ProjectID))
	slog.Info("Mission run finished",
		"run_id", st.run.ID, "status", status,
		"done", counts.Done, "with_issues", counts.WithIssues, "failed", counts.Failed)
}

// resolveWorkspace picks the directory agents work in: the run's, the
// mission's, the project's, or a fresh one under the workspace root.
func (o *Orchestrator) resolveWorkspace(ctx context.Context, mission *models.Mission, run *models.MissionRun, project *models.Project) (string, error) {
	ws := run.WorkspacePath
	if ws == "" {
		ws = mission.WorkspacePath
	}
	if ws == "" && project != nil {
		ws = project.Path
	}
	if ws == "" {
		ws = filepath.Join(o.defaults.WorkspaceRoot, "mission-"+mission.ID)
		if err := o.db.SetMissionWorkspace(ctx, mission.ID, ws); err != nil {
			slog.Warn("Failed to record mission workspace", "mission_id", mission.ID, "error", err)
		}
	}
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace %s: %w", ws, err)
	}
	return ws, nil
}

func (o *Orchestrator) savePhases(ctx context.Context, st *missionState, currentPhase string) {
	if err := o.db.SaveRunPhases(ctx, st.run.ID, st.run.Phases, currentPhase); err != nil {
		slog.Error("Failed to save run phases", "run_id", st.run.ID, "error", err)
	}
}

// appendContext adds a feedback chunk to the run's carried context,
// keeping only the freshest tail when it outgrows the cap.
func (o *Orchestrator) appendContext(ctx context.Context, st *missionState, chunk string) {
	if st.run.PrevContext != "" {
		st.run.PrevContext += "\n\n"
	}
	st.run.PrevContext += chunk
	if len(st.run.PrevContext) > prevContextMax {
		st.run.PrevContext = st.run.PrevContext[len(st.run.PrevContext)-prevContextMax:]
	}
	if err := o.db.SetRunContext(ctx, st.run.ID, st.run.PrevContext); err != nil {
		slog.Warn("Failed to persist run context", "run_id", st.run.ID, "error", err)
	}
}

func (o *Orchestrator) systemMessage(ctx context.Context, st *missionState, content string) {
	msg := &models.Message{
		SessionID: st.run.SessionID,
		FromAgent: models.SenderSystem,
		ToAgent:   models.RecipientAll,
		Type:      models.MessageSystem,
		Content:   content,
	}
	if err := o.db.AppendMessage(ctx, msg); err != nil {
		slog.Warn("Failed to append system message", "session_id", st.run.SessionID, "error", err)
	}
	st.events.Emit(bus.Message(models.SenderSystem, "system", content))
}

func (o *Orchestrator) storePhaseMemory(ctx context.Context, st *missionState, phaseName, summary string) {
	if st.mission.ProjectID == "" || summary == "" {
		return
	}
	entry := &models.MemoryEntry{
		ProjectID: st.mission.ProjectID,
		Key:       "Phase: " + phaseName,
		Value:     summary,
		Category:  models.MemoryPhaseSummary,
		Source:    models.SenderSystem,
	}
	if err := o.db.UpsertProjectMemory(ctx, entry); err != nil {
		slog.Warn("Failed to store phase summary memory", "error", err)
		return
	}
	st.events.Emit(bus.MemoryStored(entry.Key, entry.Category))
}

func isDevPhase(name string) bool {
	n := strings.ToLower(name)
	for _, m := range devPhaseMarkers {
		if strings.Contains(n, m) {
			return true
		}
	}
	return false
}

func isReloopable(phaseID string) bool {
	id := strings.ToLower(phaseID)
	for _, m := range reloopableMarkers {
		if strings.Contains(id, m) {
			return true
		}
	}
	return false
}

// firstDevPhaseIndex returns the index of the first execution phase,
// or -1.
func firstDevPhaseIndex(wf *models.WorkflowDef) int {
	for i, p := range wf.Phases {
		if isDevPhase(p.Name) {
			return i
		}
	}
	return -1
}

// resetPhasesFrom reopens every phase from idx so a reloop re-executes
// them.
func resetPhasesFrom(run *models.MissionRun, idx int) {
	for j := idx; j < len(run.Phases); j++ {
		run.Phases[j].Status = models.PhasePending
		run.Phases[j].Summary = ""
		run.Phases[j].StartedAt = nil
		run.Phases[j].CompletedAt = nil
	}
}

func incidentKey(m *models.Mission) string {
	if m.Config != nil {
		if k, ok := m.Config["incident_key"].(string); ok && k != "" {
			return k
		}
	}
	return "mission:" + m.ID
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
