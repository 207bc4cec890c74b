package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/macaron-dev/macaron/pkg/bus"
	"github.com/macaron-dev/macaron/pkg/evidence"
	"github.com/macaron-dev/macaron/pkg/llm"
	"github.com/macaron-dev/macaron/pkg/models"
	"github.com/macaron-dev/macaron/pkg/pattern"
	"github.com/macaron-dev/macaron/pkg/sandbox"
)

// runPhase executes one workflow phase. Dev phases iterate as sprints
// up to the configured max, feeding rejection context into the next
// attempt; other phases get a single shot. It returns whether the
// phase ultimately succeeded plus the last error text.
func (o *Orchestrator) runPhase(ctx context.Context, st *missionState, idx int) (bool, string) {
	wfPhase := st.wf.Phases[idx]
	phase := &st.run.Phases[idx]
	isDev := isDevPhase(wfPhase.Name)

	maxSprints := 1
	if isDev && wfPhase.Config.MaxIterations > 1 {
		maxSprints = wfPhase.Config.MaxIterations
	}

	pat, err := o.buildPattern(ctx, st, idx)
	if err != nil {
		return false, err.Error()
	}
	phase.AgentCount = len(pat.Agents)

	lastErr := ""
	for sprintNum := 1; sprintNum <= maxSprints; sprintNum++ {
		if ctx.Err() != nil {
			return false, ctx.Err().Error()
		}

		var sprint *models.Sprint
		if isDev {
			sprint = o.openSprint(ctx, st, wfPhase.Name)
		}

		task := o.buildPhaseTask(ctx, st, idx, sprintNum, maxSprints)
		result := o.runPattern(ctx, st, pat, wfPhase.PhaseID, task)
		success := result.Success
		if !success {
			lastErr = result.Error
			if lastErr == "" {
				lastErr = "pattern finished without success"
			}
		}

		if sprint != nil {
			o.closeSprint(ctx, st, sprint, success)
		}

		if !success {
			if sprintNum < maxSprints {
				o.appendContext(ctx, st, fmt.Sprintf("[REJET itération %d]: %s",
					sprintNum, truncate(lastErr, rejectErrMax)))
				slog.Info("Sprint rejected, iterating",
					"run_id", st.run.ID, "phase", wfPhase.PhaseID,
					"sprint", sprintNum, "max", maxSprints)
				continue
			}
			return false, lastErr
		}

		if isDev && st.workspace != "" {
			passed, report := o.checkEvidence(ctx, st, wfPhase)
			if !passed {
				if sprintNum < maxSprints {
					o.appendContext(ctx, st, report)
					slog.Info("Evidence gate failed, iterating",
						"run_id", st.run.ID, "phase", wfPhase.PhaseID, "sprint", sprintNum)
					continue
				}
				return false, fmt.Sprintf("evidence criteria unmet after %d sprint(s)", maxSprints)
			}
		}
		return true, ""
	}
	return false, lastErr
}

// runPattern executes the pattern with retries on transient LLM
// failures. Two attempts total; a 30s pause between them.
func (o *Orchestrator) runPattern(ctx context.Context, st *missionState, pat *models.PatternDef, phaseID, task string) *models.PatternRun {
	req := pattern.Request{
		Pattern:     pat,
		SessionID:   st.run.SessionID,
		ProjectID:   st.mission.ProjectID,
		ProjectPath: st.workspace,
		PhaseID:     phaseID,
		Task:        task,
		Vision:      st.mission.Brief,
		Context:     st.run.PrevContext,
		Events:      st.events,
	}

	var result *models.PatternRun
	for attempt := 1; attempt <= maxLLMRetries; attempt++ {
		runCtx, cancel := context.WithTimeout(ctx, o.phaseTimeout)
		result = o.engine.Run(runCtx, req)
		cancel()

		if result.Success || ctx.Err() != nil {
			return result
		}
		if !llm.IsTransient(errors.New(result.Error)) || attempt == maxLLMRetries {
			return result
		}
		slog.Warn("Transient pattern failure, retrying",
			"run_id", st.run.ID, "phase", phaseID, "attempt", attempt, "error", result.Error)
		select {
		case <-ctx.Done():
			return result
		case <-time.After(o.retryDelay):
		}
	}
	return result
}

// checkEvidence resolves criteria for the workflow and runs the gate
// against the workspace. Returns pass plus the printable report.
func (o *Orchestrator) checkEvidence(ctx context.Context, st *missionState, wfPhase models.WorkflowPhase) (bool, string) {
	if o.gate == nil {
		return true, ""
	}
	criteria := evidence.ResolveCriteria(st.wf.ID+" "+st.wf.Name, wfPhase.Config.AcceptanceCriteria)
	report := o.gate.Run(ctx, st.workspace, criteria)
	st.events.Emit(bus.EvidenceGate(wfPhase.PhaseID, report.AllPassed, evidence.Failures(report)))
	if !report.AllPassed {
		o.systemMessage(ctx, st, report.Text)
	}
	return report.AllPassed, report.Text
}

// openSprint records a new sprint row for a dev phase iteration.
func (o *Orchestrator) openSprint(ctx context.Context, st *missionState, phaseName string) *models.Sprint {
	num, err := o.db.NextSprintNumber(ctx, st.mission.ID)
	if err != nil {
		slog.Warn("Failed to number sprint", "mission_id", st.mission.ID, "error", err)
		return nil
	}
	sp := &models.Sprint{
		ID:        uuid.NewString(),
		MissionID: st.mission.ID,
		RunID:     st.run.ID,
		Number:    num,
		Goal:      truncate(st.mission.Brief, 200),
		Status:    "running",
		StartedAt: time.Now(),
	}
	if err := o.db.CreateSprint(ctx, sp); err != nil {
		slog.Warn("Failed to create sprint", "mission_id", st.mission.ID, "error", err)
		return nil
	}
	slog.Info("Sprint started", "mission_id", st.mission.ID, "sprint", num, "phase", phaseName)
	return sp
}

// closeSprint computes velocity and retrospective, then finalizes the
// sprint row.
func (o *Orchestrator) closeSprint(ctx context.Context, st *missionState, sp *models.Sprint, success bool) {
	status := "completed"
	if !success {
		status = "failed"
	}
	velocity := o.sprintVelocity(ctx, st.workspace)
	retro := o.sprintRetrospective(ctx, st, sp.Number, success)
	if err := o.db.CompleteSprint(ctx, sp.ID, status, velocity, retro); err != nil {
		slog.Warn("Failed to complete sprint", "sprint_id", sp.ID, "error", err)
	}
	slog.Info("Sprint closed",
		"mission_id", st.mission.ID, "sprint", sp.Number, "status", status, "velocity", velocity)
}

// sprintVelocity counts files touched in the last commit, a cheap
// proxy for throughput. Zero when the workspace has no git history.
func (o *Orchestrator) sprintVelocity(ctx context.Context, workspace string) int {
	if o.sandbox == nil || workspace == "" {
		return 0
	}
	if _, err := os.Stat(filepath.Join(workspace, ".git")); err != nil {
		return 0
	}
	res := o.sandbox.Run(ctx, "git diff --name-only HEAD~1", sandbox.RunOptions{
		Dir:     workspace,
		Timeout: 30 * time.Second,
	})
	if res.RC != 0 {
		return 0
	}
	count := 0
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count
}
