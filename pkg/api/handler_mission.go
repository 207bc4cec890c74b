package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macaron-dev/macaron/pkg/models"
)

const (
	// settleTimeout bounds how long cancel/retry wait for the
	// orchestrator to park an interrupted run before writing the
	// terminal state anyway.
	settleTimeout      = 20 * time.Second
	settlePollInterval = 500 * time.Millisecond

	defaultListLimit = 50
	maxListLimit     = 200
)

var knownStatuses = map[models.MissionStatus]bool{
	models.MissionPending:           true,
	models.MissionPlanning:          true,
	models.MissionRunning:           true,
	models.MissionPaused:            true,
	models.MissionWaitingValidation: true,
	models.MissionCompleted:         true,
	models.MissionFailed:            true,
	models.MissionAbandoned:         true,
}

// createMission handles POST /api/missions: it persists the mission and
// enqueues its first run for the worker pool.
func (s *Server) createMission(c *gin.Context) {
	var req CreateMissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}
	if !s.cfg.WorkflowRegistry.Has(req.WorkflowID) {
		respondError(c, http.StatusBadRequest, "unknown workflow: "+req.WorkflowID)
		return
	}
	if req.ProjectID != "" {
		if _, err := s.db.GetProject(c.Request.Context(), req.ProjectID); err != nil {
			respondStoreError(c, err)
			return
		}
	}
	if req.Type == "" {
		req.Type = "feature"
	}
	if req.Category == "" {
		req.Category = "product"
	}

	ctx := c.Request.Context()
	mission := &models.Mission{
		ProjectID:     req.ProjectID,
		Name:          req.Name,
		Brief:         req.Brief,
		Type:          req.Type,
		Category:      req.Category,
		Status:        models.MissionPending,
		WorkflowID:    req.WorkflowID,
		WorkspacePath: req.Workspace,
		Config:        req.Config,
		Author:        extractAuthor(c),
	}
	if err := s.db.CreateMission(ctx, mission); err != nil {
		respondStoreError(c, err)
		return
	}
	session := &models.Session{
		MissionID: mission.ID,
		ProjectID: req.ProjectID,
		Title:     req.Name,
		Status:    models.SessionActive,
	}
	if err := s.db.CreateSession(ctx, session); err != nil {
		respondStoreError(c, err)
		return
	}
	run := &models.MissionRun{
		MissionID: mission.ID,
		SessionID: session.ID,
		Status:    models.MissionPending,
	}
	if err := s.db.CreateRun(ctx, run); err != nil {
		respondStoreError(c, err)
		return
	}

	slog.Info("Mission created",
		"mission_id", mission.ID, "workflow", mission.WorkflowID, "author", mission.Author)
	c.JSON(http.StatusCreated, MissionResponse{
		MissionID: mission.ID,
		RunID:     run.ID,
		SessionID: session.ID,
		Status:    string(models.MissionPending),
	})
}

// listMissions handles GET /api/missions?status=&limit=.
func (s *Server) listMissions(c *gin.Context) {
	status := models.MissionStatus(c.Query("status"))
	if status != "" && !knownStatuses[status] {
		respondError(c, http.StatusBadRequest, "invalid status: "+string(status))
		return
	}
	limit := defaultListLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxListLimit {
			respondError(c, http.StatusBadRequest,
				fmt.Sprintf("invalid limit: must be 1..%d", maxListLimit))
			return
		}
		limit = n
	}

	missions, err := s.db.ListMissions(c.Request.Context(), status, limit)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if missions == nil {
		missions = []*models.Mission{}
	}
	c.JSON(http.StatusOK, missions)
}

// getMission handles GET /api/missions/:id with runs and sprints inlined.
func (s *Server) getMission(c *gin.Context) {
	ctx := c.Request.Context()
	mission, err := s.db.GetMission(ctx, c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	runs, err := s.db.ListRunsForMission(ctx, mission.ID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	sprints, err := s.db.ListSprints(ctx, mission.ID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, MissionDetail{Mission: mission, Runs: runs, Sprints: sprints})
}

// latestOpenRun returns the newest non-terminal run of the mission, or
// nil when every run has finished.
func (s *Server) latestOpenRun(ctx context.Context, missionID string) (*models.MissionRun, error) {
	runs, err := s.db.ListRunsForMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		if !r.Status.Terminal() {
			return r, nil
		}
	}
	return nil, nil
}

// pauseMission handles POST /api/missions/:id/pause. A run executing on
// this pod is interrupted and parks itself; a still-pending run is
// paused directly.
func (s *Server) pauseMission(c *gin.Context) {
	ctx := c.Request.Context()
	mission, err := s.db.GetMission(ctx, c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	run, err := s.latestOpenRun(ctx, mission.ID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if run == nil {
		respondError(c, http.StatusConflict, "mission has no active run")
		return
	}

	switch {
	case run.Status == models.MissionPaused:
		c.JSON(http.StatusOK, LifecycleResponse{
			MissionID: mission.ID, RunID: run.ID, Status: string(models.MissionPaused)})
	case s.pool.CancelRun(run.ID):
		slog.Info("Pause requested", "mission_id", mission.ID, "run_id", run.ID)
		c.JSON(http.StatusAccepted, LifecycleResponse{
			MissionID: mission.ID, RunID: run.ID,
			Status: "pausing", Message: "run interrupted, pausing"})
	case run.Status == models.MissionPending:
		if err := s.db.UpdateRunStatus(ctx, run.ID, models.MissionPaused, "paused by operator"); err != nil {
			respondStoreError(c, err)
			return
		}
		if err := s.db.UpdateMissionStatus(ctx, mission.ID, models.MissionPaused); err != nil {
			respondStoreError(c, err)
			return
		}
		if run.SessionID != "" {
			if err := s.db.UpdateSessionStatus(ctx, run.SessionID, models.SessionPaused); err != nil {
				slog.Warn("Failed to pause session", "session_id", run.SessionID, "error", err)
			}
		}
		c.JSON(http.StatusOK, LifecycleResponse{
			MissionID: mission.ID, RunID: run.ID, Status: string(models.MissionPaused)})
	default:
		// Running on another pod, or waiting on a human.
		respondError(c, http.StatusConflict,
			"run is not pausable from here (status "+string(run.Status)+")")
	}
}

// resumeMission handles POST /api/missions/:id/resume: requeue a paused
// run so the worker pool picks it up again.
func (s *Server) resumeMission(c *gin.Context) {
	ctx := c.Request.Context()
	mission, err := s.db.GetMission(ctx, c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	run, err := s.latestOpenRun(ctx, mission.ID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if run == nil {
		respondError(c, http.StatusConflict, "mission has no active run")
		return
	}
	if run.Status != models.MissionPaused {
		respondError(c, http.StatusConflict,
			"run is not paused (status "+string(run.Status)+")")
		return
	}

	if err := s.db.ResumeRun(ctx, run.ID); err != nil {
		respondStoreError(c, err)
		return
	}
	if run.SessionID != "" {
		if err := s.db.UpdateSessionStatus(ctx, run.SessionID, models.SessionActive); err != nil {
			if revertErr := s.db.RevertRunResume(ctx, run.ID, run.Status); revertErr != nil {
				slog.Error("Failed to revert resume", "run_id", run.ID, "error", revertErr)
			}
			respondStoreError(c, err)
			return
		}
	}
	slog.Info("Run requeued by operator", "mission_id", mission.ID, "run_id", run.ID)
	c.JSON(http.StatusAccepted, LifecycleResponse{
		MissionID: mission.ID, RunID: run.ID, Status: string(models.MissionPending)})
}

// cancelMission handles POST /api/missions/:id/cancel. The mission ends
// abandoned; an actively executing run is interrupted first and the
// terminal write happens once it parks.
func (s *Server) cancelMission(c *gin.Context) {
	ctx := c.Request.Context()
	mission, err := s.db.GetMission(ctx, c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	run, err := s.latestOpenRun(ctx, mission.ID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if run == nil {
		respondError(c, http.StatusConflict, "mission has no active run")
		return
	}

	if s.pool.CancelRun(run.ID) {
		go s.finishAbandoned(run.ID, mission.ID, run.SessionID)
		c.JSON(http.StatusAccepted, LifecycleResponse{
			MissionID: mission.ID, RunID: run.ID,
			Status: "cancelling", Message: "run interrupted, finalizing"})
		return
	}

	if err := s.db.FinishRun(ctx, run.ID, models.MissionAbandoned, "cancelled by operator"); err != nil {
		respondStoreError(c, err)
		return
	}
	if err := s.db.UpdateMissionStatus(ctx, mission.ID, models.MissionAbandoned); err != nil {
		respondStoreError(c, err)
		return
	}
	if run.SessionID != "" {
		if err := s.db.UpdateSessionStatus(ctx, run.SessionID, models.SessionInterrupted); err != nil {
			slog.Warn("Failed to interrupt session", "session_id", run.SessionID, "error", err)
		}
	}
	// The pool may have claimed the run between our read and the write.
	s.pool.CancelRun(run.ID)
	slog.Info("Mission cancelled", "mission_id", mission.ID, "run_id", run.ID)
	c.JSON(http.StatusOK, LifecycleResponse{
		MissionID: mission.ID, RunID: run.ID, Status: string(models.MissionAbandoned)})
}

// retryMission handles POST /api/missions/:id/retry. A stalled or paused
// run is requeued; a finished mission gets a fresh run. The watchdog uses
// this endpoint when it detects a stall.
func (s *Server) retryMission(c *gin.Context) {
	ctx := c.Request.Context()
	mission, err := s.db.GetMission(ctx, c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	run, err := s.latestOpenRun(ctx, mission.ID)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	if run == nil {
		// Every run finished: start a new attempt with its own session.
		session := &models.Session{
			MissionID: mission.ID,
			ProjectID: mission.ProjectID,
			Title:     mission.Name,
			Status:    models.SessionActive,
		}
		if err := s.db.CreateSession(ctx, session); err != nil {
			respondStoreError(c, err)
			return
		}
		fresh := &models.MissionRun{
			MissionID: mission.ID,
			SessionID: session.ID,
			Status:    models.MissionPending,
		}
		if err := s.db.CreateRun(ctx, fresh); err != nil {
			respondStoreError(c, err)
			return
		}
		if err := s.db.UpdateMissionStatus(ctx, mission.ID, models.MissionPending); err != nil {
			respondStoreError(c, err)
			return
		}
		slog.Info("Mission retried with new run", "mission_id", mission.ID, "run_id", fresh.ID)
		c.JSON(http.StatusAccepted, LifecycleResponse{
			MissionID: mission.ID, RunID: fresh.ID, Status: string(models.MissionPending)})
		return
	}

	switch {
	case run.Status == models.MissionPending:
		c.JSON(http.StatusOK, LifecycleResponse{
			MissionID: mission.ID, RunID: run.ID,
			Status: string(models.MissionPending), Message: "run already queued"})
	case run.Status == models.MissionWaitingValidation:
		respondError(c, http.StatusConflict, "run is waiting for validation")
	case s.pool.CancelRun(run.ID):
		go s.requeueInterrupted(run.ID, run.SessionID)
		slog.Info("Stalled run interrupted for retry", "mission_id", mission.ID, "run_id", run.ID)
		c.JSON(http.StatusAccepted, LifecycleResponse{
			MissionID: mission.ID, RunID: run.ID,
			Status: "requeueing", Message: "run interrupted, requeueing"})
	default:
		// Paused, or marked running with no local executor (stalled).
		if err := s.db.ResumeRun(ctx, run.ID); err != nil {
			respondStoreError(c, err)
			return
		}
		if run.SessionID != "" {
			if err := s.db.UpdateSessionStatus(ctx, run.SessionID, models.SessionActive); err != nil {
				slog.Warn("Failed to activate session", "session_id", run.SessionID, "error", err)
			}
		}
		slog.Info("Run requeued for retry", "mission_id", mission.ID, "run_id", run.ID)
		c.JSON(http.StatusAccepted, LifecycleResponse{
			MissionID: mission.ID, RunID: run.ID, Status: string(models.MissionPending)})
	}
}

// validateMission handles POST /api/missions/:id/validate: the human
// decision for a run parked in WAITING_VALIDATION. The orchestrator polls
// the phase status and picks the decision up within its poll interval.
func (s *Server) validateMission(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx := c.Request.Context()
	mission, err := s.db.GetMission(ctx, c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	run, err := s.latestOpenRun(ctx, mission.ID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	if run == nil {
		respondError(c, http.StatusConflict, "mission has no active run")
		return
	}

	idx := -1
	for i := range run.Phases {
		if run.Phases[i].Status == models.PhaseWaitingValidation {
			idx = i
			break
		}
	}
	if idx == -1 {
		respondError(c, http.StatusConflict, "no phase awaiting validation")
		return
	}

	decision := models.PhaseFailed
	if *req.Approved {
		decision = models.PhaseDone
	}
	run.Phases[idx].Status = decision
	if err := s.db.SaveRunPhases(ctx, run.ID, run.Phases, run.Phases[idx].PhaseID); err != nil {
		respondStoreError(c, err)
		return
	}

	author := extractAuthor(c)
	content := fmt.Sprintf("Validation humaine : approuvée (%s)", author)
	msgType := models.MessageApprove
	if !*req.Approved {
		content = fmt.Sprintf("Validation humaine : rejetée (%s)", author)
		msgType = models.MessageVeto
	}
	if req.Comment != "" {
		content += " — " + req.Comment
	}
	if run.SessionID != "" {
		msg := &models.Message{
			SessionID: run.SessionID,
			FromAgent: models.SenderUser,
			ToAgent:   models.RecipientAll,
			Type:      msgType,
			Content:   content,
			Metadata:  map[string]any{"author": author, "phase_id": run.Phases[idx].PhaseID},
		}
		if err := s.db.AppendMessage(ctx, msg); err != nil {
			slog.Warn("Failed to record validation message", "run_id", run.ID, "error", err)
		}
	}

	slog.Info("Human validation recorded",
		"mission_id", mission.ID, "run_id", run.ID,
		"phase", run.Phases[idx].PhaseID, "approved", *req.Approved, "author", author)
	c.JSON(http.StatusOK, gin.H{
		"mission_id": mission.ID,
		"run_id":     run.ID,
		"phase_id":   run.Phases[idx].PhaseID,
		"decision":   string(decision),
	})
}

// waitRunParked polls until the interrupted run leaves the running state.
// Returns false when the settle window expired first.
func (s *Server) waitRunParked(ctx context.Context, runID string) bool {
	for {
		run, err := s.db.GetRun(ctx, runID)
		if err == nil && run.Status != models.MissionRunning {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(settlePollInterval):
		}
	}
}

// finishAbandoned waits for an interrupted run to park, then writes the
// abandoned terminal state. Runs on its own goroutine.
func (s *Server) finishAbandoned(runID, missionID, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if !s.waitRunParked(ctx, runID) {
		slog.Warn("Cancelled run did not park in time, abandoning anyway", "run_id", runID)
	}

	bg, cancelBG := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelBG()
	if err := s.db.FinishRun(bg, runID, models.MissionAbandoned, "cancelled by operator"); err != nil {
		slog.Error("Failed to abandon cancelled run", "run_id", runID, "error", err)
		return
	}
	if err := s.db.UpdateMissionStatus(bg, missionID, models.MissionAbandoned); err != nil {
		slog.Error("Failed to abandon cancelled mission", "mission_id", missionID, "error", err)
	}
	if sessionID != "" {
		if err := s.db.UpdateSessionStatus(bg, sessionID, models.SessionInterrupted); err != nil {
			slog.Warn("Failed to interrupt session", "session_id", sessionID, "error", err)
		}
	}
	slog.Info("Cancelled mission finalized", "mission_id", missionID, "run_id", runID)
}

// requeueInterrupted waits for an interrupted run to park, then puts it
// back on the queue. Runs on its own goroutine.
func (s *Server) requeueInterrupted(runID, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if !s.waitRunParked(ctx, runID) {
		slog.Warn("Retried run did not park in time", "run_id", runID)
		return
	}

	bg, cancelBG := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelBG()
	if err := s.db.ResumeRun(bg, runID); err != nil {
		slog.Error("Failed to requeue retried run", "run_id", runID, "error", err)
		return
	}
	if sessionID != "" {
		if err := s.db.UpdateSessionStatus(bg, sessionID, models.SessionActive); err != nil {
			slog.Warn("Failed to activate session", "session_id", sessionID, "error", err)
		}
	}
	slog.Info("Retried run requeued", "run_id", runID)
}
