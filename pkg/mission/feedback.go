package mission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/macaron-dev/macaron/pkg/models"
	"github.com/macaron-dev/macaron/pkg/store"
)

const (
	// incidentSettingKey is the settings row holding per-key incident
	// counters.
	incidentSettingKey = "tma.incident_counts"
	// incidentThreshold is how many incidents on the same key trigger a
	// root-cause mission.
	incidentThreshold = 3
	// securityMinSeverity is the lowest alert severity that spawns a
	// fix mission.
	securityMinSeverity = 3 // high
)

// FeedbackStore is the persistence surface the feedback hooks use.
type FeedbackStore interface {
	SetProjectMonitoring(ctx context.Context, id string, enabled bool) error
	GetSetting(ctx context.Context, key string) (json.RawMessage, error)
	UpsertSetting(ctx context.Context, key string, value any) error
	CreateMission(ctx context.Context, m *models.Mission) error
	CreateRun(ctx context.Context, r *models.MissionRun) error
	CreateSession(ctx context.Context, sess *models.Session) error
	ListMissions(ctx context.Context, status models.MissionStatus, limit int) ([]*models.Mission, error)
}

// Feedback closes the loop between mission outcomes and new work: a
// completed deploy turns on TMA monitoring, repeated incidents spawn a
// root-cause mission, high security alerts spawn a fix mission. New
// missions are created pending; the worker pool picks them up.
type Feedback struct {
	db           FeedbackStore
	bugWorkflow  string
	debtWorkflow string
}

// NewFeedback wires the feedback hooks. bugWorkflow and debtWorkflow
// are the workflow ids used for spawned missions.
func NewFeedback(db FeedbackStore, bugWorkflow, debtWorkflow string) *Feedback {
	return &Feedback{db: db, bugWorkflow: bugWorkflow, debtWorkflow: debtWorkflow}
}

// OnDeployCompleted turns on maintenance monitoring for the project a
// mission just deployed.
func (f *Feedback) OnDeployCompleted(ctx context.Context, m *models.Mission) {
	if m.ProjectID == "" {
		return
	}
	if err := f.db.SetProjectMonitoring(ctx, m.ProjectID, true); err != nil {
		slog.Warn("Failed to enable project monitoring", "project_id", m.ProjectID, "error", err)
		return
	}
	slog.Info("TMA monitoring enabled", "project_id", m.ProjectID, "mission_id", m.ID)
}

// OnDeployFailed records a deploy incident; repeated failures on the
// same project escalate to a root-cause mission.
func (f *Feedback) OnDeployFailed(ctx context.Context, m *models.Mission, reason string) {
	if m.ProjectID == "" {
		return
	}
	f.RecordIncident(ctx, m.ProjectID, "deploy-failure:"+m.ProjectID)
	slog.Warn("Deploy failed", "project_id", m.ProjectID, "mission_id", m.ID, "reason", reason)
}

// OnTMAIncidentFixed resets the incident counter once a fix mission
// validated.
func (f *Feedback) OnTMAIncidentFixed(ctx context.Context, key string) {
	counts, err := f.loadCounts(ctx)
	if err != nil {
		slog.Warn("Failed to load incident counts", "error", err)
		return
	}
	if _, ok := counts[key]; !ok {
		return
	}
	delete(counts, key)
	if err := f.db.UpsertSetting(ctx, incidentSettingKey, counts); err != nil {
		slog.Warn("Failed to reset incident count", "key", key, "error", err)
		return
	}
	slog.Info("Incident counter reset", "key", key)
}

// RecordIncident bumps the counter for an incident key. At the
// threshold it launches a technical-debt mission on the project and
// resets the counter.
func (f *Feedback) RecordIncident(ctx context.Context, projectID, key string) {
	counts, err := f.loadCounts(ctx)
	if err != nil {
		slog.Warn("Failed to load incident counts", "error", err)
		return
	}
	counts[key]++
	n := counts[key]
	if n >= incidentThreshold {
		delete(counts, key)
	}
	if err := f.db.UpsertSetting(ctx, incidentSettingKey, counts); err != nil {
		slog.Warn("Failed to persist incident count", "key", key, "error", err)
		return
	}
	slog.Info("Incident recorded", "key", key, "count", n)

	if n < incidentThreshold {
		return
	}
	name := "Analyse de cause racine : " + key
	brief := fmt.Sprintf(
		"L'incident %q s'est produit %d fois. Identifie la cause racine, corrige-la et ajoute une protection contre la récidive.",
		key, n)
	if err := f.launch(ctx, projectID, name, brief, "refactor", "debt", f.debtWorkflow, key); err != nil {
		slog.Error("Failed to launch root-cause mission", "key", key, "error", err)
	}
}

// OnSecurityAlert launches a fix mission for high and critical alerts,
// unless an open mission already covers the same alert.
func (f *Feedback) OnSecurityAlert(ctx context.Context, projectID, severity, title, detail string) {
	if severityRank(severity) < securityMinSeverity {
		return
	}
	name := "Alerte sécurité : " + title
	if f.hasOpenMission(ctx, name) {
		slog.Info("Security alert already covered by an open mission", "title", title)
		return
	}
	brief := "Alerte de sévérité " + severity + " : " + title
	if detail != "" {
		brief += "\n\n" + detail
	}
	if err := f.launch(ctx, projectID, name, brief, "bug", "security", f.bugWorkflow, "security:"+title); err != nil {
		slog.Error("Failed to launch security mission", "title", title, "error", err)
	}
}

// launch creates the mission, its transcript session and a pending run.
func (f *Feedback) launch(ctx context.Context, projectID, name, brief, missionType, category, workflowID, incidentKey string) error {
	if workflowID == "" {
		return fmt.Errorf("no workflow configured for %s missions", category)
	}
	mission := &models.Mission{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		Name:       name,
		Brief:      brief,
		Type:       missionType,
		Category:   category,
		Status:     models.MissionPending,
		WorkflowID: workflowID,
		Config:     map[string]any{"incident_key": incidentKey},
		Author:     models.SenderSystem,
	}
	if err := f.db.CreateMission(ctx, mission); err != nil {
		return fmt.Errorf("failed to create mission: %w", err)
	}
	session := &models.Session{
		ID:        uuid.NewString(),
		MissionID: mission.ID,
		ProjectID: projectID,
		Title:     name,
		Status:    models.SessionActive,
	}
	if err := f.db.CreateSession(ctx, session); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	run := &models.MissionRun{
		ID:        uuid.NewString(),
		MissionID: mission.ID,
		SessionID: session.ID,
		Status:    models.MissionPending,
	}
	if err := f.db.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	slog.Info("Feedback mission launched",
		"mission_id", mission.ID, "name", name, "workflow", workflowID)
	return nil
}

// hasOpenMission reports whether a pending or running mission already
// carries the name.
func (f *Feedback) hasOpenMission(ctx context.Context, name string) bool {
	for _, status := range []models.MissionStatus{models.MissionPending, models.MissionRunning} {
		missions, err := f.db.ListMissions(ctx, status, 200)
		if err != nil {
			slog.Warn("Failed to list missions for duplicate check", "status", status, "error", err)
			continue
		}
		for _, m := range missions {
			if strings.EqualFold(m.Name, name) {
				return true
			}
		}
	}
	return false
}

func (f *Feedback) loadCounts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	raw, err := f.db.GetSetting(ctx, incidentSettingKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return counts, nil
		}
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &counts); err != nil {
			return nil, fmt.Errorf("failed to decode incident counts: %w", err)
		}
	}
	return counts, nil
}

// severityRank orders alert severities; unknown strings rank lowest.
func severityRank(s string) int {
	switch strings.ToLower(s) {
	case "critical":
		return 4
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	default:
		return 0
	}
}
