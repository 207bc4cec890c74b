package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macaron-dev/macaron/pkg/models"
	"github.com/macaron-dev/macaron/pkg/store"
	"github.com/macaron-dev/macaron/test/util"
)

// newMissionWithRun seeds a mission, its session, and one pending run.
func newMissionWithRun(t *testing.T, db *store.Store, suffix string) (*models.Mission, *models.MissionRun) {
	t.Helper()
	ctx := context.Background()

	m := &models.Mission{
		ID:         "mission-" + suffix,
		Name:       "Mission " + suffix,
		Brief:      "Build the thing",
		WorkflowID: "web-app",
	}
	require.NoError(t, db.CreateMission(ctx, m))

	sess := &models.Session{ID: "sess-" + suffix, MissionID: m.ID, Status: models.SessionActive}
	require.NoError(t, db.CreateSession(ctx, sess))

	run := &models.MissionRun{
		ID:        "run-" + suffix,
		MissionID: m.ID,
		SessionID: sess.ID,
		Status:    models.MissionPending,
		Phases: []models.PhaseState{
			{PhaseID: "cadrage", Status: models.PhasePending},
			{PhaseID: "sprint-dev", Status: models.PhasePending},
		},
	}
	require.NoError(t, db.CreateRun(ctx, run))
	return m, run
}

func TestRunClaimLifecycle(t *testing.T) {
	db := util.SetupTestStore(t)
	ctx := context.Background()
	_, run := newMissionWithRun(t, db, "a")

	claimed, err := db.ClaimNextRun(ctx, "pod-1")
	require.NoError(t, err)
	assert.Equal(t, run.ID, claimed.ID)
	assert.Equal(t, models.MissionRunning, claimed.Status)
	assert.Equal(t, "pod-1", claimed.ClaimedBy)
	require.NotNil(t, claimed.StartedAt)

	// Nothing else is pending.
	_, err = db.ClaimNextRun(ctx, "pod-2")
	assert.ErrorIs(t, err, store.ErrNoRunsAvailable)

	n, err := db.CountActiveRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Phase progress round-trips through phases_json.
	claimed.Phases[0].Status = models.PhaseDone
	claimed.Phases[0].Summary = "Cadrage validé"
	require.NoError(t, db.SaveRunPhases(ctx, claimed.ID, claimed.Phases, "sprint-dev"))

	got, err := db.GetRun(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, "sprint-dev", got.CurrentPhase)
	require.Len(t, got.Phases, 2)
	assert.Equal(t, models.PhaseDone, got.Phases[0].Status)
	assert.Equal(t, "Cadrage validé", got.Phases[0].Summary)

	require.NoError(t, db.FinishRun(ctx, claimed.ID, models.MissionCompleted, ""))
	got, err = db.GetRun(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MissionCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	counts, err := db.CountRunsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.MissionCompleted])
}

func TestClaimIsFIFO(t *testing.T) {
	db := util.SetupTestStore(t)
	ctx := context.Background()
	_, first := newMissionWithRun(t, db, "first")
	time.Sleep(10 * time.Millisecond) // created_at ordering
	newMissionWithRun(t, db, "second")

	claimed, err := db.ClaimNextRun(ctx, "pod-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID)
}

func TestResumeCycle(t *testing.T) {
	db := util.SetupTestStore(t)
	ctx := context.Background()
	_, run := newMissionWithRun(t, db, "r")
	require.NoError(t, db.UpdateRunStatus(ctx, run.ID, models.MissionPaused, "interrupted"))

	resumable, err := db.ListResumableRuns(ctx, 5, 10)
	require.NoError(t, err)
	require.Len(t, resumable, 1)

	// Resume re-queues and bumps the attempt bookkeeping.
	require.NoError(t, db.ResumeRun(ctx, run.ID))
	got, err := db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MissionPending, got.Status)
	assert.Equal(t, 1, got.ResumeAttempts)
	require.NotNil(t, got.LastResumeAt)

	// Revert restores the previous status but keeps the attempt bump, so
	// a failed resume still consumes backoff budget.
	require.NoError(t, db.RevertRunResume(ctx, run.ID, models.MissionPaused))
	got, err = db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MissionPaused, got.Status)
	assert.Equal(t, 1, got.ResumeAttempts)

	// A run waiting on a human never shows up as resumable.
	require.NoError(t, db.SetRunHumanInput(ctx, run.ID, true))
	resumable, err = db.ListResumableRuns(ctx, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, resumable)

	// A terminal run cannot be resumed.
	require.NoError(t, db.SetRunHumanInput(ctx, run.ID, false))
	require.NoError(t, db.FinishRun(ctx, run.ID, models.MissionFailed, "boom"))
	assert.ErrorIs(t, db.ResumeRun(ctx, run.ID), store.ErrNotFound)
}

func TestRecoverOrphanRunsByPod(t *testing.T) {
	db := util.SetupTestStore(t)
	ctx := context.Background()
	newMissionWithRun(t, db, "mine")
	newMissionWithRun(t, db, "theirs")

	mine, err := db.ClaimNextRun(ctx, "pod-1")
	require.NoError(t, err)
	theirs, err := db.ClaimNextRun(ctx, "pod-2")
	require.NoError(t, err)

	// Pod 1 restarts: only its own claim is recovered; pod 2's run still
	// heartbeats and stays running.
	ids, err := db.RecoverOrphanRuns(ctx, "pod-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{mine.ID}, ids)

	got, err := db.GetRun(ctx, theirs.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MissionRunning, got.Status)
}

func TestMessageOrderingAndWindows(t *testing.T) {
	db := util.SetupTestStore(t)
	ctx := context.Background()
	newMissionWithRun(t, db, "m")

	for _, content := range []string{"one", "two", "three", "four"} {
		require.NoError(t, db.AppendMessage(ctx, &models.Message{
			SessionID: "sess-m",
			FromAgent: "alice",
			ToAgent:   models.RecipientAll,
			Type:      models.MessageText,
			Content:   content,
			Metadata:  map[string]any{"provider": "openai"},
		}))
	}

	all, err := db.ListMessages(ctx, "sess-m", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].Seq, all[i-1].Seq)
		assert.GreaterOrEqual(t, all[i].CreatedAt.UnixNano(), all[i-1].CreatedAt.UnixNano())
	}
	assert.Equal(t, "one", all[0].Content)
	assert.Equal(t, "openai", all[0].Metadata["provider"])

	// Catch-up read from a known sequence.
	tail, err := db.ListMessages(ctx, "sess-m", all[1].Seq, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "three", tail[0].Content)

	// History window keeps chronological order while taking the last N.
	last, err := db.LastMessages(ctx, "sess-m", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "three", last[0].Content)
	assert.Equal(t, "four", last[1].Content)
}

func TestProjectMemoryUpsertAndSearch(t *testing.T) {
	db := util.SetupTestStore(t)
	ctx := context.Background()
	require.NoError(t, db.CreateProject(ctx, &models.Project{ID: "proj-1", Name: "Shop"}))

	entry := &models.MemoryEntry{
		ProjectID: "proj-1",
		Key:       "Antoine: architecture",
		Value:     "Stack: Go + Postgres",
		Category:  "architecture",
		Source:    "archi",
	}
	require.NoError(t, db.UpsertProjectMemory(ctx, entry))

	// Same key replaces, never duplicates.
	entry.Value = "Stack: Go + Postgres + Redis"
	require.NoError(t, db.UpsertProjectMemory(ctx, entry))

	got, err := db.GetProjectMemory(ctx, "proj-1", "Antoine: architecture")
	require.NoError(t, err)
	assert.Contains(t, got.Value, "Redis")

	require.NoError(t, db.UpsertProjectMemory(ctx, &models.MemoryEntry{
		ProjectID: "proj-1", Key: "Lucie: qa", Value: "Coverage floor 80%", Category: "quality",
	}))

	hits, err := db.SearchProjectMemory(ctx, "proj-1", "postgres", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Antoine: architecture", hits[0].Key)

	byCategory, err := db.ListProjectMemory(ctx, "proj-1", "quality", 10)
	require.NoError(t, err)
	require.Len(t, byCategory, 1)
	assert.Equal(t, "Lucie: qa", byCategory[0].Key)

	all, err := db.ListProjectMemory(ctx, "proj-1", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestAgentUpsertRoundTrip(t *testing.T) {
	db := util.SetupTestStore(t)
	ctx := context.Background()

	a := &models.AgentDef{
		ID:            "dev-back",
		Name:          "Mehdi",
		Role:          "Développeur backend",
		HierarchyRank: 50,
		SystemPrompt:  "Tu écris du code réel.",
		Skills:        []string{"go", "postgres"},
		Permissions:   models.Permissions{CanDelegate: true},
		Provider:      "openai",
		Model:         "gpt-4o",
		Temperature:   0.4,
	}
	require.NoError(t, db.UpsertAgent(ctx, a))

	a.Model = "gpt-4o-mini"
	require.NoError(t, db.UpsertAgent(ctx, a))

	got, err := db.GetAgent(ctx, "dev-back")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.Equal(t, []string{"go", "postgres"}, got.Skills)
	assert.True(t, got.Permissions.CanDelegate)
	assert.InDelta(t, 0.4, got.Temperature, 0.001)

	agents, err := db.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)

	require.NoError(t, db.DeleteAgent(ctx, "dev-back"))
	_, err = db.GetAgent(ctx, "dev-back")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSprintNumberingAndCompletion(t *testing.T) {
	db := util.SetupTestStore(t)
	ctx := context.Background()
	m, run := newMissionWithRun(t, db, "s")

	n, err := db.NextSprintNumber(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sp := &models.Sprint{ID: "sprint-1", MissionID: m.ID, RunID: run.ID, Number: n, Goal: "Livrer le login"}
	require.NoError(t, db.CreateSprint(ctx, sp))

	n, err = db.NextSprintNumber(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, db.CompleteSprint(ctx, sp.ID, "completed", 7, "Bonne vélocité, tests en retard"))
	sprints, err := db.ListSprints(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, sprints, 1)
	assert.Equal(t, 7, sprints[0].Velocity)
	assert.Equal(t, "completed", sprints[0].Status)
	require.NotNil(t, sprints[0].CompletedAt)
}

func TestSettingsRoundTrip(t *testing.T) {
	db := util.SetupTestStore(t)
	ctx := context.Background()

	_, err := db.GetSetting(ctx, "guardrails")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, db.UpsertSetting(ctx, "guardrails", map[string]any{"max_high_per_session": 3}))
	require.NoError(t, db.UpsertSetting(ctx, "guardrails", map[string]any{"max_high_per_session": 7}))

	raw, err := db.GetSetting(ctx, "guardrails")
	require.NoError(t, err)
	assert.JSONEq(t, `{"max_high_per_session": 7}`, string(raw))

	settings, err := db.ListSettings(ctx)
	require.NoError(t, err)
	assert.Len(t, settings, 1)
}

func TestIncidentRecurrence(t *testing.T) {
	db := util.SetupTestStore(t)
	ctx := context.Background()

	inc := &models.Incident{IncidentKey: "deploy-failure:proj-1", Kind: "deploy_failed", Severity: "high"}
	first, err := db.RecordIncident(ctx, inc)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Occurrences)

	second, err := db.RecordIncident(ctx, inc)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Occurrences)
	assert.Equal(t, first.ID, second.ID)

	require.NoError(t, db.ResolveIncident(ctx, "deploy-failure:proj-1"))
	got, err := db.GetIncident(ctx, "deploy-failure:proj-1")
	require.NoError(t, err)
	assert.Equal(t, models.IncidentClosed, got.Status)
	require.NotNil(t, got.ResolvedAt)

	// Recurrence after resolution reopens.
	third, err := db.RecordIncident(ctx, inc)
	require.NoError(t, err)
	assert.Equal(t, 3, third.Occurrences)
	assert.Equal(t, models.IncidentOpen, third.Status)

	open, err := db.CountOpenIncidents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, open)
}

func TestUsageAggregation(t *testing.T) {
	db := util.SetupTestStore(t)
	ctx := context.Background()

	require.NoError(t, db.InsertUsage(ctx, &models.UsageRecord{
		Provider: "openai", Model: "gpt-4o", TokensIn: 100, TokensOut: 50, OK: true,
	}))
	require.NoError(t, db.InsertUsage(ctx, &models.UsageRecord{
		Provider: "anthropic", Model: "claude-sonnet-4-20250514", TokensIn: 30, TokensOut: 0, OK: false,
	}))

	totals, err := db.SumUsageSince(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, totals.Calls)
	assert.Equal(t, 1, totals.Failed)
	assert.Equal(t, int64(130), totals.TokensIn)
	assert.Equal(t, int64(50), totals.TokensOut)

	// Cutoff in the future excludes everything.
	totals, err = db.SumUsageSince(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, totals.Calls)
}

func TestTranscriptRecords(t *testing.T) {
	db := util.SetupTestStore(t)
	ctx := context.Background()
	newMissionWithRun(t, db, "t")

	require.NoError(t, db.RecordToolCall(ctx, &models.ToolCallRecord{
		SessionID: "sess-t", AgentID: "dev-back", Tool: "code_write",
		ArgsJSON: `{"path":"main.go"}`, Result: "written", OK: true, DurationMs: 12,
	}))
	require.NoError(t, db.RecordArtifact(ctx, &models.Artifact{
		SessionID: "sess-t", Type: "file", Path: "main.go", Language: "go",
		Content: "package main", CreatedBy: "dev-back",
	}))

	calls, err := db.ListToolCalls(ctx, "sess-t")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "code_write", calls[0].Tool)
	assert.True(t, calls[0].OK)

	artifacts, err := db.ListArtifacts(ctx, "sess-t")
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "main.go", artifacts[0].Path)
}

func TestBacklogFeatures(t *testing.T) {
	db := util.SetupTestStore(t)
	ctx := context.Background()
	require.NoError(t, db.CreateProject(ctx, &models.Project{ID: "proj-1", Name: "Shop"}))

	require.NoError(t, db.CreateFeature(ctx, &models.Feature{
		ProjectID: "proj-1", Title: "Checkout", BusinessValue: 8, TimeCriticality: 5, RiskReduction: 2, JobSize: 3,
	}))
	require.NoError(t, db.CreateFeature(ctx, &models.Feature{
		ProjectID: "proj-1", Title: "Dark mode", Status: "done", JobSize: 1,
	}))

	open, err := db.ListOpenFeatures(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "Checkout", open[0].Title)
	assert.InDelta(t, 5.0, open[0].WSJF(), 0.001)
}

func TestMissionStatusAndWorkspace(t *testing.T) {
	db := util.SetupTestStore(t)
	ctx := context.Background()
	m, _ := newMissionWithRun(t, db, "w")

	require.NoError(t, db.UpdateMissionStatus(ctx, m.ID, models.MissionRunning))
	require.NoError(t, db.SetMissionWorkspace(ctx, m.ID, "/var/lib/macaron/workspaces/w"))

	got, err := db.GetMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MissionRunning, got.Status)
	assert.Equal(t, "/var/lib/macaron/workspaces/w", got.WorkspacePath)

	id, err := db.ActiveMissionOnPath(ctx, "/var/lib/macaron/workspaces/w")
	require.NoError(t, err)
	assert.Equal(t, m.ID, id)

	counts, err := db.CountMissionsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.MissionRunning])
}
