package watchdog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macaron-dev/macaron/pkg/config"
	"github.com/macaron-dev/macaron/pkg/models"
	"github.com/macaron-dev/macaron/pkg/store"
)

type listCall struct {
	status    models.MissionStatus
	olderThan time.Duration
	limit     int
}

type finishRecord struct {
	status models.MissionStatus
	msg    string
}

type fakeWatchdogStore struct {
	mu            sync.Mutex
	runsByStatus  map[models.MissionStatus][]*models.MissionRun
	resumable     []*models.MissionRun
	idleSessions  []*models.Session
	sessions      map[string]*models.Session
	runsBySession map[string]*models.MissionRun
	counts        map[models.MissionStatus]int
	usage         store.UsageTotals
	incidents     int

	resumeErr        error
	sessionStatusErr map[string]error

	listCalls       []listCall
	resumableCalls  int
	idleCalls       int
	countCalls      int
	resumed         []string
	reverted        map[string]models.MissionStatus
	sessionStatuses map[string][]models.SessionStatus
	runStatuses     map[string][]finishRecord
	finished        map[string]finishRecord
	missionStatuses map[string]models.MissionStatus
	metrics         []*models.EndurancePoint
}

func newFakeWatchdogStore() *fakeWatchdogStore {
	return &fakeWatchdogStore{
		runsByStatus:     map[models.MissionStatus][]*models.MissionRun{},
		sessions:         map[string]*models.Session{},
		runsBySession:    map[string]*models.MissionRun{},
		counts:           map[models.MissionStatus]int{},
		sessionStatusErr: map[string]error{},
		reverted:         map[string]models.MissionStatus{},
		sessionStatuses:  map[string][]models.SessionStatus{},
		runStatuses:      map[string][]finishRecord{},
		finished:         map[string]finishRecord{},
		missionStatuses:  map[string]models.MissionStatus{},
	}
}

func (f *fakeWatchdogStore) ListRunsByStatusOlderThan(ctx context.Context, status models.MissionStatus, olderThan time.Duration, limit int) ([]*models.MissionRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls = append(f.listCalls, listCall{status, olderThan, limit})
	runs := f.runsByStatus[status]
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (f *fakeWatchdogStore) ListResumableRuns(ctx context.Context, maxAttempts, limit int) ([]*models.MissionRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumableCalls++
	var out []*models.MissionRun
	for _, run := range f.resumable {
		if run.ResumeAttempts < maxAttempts && !run.HumanInputRequired {
			out = append(out, run)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeWatchdogStore) ResumeRun(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resumeErr != nil {
		return f.resumeErr
	}
	f.resumed = append(f.resumed, id)
	return nil
}

func (f *fakeWatchdogStore) RevertRunResume(ctx context.Context, id string, prev models.MissionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverted[id] = prev
	return nil
}

func (f *fakeWatchdogStore) CountRunsByStatus(ctx context.Context) (map[models.MissionStatus]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countCalls++
	return f.counts, nil
}

func (f *fakeWatchdogStore) ListIdleActiveSessions(ctx context.Context, idleFor time.Duration) ([]*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idleCalls++
	return f.idleSessions, nil
}

func (f *fakeWatchdogStore) GetRunBySession(ctx context.Context, sessionID string) (*models.MissionRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run, ok := f.runsBySession[sessionID]; ok {
		return run, nil
	}
	return nil, fmt.Errorf("run for session %s: %w", sessionID, store.ErrNotFound)
}

func (f *fakeWatchdogStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess, ok := f.sessions[id]; ok {
		return sess, nil
	}
	return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
}

func (f *fakeWatchdogStore) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.sessionStatusErr[id]; ok {
		return err
	}
	f.sessionStatuses[id] = append(f.sessionStatuses[id], status)
	if sess, ok := f.sessions[id]; ok {
		sess.Status = status
	}
	return nil
}

func (f *fakeWatchdogStore) UpdateRunStatus(ctx context.Context, id string, status models.MissionStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runStatuses[id] = append(f.runStatuses[id], finishRecord{status, errMsg})
	return nil
}

func (f *fakeWatchdogStore) FinishRun(ctx context.Context, id string, status models.MissionStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished[id] = finishRecord{status, errMsg}
	return nil
}

func (f *fakeWatchdogStore) UpdateMissionStatus(ctx context.Context, id string, status models.MissionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missionStatuses[id] = status
	return nil
}

func (f *fakeWatchdogStore) InsertEndurance(ctx context.Context, p *models.EndurancePoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = append(f.metrics, p)
	return nil
}

func (f *fakeWatchdogStore) SumUsageSince(ctx context.Context, since time.Time) (*store.UsageTotals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.usage
	return &u, nil
}

func (f *fakeWatchdogStore) CountOpenIncidents(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.incidents, nil
}

func (f *fakeWatchdogStore) metricsByName(name string) []*models.EndurancePoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.EndurancePoint
	for _, p := range f.metrics {
		if p.Metric == name {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeWatchdogStore) countListCalls(status models.MissionStatus, olderThan time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.listCalls {
		if c.status == status && c.olderThan == olderThan {
			n++
		}
	}
	return n
}

// newTestWatchdog builds a watchdog with probes and disk checks off so
// tick tests exercise only the store-backed paths.
func newTestWatchdog(db *fakeWatchdogStore) *Watchdog {
	cfg := config.DefaultWatchdogConfig()
	cfg.HealthURL = ""
	cfg.RetryURL = ""
	cfg.LLMStatsURL = ""
	return New(db, cfg, nil, nil)
}

func pausedRun(id string, attempts int, lastResume *time.Time) *models.MissionRun {
	return &models.MissionRun{
		ID:             id,
		MissionID:      "m-" + id,
		SessionID:      "s-" + id,
		Status:         models.MissionPaused,
		ResumeAttempts: attempts,
		LastResumeAt:   lastResume,
	}
}

func TestTickTiers(t *testing.T) {
	db := newFakeWatchdogStore()
	w := newTestWatchdog(db)
	ctx := context.Background()

	for n := 1; n <= 30; n++ {
		w.tick(ctx, n)
	}

	cfg := w.cfg
	assert.Equal(t, 30, db.countListCalls(models.MissionRunning, cfg.PhaseStallThreshold), "stall scan runs every cycle")
	assert.Equal(t, 15, db.idleCalls, "stale session scan runs every 2nd cycle")
	assert.Equal(t, 6, db.countListCalls(models.MissionFailed, 0), "failed cleanup runs every 5th cycle")
	assert.Equal(t, 1, db.countListCalls(models.MissionRunning, config.ZombieHardAge), "phantom scan runs every 30th cycle")
	assert.Equal(t, 6, db.countCalls, "auto-resume runs every 5th cycle")
}

func TestBackoffElapsed(t *testing.T) {
	w := newTestWatchdog(newFakeWatchdogStore())
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	ago := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}

	tests := []struct {
		name     string
		attempts int
		last     *time.Time
		want     bool
	}{
		{"first attempt is immediate", 0, nil, true},
		{"first attempt ignores timestamps", 0, ago(time.Second), true},
		{"never resumed is immediate", 3, nil, true},
		{"second attempt too early", 1, ago(4 * time.Minute), false},
		{"second attempt after 5m", 1, ago(5 * time.Minute), true},
		{"third attempt needs 15m", 2, ago(10 * time.Minute), false},
		{"third attempt after 15m", 2, ago(15 * time.Minute), true},
		{"beyond schedule caps at 60m", 9, ago(59 * time.Minute), false},
		{"beyond schedule after 60m", 9, ago(61 * time.Minute), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := &models.MissionRun{ResumeAttempts: tt.attempts, LastResumeAt: tt.last}
			assert.Equal(t, tt.want, w.backoffElapsed(run))
		})
	}
}

func TestAutoResumeRespectsBatchAndBudget(t *testing.T) {
	db := newFakeWatchdogStore()
	db.counts = map[models.MissionStatus]int{
		models.MissionRunning: 2,
		models.MissionPending: 1,
	}
	for i := 1; i <= 6; i++ {
		db.resumable = append(db.resumable, pausedRun(fmt.Sprintf("r%d", i), 0, nil))
	}
	w := newTestWatchdog(db)

	w.autoResume(context.Background())

	// Budget is 10-3=7, capped by the batch size of 5.
	require.Len(t, db.resumed, 5)
	assert.Equal(t, []string{"r1", "r2", "r3", "r4", "r5"}, db.resumed)
	for _, id := range db.resumed {
		assert.Contains(t, db.sessionStatuses["s-"+id], models.SessionActive)
	}
	assert.Len(t, db.metricsByName("resume_attempt"), 5)
}

func TestAutoResumeSkipsWhenSaturated(t *testing.T) {
	db := newFakeWatchdogStore()
	db.counts = map[models.MissionStatus]int{models.MissionRunning: 10}
	db.resumable = []*models.MissionRun{pausedRun("r1", 0, nil)}
	w := newTestWatchdog(db)

	w.autoResume(context.Background())

	assert.Equal(t, 0, db.resumableCalls, "no selection when the run budget is gone")
	assert.Empty(t, db.resumed)
	// Exhausted-run cleanup still happens.
	assert.Equal(t, 1, db.countListCalls(models.MissionPaused, 0))
}

func TestAutoResumeSkipsBackoffNotElapsed(t *testing.T) {
	db := newFakeWatchdogStore()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	tenAgo := now.Add(-10 * time.Minute)
	db.resumable = []*models.MissionRun{
		pausedRun("r1", 2, &tenAgo), // needs 15m
		pausedRun("r2", 0, nil),
	}
	w := newTestWatchdog(db)
	w.now = func() time.Time { return now }

	w.autoResume(context.Background())

	assert.Equal(t, []string{"r2"}, db.resumed, "blocked backoff must not starve the eligible run behind it")
}

func TestAutoResumeRevertsOnSessionFailure(t *testing.T) {
	db := newFakeWatchdogStore()
	db.resumable = []*models.MissionRun{pausedRun("r1", 1, nil)}
	db.sessionStatusErr["s-r1"] = errors.New("connection reset")
	w := newTestWatchdog(db)

	w.autoResume(context.Background())

	assert.Equal(t, []string{"r1"}, db.resumed)
	assert.Equal(t, models.MissionPaused, db.reverted["r1"], "failed session flip reverts the run")
	assert.Len(t, db.metricsByName("resume_failed"), 1)
	assert.Empty(t, db.metricsByName("resume_attempt"))
}

func TestAutoResumeAbandonsExhaustedRuns(t *testing.T) {
	db := newFakeWatchdogStore()
	spent := pausedRun("r1", 5, nil)
	waiting := pausedRun("r2", 5, nil)
	waiting.HumanInputRequired = true
	fresh := pausedRun("r3", 4, nil)
	db.runsByStatus[models.MissionPaused] = []*models.MissionRun{spent, waiting, fresh}
	db.counts = map[models.MissionStatus]int{models.MissionRunning: 10}
	w := newTestWatchdog(db)

	w.autoResume(context.Background())

	require.Contains(t, db.finished, "r1")
	assert.Equal(t, models.MissionAbandoned, db.finished["r1"].status)
	assert.Equal(t, "resume attempts exhausted", db.finished["r1"].msg)
	assert.Equal(t, models.MissionAbandoned, db.missionStatuses["m-r1"])
	assert.NotContains(t, db.finished, "r2", "runs waiting on a human are never auto-abandoned")
	assert.NotContains(t, db.finished, "r3", "runs with budget left keep it")
	assert.Len(t, db.metricsByName("auto_abandoned"), 1)
}

func TestRetryStalledRunsRequeuesDirectly(t *testing.T) {
	db := newFakeWatchdogStore()
	db.runsByStatus[models.MissionRunning] = []*models.MissionRun{
		{ID: "r1", MissionID: "m1", Status: models.MissionRunning},
	}
	w := newTestWatchdog(db)

	w.retryStalledRuns(context.Background())

	assert.Equal(t, []string{"r1"}, db.resumed)
	assert.Len(t, db.metricsByName("stall_detected"), 1)
	require.Len(t, db.metricsByName("stall_retry"), 1)
	assert.Equal(t, "run r1", db.metricsByName("stall_retry")[0].Detail)
}

func TestRetryStalledRunsPrefersRetryEndpoint(t *testing.T) {
	var gotPath string
	var gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		rw.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	db := newFakeWatchdogStore()
	db.runsByStatus[models.MissionRunning] = []*models.MissionRun{
		{ID: "r1", MissionID: "m1", Status: models.MissionRunning},
	}
	w := newTestWatchdog(db)
	w.cfg.RetryURL = server.URL + "/api/missions/%s/retry"

	w.retryStalledRuns(context.Background())

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/missions/m1/retry", gotPath)
	assert.Empty(t, db.resumed, "the endpoint handled the retry")
	require.Len(t, db.metricsByName("stall_retry"), 1)
	assert.Equal(t, "mission m1", db.metricsByName("stall_retry")[0].Detail)
}

func TestRetryStalledRunsFallsBackWhenEndpointRefuses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	db := newFakeWatchdogStore()
	db.runsByStatus[models.MissionRunning] = []*models.MissionRun{
		{ID: "r1", MissionID: "m1", Status: models.MissionRunning},
	}
	w := newTestWatchdog(db)
	w.cfg.RetryURL = server.URL + "/api/missions/%s/retry"

	w.retryStalledRuns(context.Background())

	assert.Equal(t, []string{"r1"}, db.resumed)
}

func TestRecoverStaleSessions(t *testing.T) {
	db := newFakeWatchdogStore()
	db.idleSessions = []*models.Session{
		{ID: "s1", MissionID: "m1", Status: models.SessionActive},
		{ID: "s2", MissionID: "m2", Status: models.SessionActive},
	}
	db.runsBySession["s1"] = &models.MissionRun{ID: "r1", Status: models.MissionRunning}
	db.runsBySession["s2"] = &models.MissionRun{ID: "r2", Status: models.MissionCompleted}
	w := newTestWatchdog(db)

	w.recoverStaleSessions(context.Background())

	assert.Contains(t, db.sessionStatuses["s1"], models.SessionInterrupted)
	assert.Contains(t, db.sessionStatuses["s2"], models.SessionInterrupted)
	require.Len(t, db.runStatuses["r1"], 1)
	assert.Equal(t, models.MissionPaused, db.runStatuses["r1"][0].status)
	assert.Empty(t, db.runStatuses["r2"], "settled runs stay settled")
	assert.Len(t, db.metricsByName("session_stale_recovered"), 2)
}

func TestCleanupFailedSessions(t *testing.T) {
	db := newFakeWatchdogStore()
	db.runsByStatus[models.MissionFailed] = []*models.MissionRun{
		{ID: "r1", SessionID: "s1", Status: models.MissionFailed},
		{ID: "r2", SessionID: "s2", Status: models.MissionFailed},
	}
	db.sessions["s1"] = &models.Session{ID: "s1", Status: models.SessionActive}
	db.sessions["s2"] = &models.Session{ID: "s2", Status: models.SessionCompleted}
	w := newTestWatchdog(db)

	w.cleanupFailedSessions(context.Background())

	assert.Contains(t, db.sessionStatuses["s1"], models.SessionFailed)
	assert.Empty(t, db.sessionStatuses["s2"], "settled sessions are left alone")
}

func TestCleanPhantomRuns(t *testing.T) {
	db := newFakeWatchdogStore()
	db.runsByStatus[models.MissionRunning] = []*models.MissionRun{{ID: "r1", MissionID: "m1"}}
	db.runsByStatus[models.MissionPaused] = []*models.MissionRun{{ID: "r2", MissionID: "m2"}}
	w := newTestWatchdog(db)

	w.cleanPhantomRuns(context.Background())

	assert.Equal(t, models.MissionAbandoned, db.finished["r1"].status)
	assert.Equal(t, models.MissionAbandoned, db.finished["r2"].status)
	assert.Equal(t, models.MissionAbandoned, db.missionStatuses["m1"])
	assert.Len(t, db.metricsByName("phantom_cleaned"), 2)
	assert.Equal(t, 1, db.countListCalls(models.MissionRunning, config.ZombieHardAge))
	assert.Equal(t, 1, db.countListCalls(models.MissionPaused, config.ZombieHardAge))
}

func TestZombieSweep(t *testing.T) {
	db := newFakeWatchdogStore()
	db.runsByStatus[models.MissionRunning] = []*models.MissionRun{{ID: "r1", MissionID: "m1"}}
	db.runsByStatus[models.MissionPaused] = []*models.MissionRun{{ID: "r2", MissionID: "m2"}}
	w := newTestWatchdog(db)

	w.zombieSweep(context.Background())

	require.Contains(t, db.finished, "r1")
	assert.Equal(t, models.MissionFailed, db.finished["r1"].status)
	assert.Equal(t, "zombie: stale for >6h", db.finished["r1"].msg)
	assert.Equal(t, models.MissionFailed, db.missionStatuses["m1"])

	require.Contains(t, db.finished, "r2")
	assert.Equal(t, models.MissionAbandoned, db.finished["r2"].status)
	assert.Equal(t, "zombie: paused for >24h", db.finished["r2"].msg)

	assert.Equal(t, 1, db.countListCalls(models.MissionRunning, config.ZombieRunningAge))
	assert.Equal(t, 1, db.countListCalls(models.MissionPaused, config.ZombiePausedAge))
	assert.Len(t, db.metricsByName("zombie_cleaned"), 2)
}

func TestProbeHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthy" {
			rw.WriteHeader(http.StatusOK)
			return
		}
		rw.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	db := newFakeWatchdogStore()
	w := newTestWatchdog(db)

	w.cfg.HealthURL = server.URL + "/healthy"
	w.probeHealth(context.Background())
	assert.Empty(t, db.metricsByName("health_down"))

	w.cfg.HealthURL = server.URL + "/broken"
	w.probeHealth(context.Background())
	require.Len(t, db.metricsByName("health_down"), 1)
	assert.Equal(t, "status 500", db.metricsByName("health_down")[0].Detail)
}

func TestProbeLLM(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
	}))
	db := newFakeWatchdogStore()
	w := newTestWatchdog(db)

	w.cfg.LLMStatsURL = server.URL
	w.probeLLM(context.Background())
	require.Len(t, db.metricsByName("llm_health"), 1)
	assert.Equal(t, float64(1), db.metricsByName("llm_health")[0].Value)

	server.Close()
	w.probeLLM(context.Background())
	require.Len(t, db.metricsByName("llm_health"), 2)
	assert.Equal(t, float64(0), db.metricsByName("llm_health")[1].Value)
}

func TestParseDiskUsage(t *testing.T) {
	out := "Filesystem     1024-blocks     Used Available Capacity Mounted on\n" +
		"/dev/root        102400000 93184000   9216000      91% /\n"
	pct, ok := parseDiskUsage(out)
	require.True(t, ok)
	assert.Equal(t, 91, pct)

	_, ok = parseDiskUsage("no columns here")
	assert.False(t, ok)
	_, ok = parseDiskUsage("")
	assert.False(t, ok)
}

func TestSweepTmpRemovesOnlyOldDirs(t *testing.T) {
	root := t.TempDir()
	oldDir := filepath.Join(root, "macaron_old")
	newDir := filepath.Join(root, "macaron_new")
	require.NoError(t, os.Mkdir(oldDir, 0o755))
	require.NoError(t, os.Mkdir(newDir, 0o755))
	stale := time.Now().Add(-8 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(oldDir, stale, stale))

	db := newFakeWatchdogStore()
	w := newTestWatchdog(db)
	w.cfg.TmpPrefix = filepath.Join(root, "macaron_")

	removed := w.sweepTmp()

	assert.Equal(t, 1, removed)
	assert.NoDirExists(t, oldDir)
	assert.DirExists(t, newDir)
}

func TestDailyReport(t *testing.T) {
	db := newFakeWatchdogStore()
	db.usage = store.UsageTotals{Calls: 12, Failed: 2, TokensIn: 1000, TokensOut: 2400}
	db.counts = map[models.MissionStatus]int{
		models.MissionRunning:   2,
		models.MissionCompleted: 3,
		models.MissionFailed:    1,
	}
	db.incidents = 4
	w := newTestWatchdog(db)

	w.dailyReport(context.Background())

	reports := db.metricsByName("daily_report")
	require.Len(t, reports, 1)
	assert.Equal(t, float64(3), reports[0].Value)
	assert.Contains(t, reports[0].Detail, "llm_calls=12")
	assert.Contains(t, reports[0].Detail, "completed=3")
	assert.Contains(t, reports[0].Detail, "open_incidents=4")
}

func TestStartStop(t *testing.T) {
	db := newFakeWatchdogStore()
	w := newTestWatchdog(db)

	require.NoError(t, w.Start(context.Background()))
	assert.NotPanics(t, w.Stop)
}
