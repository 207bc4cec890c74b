// Package watchdog detects and recovers stalled runs, stale sessions,
// and zombie missions without operator intervention. It runs a tiered
// check loop on a fixed tick, plus cron-scheduled sweeps for the slow
// cleanups, and logs every finding to the endurance metrics table.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/macaron-dev/macaron/pkg/config"
	"github.com/macaron-dev/macaron/pkg/models"
	"github.com/macaron-dev/macaron/pkg/sandbox"
	"github.com/macaron-dev/macaron/pkg/store"
)

// abandonScanLimit caps how many paused runs one cycle inspects for
// exhausted resume budgets.
const abandonScanLimit = 100

// Store is the persistence slice the watchdog reads and repairs.
type Store interface {
	ListRunsByStatusOlderThan(ctx context.Context, status models.MissionStatus, olderThan time.Duration, limit int) ([]*models.MissionRun, error)
	ListResumableRuns(ctx context.Context, maxAttempts, limit int) ([]*models.MissionRun, error)
	ResumeRun(ctx context.Context, id string) error
	RevertRunResume(ctx context.Context, id string, prev models.MissionStatus) error
	CountRunsByStatus(ctx context.Context) (map[models.MissionStatus]int, error)
	ListIdleActiveSessions(ctx context.Context, idleFor time.Duration) ([]*models.Session, error)
	GetRunBySession(ctx context.Context, sessionID string) (*models.MissionRun, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error
	UpdateRunStatus(ctx context.Context, id string, status models.MissionStatus, errMsg string) error
	FinishRun(ctx context.Context, id string, status models.MissionStatus, errMsg string) error
	UpdateMissionStatus(ctx context.Context, id string, status models.MissionStatus) error
	InsertEndurance(ctx context.Context, p *models.EndurancePoint) error
	SumUsageSince(ctx context.Context, since time.Time) (*store.UsageTotals, error)
	CountOpenIncidents(ctx context.Context) (int, error)
}

// Watchdog is the recovery service. One instance per pod is fine: every
// repair it performs is idempotent, and concurrent sweeps from several
// replicas at worst repeat a no-op update.
type Watchdog struct {
	db      Store
	cfg     *config.WatchdogConfig
	sandbox *sandbox.Executor
	client  *http.Client
	cron    *cron.Cron

	maxConcurrent int
	resumeEvery   int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// New builds a watchdog. A nil cfg takes the built-in defaults; queue
// supplies the global concurrent-run limit the auto-resume respects.
func New(db Store, cfg *config.WatchdogConfig, queue *config.QueueConfig, sb *sandbox.Executor) *Watchdog {
	if cfg == nil {
		cfg = config.DefaultWatchdogConfig()
	}
	maxConcurrent := config.DefaultQueueConfig().MaxConcurrentRuns
	if queue != nil {
		maxConcurrent = queue.MaxConcurrentRuns
	}
	resumeEvery := 1
	if cfg.CheckInterval > 0 && cfg.ResumeInterval > cfg.CheckInterval {
		resumeEvery = int(cfg.ResumeInterval / cfg.CheckInterval)
	}
	return &Watchdog{
		db:            db,
		cfg:           cfg,
		sandbox:       sb,
		client:        &http.Client{Timeout: config.WatchdogHTTPProbe},
		cron:          cron.New(cron.WithLocation(time.UTC)),
		maxConcurrent: maxConcurrent,
		resumeEvery:   resumeEvery,
		stopCh:        make(chan struct{}),
		now:           time.Now,
	}
}

// Start launches the tick loop and the cron sweeps.
func (w *Watchdog) Start(ctx context.Context) error {
	if _, err := w.cron.AddFunc(config.ZombieSweepSpec, func() {
		w.zombieSweep(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to schedule zombie sweep: %w", err)
	}
	if _, err := w.cron.AddFunc(config.DailyReportCron, func() {
		w.dailyReport(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to schedule daily report: %w", err)
	}
	w.cron.Start()

	w.wg.Add(1)
	go w.loop(ctx)

	slog.Info("Watchdog started",
		"check_interval", w.cfg.CheckInterval,
		"resume_interval", w.cfg.ResumeInterval,
		"max_concurrent_runs", w.maxConcurrent)
	return nil
}

// Stop halts the tick loop and waits for running cron jobs to finish.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.cron.Stop().Done()
	w.wg.Wait()
	slog.Info("Watchdog stopped")
}

func (w *Watchdog) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n++
			w.tick(ctx, n)
		}
	}
}

// tick runs the tiered checks for cycle n. Cheap checks run every
// cycle, the heavier ones on widening multiples.
func (w *Watchdog) tick(ctx context.Context, n int) {
	w.probeHealth(ctx)
	w.retryStalledRuns(ctx)
	if n%2 == 0 {
		w.recoverStaleSessions(ctx)
	}
	if n%5 == 0 {
		w.cleanupFailedSessions(ctx)
		w.checkDisk(ctx)
		w.probeLLM(ctx)
	}
	if n%30 == 0 {
		w.cleanPhantomRuns(ctx)
	}
	if n%w.resumeEvery == 0 {
		w.autoResume(ctx)
	}
}

// metric records one endurance sample. Failures are logged, never
// propagated; the watchdog must keep running through a flaky DB.
func (w *Watchdog) metric(ctx context.Context, metric string, value float64, detail string) {
	p := &models.EndurancePoint{Timestamp: w.now(), Metric: metric, Value: value, Detail: detail}
	if err := w.db.InsertEndurance(ctx, p); err != nil {
		slog.Warn("Failed to record watchdog metric", "metric", metric, "error", err)
	}
}

// probeHealth GETs the platform health endpoint and logs health_down on
// anything but a 200.
func (w *Watchdog) probeHealth(ctx context.Context) {
	if w.cfg.HealthURL == "" {
		return
	}
	if status, err := w.probe(ctx, w.cfg.HealthURL); err != nil {
		w.metric(ctx, "health_down", 1, err.Error())
	} else if status != http.StatusOK {
		w.metric(ctx, "health_down", 1, fmt.Sprintf("status %d", status))
	}
}

// probeLLM checks the LLM stats endpoint and logs llm_health 1/0.
func (w *Watchdog) probeLLM(ctx context.Context) {
	if w.cfg.LLMStatsURL == "" {
		return
	}
	status, err := w.probe(ctx, w.cfg.LLMStatsURL)
	switch {
	case err != nil:
		w.metric(ctx, "llm_health", 0, err.Error())
	case status != http.StatusOK:
		w.metric(ctx, "llm_health", 0, fmt.Sprintf("status %d", status))
	default:
		w.metric(ctx, "llm_health", 1, "")
	}
}

func (w *Watchdog) probe(ctx context.Context, url string) (int, error) {
	probeCtx, cancel := context.WithTimeout(ctx, config.WatchdogHTTPProbe)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// retryStalledRuns requeues running runs whose heartbeat went silent
// past the stall threshold. Workers heartbeat every few seconds, so a
// stale updated_at means the worker died or hangs; requeueing lets any
// pod re-claim, and the orchestrator resumes from the settled phases.
func (w *Watchdog) retryStalledRuns(ctx context.Context) {
	runs, err := w.db.ListRunsByStatusOlderThan(ctx, models.MissionRunning, w.cfg.PhaseStallThreshold, w.cfg.MaxStallRetries)
	if err != nil {
		slog.Error("Failed to scan for stalled runs", "error", err)
		return
	}
	for _, run := range runs {
		w.metric(ctx, "stall_detected", 1, "run "+run.ID)
		slog.Warn("Stalled run detected",
			"run_id", run.ID, "mission_id", run.MissionID, "updated_at", run.UpdatedAt)
		if w.retryViaAPI(ctx, run.MissionID) {
			w.metric(ctx, "stall_retry", 1, "mission "+run.MissionID)
			continue
		}
		if err := w.db.ResumeRun(ctx, run.ID); err != nil {
			slog.Error("Failed to requeue stalled run", "run_id", run.ID, "error", err)
			continue
		}
		w.metric(ctx, "stall_retry", 1, "run "+run.ID)
	}
}

// retryViaAPI posts to the mission retry endpoint when one is
// configured, so the API layer reuses its own validation and events.
func (w *Watchdog) retryViaAPI(ctx context.Context, missionID string) bool {
	if w.cfg.RetryURL == "" {
		return false
	}
	url := fmt.Sprintf(w.cfg.RetryURL, missionID)
	probeCtx, cancel := context.WithTimeout(ctx, config.WatchdogHTTPProbe)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodPost, url, nil)
	if err != nil {
		return false
	}
	resp, err := w.client.Do(req)
	if err != nil {
		slog.Warn("Stall retry endpoint unreachable, requeueing directly", "url", url, "error", err)
		return false
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("Stall retry endpoint refused, requeueing directly", "url", url, "status", resp.StatusCode)
		return false
	}
	return true
}

// recoverStaleSessions interrupts active sessions with no message past
// the stale threshold and pauses their running runs. Live runs persist
// a message at least once per phase timeout, so only dead ones qualify.
func (w *Watchdog) recoverStaleSessions(ctx context.Context) {
	sessions, err := w.db.ListIdleActiveSessions(ctx, w.cfg.SessionStaleThreshold)
	if err != nil {
		slog.Error("Failed to scan for stale sessions", "error", err)
		return
	}
	for _, sess := range sessions {
		if err := w.db.UpdateSessionStatus(ctx, sess.ID, models.SessionInterrupted); err != nil {
			slog.Error("Failed to interrupt stale session", "session_id", sess.ID, "error", err)
			continue
		}
		run, err := w.db.GetRunBySession(ctx, sess.ID)
		if err == nil && run.Status == models.MissionRunning {
			if err := w.db.UpdateRunStatus(ctx, run.ID, models.MissionPaused, "session stale"); err != nil {
				slog.Error("Failed to pause run of stale session", "run_id", run.ID, "error", err)
			}
		}
		slog.Warn("Stale session interrupted", "session_id", sess.ID, "mission_id", sess.MissionID)
		w.metric(ctx, "session_stale_recovered", 1, "session "+sess.ID)
	}
}

// cleanupFailedSessions aligns session status with runs that already
// failed, so the transcript UI stops showing them as live.
func (w *Watchdog) cleanupFailedSessions(ctx context.Context) {
	runs, err := w.db.ListRunsByStatusOlderThan(ctx, models.MissionFailed, 0, 50)
	if err != nil {
		slog.Error("Failed to scan failed runs", "error", err)
		return
	}
	for _, run := range runs {
		if run.SessionID == "" {
			continue
		}
		sess, err := w.db.GetSession(ctx, run.SessionID)
		if err != nil {
			continue
		}
		if sess.Status != models.SessionActive && sess.Status != models.SessionInterrupted {
			continue
		}
		if err := w.db.UpdateSessionStatus(ctx, sess.ID, models.SessionFailed); err != nil {
			slog.Error("Failed to close session of failed run", "session_id", sess.ID, "error", err)
			continue
		}
		slog.Info("Session closed after failed run", "session_id", sess.ID, "run_id", run.ID)
	}
}

// cleanPhantomRuns abandons runs that sat in running or paused for two
// days. Nothing legitimate survives that long untouched.
func (w *Watchdog) cleanPhantomRuns(ctx context.Context) {
	for _, status := range []models.MissionStatus{models.MissionRunning, models.MissionPaused} {
		runs, err := w.db.ListRunsByStatusOlderThan(ctx, status, config.ZombieHardAge, 0)
		if err != nil {
			slog.Error("Failed to scan phantom runs", "status", status, "error", err)
			continue
		}
		for _, run := range runs {
			if err := w.db.FinishRun(ctx, run.ID, models.MissionAbandoned, "phantom: no activity for 48h"); err != nil {
				slog.Error("Failed to abandon phantom run", "run_id", run.ID, "error", err)
				continue
			}
			if err := w.db.UpdateMissionStatus(ctx, run.MissionID, models.MissionAbandoned); err != nil {
				slog.Error("Failed to abandon phantom mission", "mission_id", run.MissionID, "error", err)
			}
			slog.Warn("Phantom run abandoned", "run_id", run.ID, "last_update", run.UpdatedAt)
			w.metric(ctx, "phantom_cleaned", 1, "run "+run.ID)
		}
	}
}

// autoResume requeues paused runs whose backoff elapsed, within the
// batch cap and the global concurrency budget, then abandons runs that
// exhausted their resume attempts.
func (w *Watchdog) autoResume(ctx context.Context) {
	counts, err := w.db.CountRunsByStatus(ctx)
	if err != nil {
		slog.Error("Failed to count runs for auto-resume", "error", err)
		return
	}
	budget := w.maxConcurrent - counts[models.MissionRunning] - counts[models.MissionPending]
	if budget > w.cfg.ResumeBatchSize {
		budget = w.cfg.ResumeBatchSize
	}
	if budget > 0 {
		// Fetch past the batch size: backoff filtering happens here, and
		// blocked candidates must not starve eligible ones behind them.
		runs, err := w.db.ListResumableRuns(ctx, w.cfg.MaxResumeAttempts, w.cfg.ResumeBatchSize*4)
		if err != nil {
			slog.Error("Failed to list resumable runs", "error", err)
			return
		}
		resumed := 0
		for _, run := range runs {
			if resumed >= budget {
				break
			}
			if !w.backoffElapsed(run) {
				continue
			}
			if w.resume(ctx, run) {
				resumed++
			}
		}
	}
	w.abandonExhausted(ctx)
}

// backoffElapsed reports whether the run waited out the delay its
// attempt count demands.
func (w *Watchdog) backoffElapsed(run *models.MissionRun) bool {
	idx := run.ResumeAttempts
	if idx >= len(config.ResumeBackoff) {
		idx = len(config.ResumeBackoff) - 1
	}
	wait := config.ResumeBackoff[idx]
	if wait == 0 || run.LastResumeAt == nil {
		return true
	}
	return w.now().Sub(*run.LastResumeAt) >= wait
}

// resume requeues one paused run and reactivates its session. A failed
// session flip reverts the run so it does not execute against a dead
// transcript; the attempt counter keeps its bump either way.
func (w *Watchdog) resume(ctx context.Context, run *models.MissionRun) bool {
	prev := run.Status
	if err := w.db.ResumeRun(ctx, run.ID); err != nil {
		slog.Error("Failed to resume run", "run_id", run.ID, "error", err)
		w.metric(ctx, "resume_failed", 1, "run "+run.ID)
		return false
	}
	if run.SessionID != "" {
		if err := w.db.UpdateSessionStatus(ctx, run.SessionID, models.SessionActive); err != nil {
			slog.Error("Failed to reactivate session, reverting resume", "run_id", run.ID, "error", err)
			if revertErr := w.db.RevertRunResume(ctx, run.ID, prev); revertErr != nil {
				slog.Error("Failed to revert run resume", "run_id", run.ID, "error", revertErr)
			}
			w.metric(ctx, "resume_failed", 1, "run "+run.ID)
			return false
		}
	}
	slog.Info("Paused run requeued for resume",
		"run_id", run.ID, "mission_id", run.MissionID, "attempt", run.ResumeAttempts+1)
	w.metric(ctx, "resume_attempt", float64(run.ResumeAttempts+1), "run "+run.ID)
	return true
}

// abandonExhausted retires paused runs that burned their whole resume
// budget without asking for human input.
func (w *Watchdog) abandonExhausted(ctx context.Context) {
	runs, err := w.db.ListRunsByStatusOlderThan(ctx, models.MissionPaused, 0, abandonScanLimit)
	if err != nil {
		slog.Error("Failed to scan paused runs", "error", err)
		return
	}
	for _, run := range runs {
		if run.ResumeAttempts < w.cfg.MaxResumeAttempts || run.HumanInputRequired {
			continue
		}
		if err := w.db.FinishRun(ctx, run.ID, models.MissionAbandoned, "resume attempts exhausted"); err != nil {
			slog.Error("Failed to abandon exhausted run", "run_id", run.ID, "error", err)
			continue
		}
		if err := w.db.UpdateMissionStatus(ctx, run.MissionID, models.MissionAbandoned); err != nil {
			slog.Error("Failed to abandon mission", "mission_id", run.MissionID, "error", err)
		}
		slog.Warn("Run abandoned after exhausting resume attempts",
			"run_id", run.ID, "attempts", run.ResumeAttempts)
		w.metric(ctx, "auto_abandoned", 1, "run "+run.ID)
	}
}

// zombieSweep force-transitions runs stuck far beyond any plausible
// execution: running six hours silent fails, paused a day silent is
// abandoned. Runs on the ten-minute cron independent of the tick loop.
func (w *Watchdog) zombieSweep(ctx context.Context) {
	runs, err := w.db.ListRunsByStatusOlderThan(ctx, models.MissionRunning, config.ZombieRunningAge, 0)
	if err != nil {
		slog.Error("Failed to scan zombie running runs", "error", err)
	} else {
		for _, run := range runs {
			if err := w.db.FinishRun(ctx, run.ID, models.MissionFailed, "zombie: stale for >6h"); err != nil {
				slog.Error("Failed to fail zombie run", "run_id", run.ID, "error", err)
				continue
			}
			if err := w.db.UpdateMissionStatus(ctx, run.MissionID, models.MissionFailed); err != nil {
				slog.Error("Failed to fail zombie mission", "mission_id", run.MissionID, "error", err)
			}
			slog.Warn("Zombie run failed", "run_id", run.ID, "last_update", run.UpdatedAt)
			w.metric(ctx, "zombie_cleaned", 1, "run "+run.ID)
		}
	}

	runs, err = w.db.ListRunsByStatusOlderThan(ctx, models.MissionPaused, config.ZombiePausedAge, 0)
	if err != nil {
		slog.Error("Failed to scan zombie paused runs", "error", err)
		return
	}
	for _, run := range runs {
		if err := w.db.FinishRun(ctx, run.ID, models.MissionAbandoned, "zombie: paused for >24h"); err != nil {
			slog.Error("Failed to abandon zombie run", "run_id", run.ID, "error", err)
			continue
		}
		if err := w.db.UpdateMissionStatus(ctx, run.MissionID, models.MissionAbandoned); err != nil {
			slog.Error("Failed to abandon zombie mission", "mission_id", run.MissionID, "error", err)
		}
		slog.Warn("Zombie paused run abandoned", "run_id", run.ID, "last_update", run.UpdatedAt)
		w.metric(ctx, "zombie_cleaned", 1, "run "+run.ID)
	}
}

// checkDisk shells out df and, past the alert threshold, sweeps
// disposable workspace directories older than the retention age.
func (w *Watchdog) checkDisk(ctx context.Context) {
	if w.sandbox == nil {
		return
	}
	res := w.sandbox.Run(ctx, "df -P /", sandbox.RunOptions{Timeout: config.WatchdogHTTPProbe})
	if res.Failed() {
		slog.Warn("Disk check failed", "rc", res.RC, "stderr", res.Stderr)
		return
	}
	pct, ok := parseDiskUsage(res.Stdout)
	if !ok {
		slog.Warn("Disk check produced unparseable output")
		return
	}
	if pct < w.cfg.DiskAlertPct {
		return
	}
	w.metric(ctx, "disk_alert", float64(pct), "/")
	removed := w.sweepTmp()
	slog.Warn("Disk pressure detected", "usage_pct", pct, "workspaces_removed", removed)
}

// parseDiskUsage extracts the capacity percentage from df -P output.
func parseDiskUsage(out string) (int, bool) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return 0, false
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 5 {
		return 0, false
	}
	pct, err := strconv.Atoi(strings.TrimSuffix(fields[4], "%"))
	if err != nil {
		return 0, false
	}
	return pct, true
}

// sweepTmp removes disposable workspace directories older than the
// retention age. Returns how many were removed.
func (w *Watchdog) sweepTmp() int {
	matches, err := filepath.Glob(w.cfg.TmpPrefix + "*")
	if err != nil {
		return 0
	}
	cutoff := w.now().Add(-w.cfg.TmpMaxAge)
	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("Failed to remove stale workspace", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed
}

// dailyReport condenses the last day into one metric row.
func (w *Watchdog) dailyReport(ctx context.Context) {
	since := w.now().UTC().Truncate(24 * time.Hour)

	var usage store.UsageTotals
	if u, err := w.db.SumUsageSince(ctx, since); err != nil {
		slog.Warn("Daily report: usage aggregation failed", "error", err)
	} else {
		usage = *u
	}
	counts, err := w.db.CountRunsByStatus(ctx)
	if err != nil {
		slog.Warn("Daily report: run count failed", "error", err)
		counts = map[models.MissionStatus]int{}
	}
	incidents, err := w.db.CountOpenIncidents(ctx)
	if err != nil {
		slog.Warn("Daily report: incident count failed", "error", err)
	}

	detail := fmt.Sprintf(
		"llm_calls=%d llm_failed=%d tokens_in=%d tokens_out=%d running=%d paused=%d completed=%d failed=%d open_incidents=%d",
		usage.Calls, usage.Failed, usage.TokensIn, usage.TokensOut,
		counts[models.MissionRunning], counts[models.MissionPaused],
		counts[models.MissionCompleted], counts[models.MissionFailed], incidents)
	w.metric(ctx, "daily_report", float64(counts[models.MissionCompleted]), detail)
	slog.Info("Daily watchdog report", "detail", detail)
}
