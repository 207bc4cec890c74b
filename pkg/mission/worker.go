package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/macaron-dev/macaron/pkg/config"
	"github.com/macaron-dev/macaron/pkg/models"
	"github.com/macaron-dev/macaron/pkg/store"
)

// errAtCapacity signals the global concurrent-run limit is reached.
var errAtCapacity = errors.New("max concurrent runs reached")

// Runner executes one claimed run to a terminal or paused status.
// *Orchestrator satisfies it.
type Runner interface {
	Execute(ctx context.Context, run *models.MissionRun) error
}

// WorkerStore is the persistence slice the pool needs for claiming and
// heartbeating runs.
type WorkerStore interface {
	ClaimNextRun(ctx context.Context, podID string) (*models.MissionRun, error)
	CountActiveRuns(ctx context.Context) (int, error)
	TouchRun(ctx context.Context, id string) error
	FinishRun(ctx context.Context, id string, status models.MissionStatus, errMsg string) error
	RecoverOrphanRuns(ctx context.Context, podID string, heartbeatTimeout time.Duration) ([]string, error)
}

// Pool runs a fixed set of workers that poll for pending runs, claim
// them with SKIP LOCKED, and execute them through the Runner. Claimed
// runs heartbeat so the watchdog can spot stalls.
type Pool struct {
	podID  string
	db     WorkerStore
	runner Runner
	cfg    *config.QueueConfig

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.RWMutex
	active  map[string]context.CancelFunc
	started bool
	claimed int
}

// NewPool builds a worker pool. A nil cfg takes the built-in defaults.
func NewPool(podID string, db WorkerStore, runner Runner, cfg *config.QueueConfig) *Pool {
	if cfg == nil {
		cfg = config.DefaultQueueConfig()
	}
	return &Pool{
		podID:  podID,
		db:     db,
		runner: runner,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		active: make(map[string]context.CancelFunc),
	}
}

// Start recovers this pod's orphaned runs, then spawns the workers.
// Safe to call once; duplicate calls are no-ops.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		slog.Warn("Worker pool already started", "pod_id", p.podID)
		return nil
	}
	p.started = true
	p.mu.Unlock()

	// Runs this pod claimed before a crash go back to pending so any
	// replica can pick them up. Stale-heartbeat runs from dead pods are
	// swept too.
	recovered, err := p.db.RecoverOrphanRuns(ctx, p.podID, 3*p.cfg.HeartbeatInterval)
	if err != nil {
		slog.Error("Orphan recovery failed on startup", "pod_id", p.podID, "error", err)
	} else if len(recovered) > 0 {
		slog.Info("Recovered orphan runs", "pod_id", p.podID, "run_ids", recovered)
	}

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.cfg.WorkerCount)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		p.wg.Add(1)
		go p.run(ctx, workerID)
	}
	return nil
}

// Stop signals the workers and waits for in-flight runs to finish, up
// to the graceful shutdown timeout. Runs still going after that keep
// their context cancelled and pause themselves.
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool", "pod_id", p.podID, "active_runs", p.Active())
	p.stopOnce.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Worker pool stopped")
	case <-time.After(p.cfg.GracefulShutdownTimeout):
		slog.Warn("Worker pool shutdown timed out, cancelling active runs")
		p.cancelAll()
		<-done
	}
}

// CancelRun cancels a run executing on this pod. Returns false when the
// run is not held here.
func (p *Pool) CancelRun(runID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.active[runID]; ok {
		cancel()
		return true
	}
	return false
}

// Active returns how many runs this pod is currently executing.
func (p *Pool) Active() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.active)
}

// Processed returns how many runs this pod has claimed since start.
func (p *Pool) Processed() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.claimed
}

func (p *Pool) cancelAll() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, cancel := range p.active {
		cancel()
	}
}

func (p *Pool) register(runID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[runID] = cancel
	p.claimed++
}

func (p *Pool) unregister(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, runID)
}

// run is one worker's poll loop.
func (p *Pool) run(ctx context.Context, workerID string) {
	defer p.wg.Done()

	log := slog.With("worker_id", workerID, "pod_id", p.podID)
	log.Info("Worker started")

	for {
		select {
		case <-p.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := p.pollAndProcess(ctx, workerID); err != nil {
				if errors.Is(err, store.ErrNoRunsAvailable) || errors.Is(err, errAtCapacity) {
					p.sleep(p.pollInterval())
					continue
				}
				log.Error("Run processing error", "error", err)
				p.sleep(time.Second)
			}
		}
	}
}

// sleep waits for d or until stop is signalled.
func (p *Pool) sleep(d time.Duration) {
	select {
	case <-p.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks global capacity, claims one run, and executes
// it with a timeout, a cancel registration, and a heartbeat.
func (p *Pool) pollAndProcess(ctx context.Context, workerID string) error {
	// Best-effort global check; racy across workers but bounded by
	// WorkerCount and smoothed by poll jitter.
	active, err := p.db.CountActiveRuns(ctx)
	if err != nil {
		return fmt.Errorf("failed to count active runs: %w", err)
	}
	if active >= p.cfg.MaxConcurrentRuns {
		return errAtCapacity
	}

	run, err := p.db.ClaimNextRun(ctx, p.podID)
	if err != nil {
		return err
	}

	log := slog.With("run_id", run.ID, "worker_id", workerID)
	log.Info("Run claimed", "mission_id", run.MissionID)

	runCtx, cancelRun := context.WithTimeout(ctx, p.cfg.RunTimeout)
	defer cancelRun()
	p.register(run.ID, cancelRun)
	defer p.unregister(run.ID)

	heartbeatCtx, stopHeartbeat := context.WithCancel(runCtx)
	defer stopHeartbeat()
	go p.heartbeat(heartbeatCtx, run.ID)

	execErr := p.runner.Execute(runCtx, run)
	stopHeartbeat()

	switch {
	case execErr == nil:
		log.Info("Run processing complete")
	case errors.Is(execErr, context.Canceled) || errors.Is(execErr, context.DeadlineExceeded):
		// The orchestrator already parked the run as paused; the
		// watchdog resumes it.
		log.Info("Run interrupted", "cause", execErr)
	default:
		log.Error("Run failed before the phase loop", "error", execErr)
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := p.db.FinishRun(bg, run.ID, models.MissionFailed, execErr.Error()); err != nil {
			log.Error("Failed to record run failure", "error", err)
		}
	}
	return nil
}

// heartbeat refreshes the run's updated_at so the watchdog can tell a
// live run from a stalled one.
func (p *Pool) heartbeat(ctx context.Context, runID string) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.db.TouchRun(ctx, runID); err != nil {
				slog.Warn("Heartbeat update failed", "run_id", runID, "error", err)
			}
		}
	}
}

// pollInterval returns the poll duration with jitter in
// [base-jitter, base+jitter].
func (p *Pool) pollInterval() time.Duration {
	base := p.cfg.PollInterval
	jitter := p.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}
