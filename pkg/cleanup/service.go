// Package cleanup enforces data retention: settled sessions are
// soft-deleted after their retention window and old endurance metric
// samples are pruned. All sweeps are idempotent and safe to run from
// multiple pods.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/macaron-dev/macaron/pkg/config"
)

// Store is the persistence slice the retention sweeps need.
type Store interface {
	SoftDeleteSessionsOlderThan(ctx context.Context, age time.Duration) (int64, error)
	PruneEndurance(ctx context.Context, age time.Duration) (int64, error)
}

// Service runs the retention sweeps on a fixed interval.
type Service struct {
	cfg *config.RetentionConfig
	db  Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService builds a retention service. A nil cfg takes the built-in
// defaults.
func NewService(cfg *config.RetentionConfig, db Store) *Service {
	if cfg == nil {
		cfg = config.DefaultRetentionConfig()
	}
	return &Service{cfg: cfg, db: db}
}

// Start launches the background retention loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention service started",
		"session_retention_days", s.cfg.SessionRetentionDays,
		"metrics_retention_days", s.cfg.MetricsRetentionDays,
		"interval", s.cfg.CleanupInterval)
}

// Stop signals the retention loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.softDeleteOldSessions(ctx)
	s.pruneMetrics(ctx)
}

func (s *Service) softDeleteOldSessions(ctx context.Context) {
	age := time.Duration(s.cfg.SessionRetentionDays) * 24 * time.Hour
	count, err := s.db.SoftDeleteSessionsOlderThan(ctx, age)
	if err != nil {
		slog.Error("Retention: soft-delete sessions failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: soft-deleted old sessions", "count", count)
	}
}

func (s *Service) pruneMetrics(ctx context.Context) {
	age := time.Duration(s.cfg.MetricsRetentionDays) * 24 * time.Hour
	count, err := s.db.PruneEndurance(ctx, age)
	if err != nil {
		slog.Error("Retention: metrics prune failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned endurance metrics", "count", count)
	}
}
