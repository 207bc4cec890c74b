// Macaron orchestrator server — exposes the HTTP API, runs the mission
// worker pool, and keeps the watchdog and retention sweeps alive.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/macaron-dev/macaron/pkg/agent"
	"github.com/macaron-dev/macaron/pkg/api"
	"github.com/macaron-dev/macaron/pkg/bus"
	"github.com/macaron-dev/macaron/pkg/cleanup"
	"github.com/macaron-dev/macaron/pkg/config"
	"github.com/macaron-dev/macaron/pkg/evidence"
	"github.com/macaron-dev/macaron/pkg/guard"
	"github.com/macaron-dev/macaron/pkg/guardrails"
	"github.com/macaron-dev/macaron/pkg/llm"
	"github.com/macaron-dev/macaron/pkg/mission"
	"github.com/macaron-dev/macaron/pkg/pattern"
	"github.com/macaron-dev/macaron/pkg/sandbox"
	"github.com/macaron-dev/macaron/pkg/store"
	"github.com/macaron-dev/macaron/pkg/tools"
	"github.com/macaron-dev/macaron/pkg/watchdog"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: config pod_name > POD_ID env > HOSTNAME env > "local"
func resolvePodID(cfg *config.SystemConfig) string {
	if cfg != nil && cfg.PodName != "" {
		return cfg.PodName
	}
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	podID := resolvePodID(cfg.System)
	slog.Info("Starting Macaron",
		"listen_addr", cfg.System.ListenAddr,
		"pod_id", podID,
		"config_dir", *configDir)

	// 2. Connect to PostgreSQL and run migrations
	dbConfig, err := store.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	db, err := store.New(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Seed agent definitions from agents.yaml. Admin API edits win
	// over seeds only for fields the seed leaves empty, so reseeding a
	// replica is idempotent.
	for i := range cfg.AgentSeeds {
		if err := db.UpsertAgent(ctx, &cfg.AgentSeeds[i]); err != nil {
			slog.Error("Failed to seed agent", "agent_id", cfg.AgentSeeds[i].ID, "error", err)
			os.Exit(1)
		}
	}
	slog.Info("Agent definitions seeded", "count", len(cfg.AgentSeeds))

	// 4. Core infrastructure: event bus, sandbox, LLM router
	eventBus := bus.New(bus.DefaultQueueSize)
	sb := sandbox.NewExecutor(cfg.Sandbox)

	router, err := llm.NewRouter(cfg.ProviderRegistry, cfg.LLM, cfg.Defaults, db)
	if err != nil {
		slog.Error("Failed to initialize LLM router", "error", err)
		os.Exit(1)
	}
	slog.Info("LLM router initialized", "providers", router.Providers())

	// 5. Safety layers: tool guardrails + adversarial output guard
	rails := guardrails.New(cfg.Guardrails, db)
	validator := guard.NewValidator(guard.NewReviewer(router, cfg.Guardrails))

	// 6. Agent runtime and pattern engine
	registry := tools.Builtin(sb, db)
	executor := agent.NewExecutor(router, registry, rails, db, cfg.Defaults)
	engine := pattern.New(executor, db, db).WithGuard(validator)

	// 7. Mission orchestration: feedback hooks, evidence gate, worker pool
	feedback := mission.NewFeedback(db,
		getEnv("FEEDBACK_BUG_WORKFLOW", "bug-fix"),
		getEnv("FEEDBACK_DEBT_WORKFLOW", "tech-debt"))
	orchestrator := mission.New(mission.Deps{
		DB:        db,
		Engine:    engine,
		LLM:       router,
		Bus:       eventBus,
		Gate:      evidence.New(sb),
		Sandbox:   sb,
		Workflows: cfg.WorkflowRegistry,
		Patterns:  cfg.PatternRegistry,
		Agents:    db,
		Defaults:  cfg.Defaults,
		Feedback:  feedback,
	})

	pool := mission.NewPool(podID, db, orchestrator, cfg.Queue)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 8. Watchdog and retention sweeps
	dog := watchdog.New(db, cfg.Watchdog, cfg.Queue, sb)
	if err := dog.Start(ctx); err != nil {
		slog.Error("Failed to start watchdog", "error", err)
		os.Exit(1)
	}
	retention := cleanup.NewService(cfg.Retention, db)
	retention.Start(ctx)

	// 9. Config hot reload (non-fatal when the directory cannot be watched)
	watcher, err := config.NewWatcher(cfg)
	if err != nil {
		slog.Warn("Config hot reload disabled", "error", err)
	} else {
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	// 10. HTTP server (non-blocking)
	httpServer := api.NewServer(api.Deps{
		Config:     cfg,
		DB:         db,
		Pool:       pool,
		Bus:        eventBus,
		Guardrails: rails,
		Feedback:   feedback,
		LLM:        router,
	})
	errCh := make(chan error, 1)
	go func() {
		addr := cfg.System.ListenAddr
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Macaron started successfully",
		"pod_id", podID,
		"workers", cfg.Queue.WorkerCount)

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown: background services first, then the pool
	// (active runs park themselves as paused), then HTTP.
	retention.Stop()
	dog.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded — interrupted runs will be auto-resumed")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
