package config

import "time"

// QueueConfig controls how mission runs are polled, claimed, and processed
// by the worker pool.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per replica/pod.
	// Each worker independently polls and claims pending runs.
	WorkerCount int `yaml:"worker_count"`

	// MaxConcurrentRuns is the global limit of runs being processed across
	// ALL replicas. Enforced by a database COUNT(*) check at claim time.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// PollInterval is the base interval for checking pending runs.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// RunTimeout is the maximum wall time for one mission run.
	RunTimeout time.Duration `yaml:"run_timeout"`

	// GracefulShutdownTimeout is the max time to wait for active runs to
	// complete during shutdown. Should match RunTimeout.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// HeartbeatInterval is how often a claimed run refreshes updated_at so
	// the watchdog can tell live runs from stalled ones.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             5,
		MaxConcurrentRuns:       10,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		RunTimeout:              2 * time.Hour,
		GracefulShutdownTimeout: 2 * time.Hour,
		HeartbeatInterval:       30 * time.Second,
	}
}
