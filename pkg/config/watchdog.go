package config

import "time"

// WatchdogConfig controls stall detection, stale-session recovery,
// auto-resume, and zombie cleanup cadences.
type WatchdogConfig struct {
	// CheckInterval is the base tick of the watchdog loop.
	CheckInterval time.Duration `yaml:"check_interval"`

	// PhaseStallThreshold is how long a running mission may go without a
	// phase transition before the watchdog retries it.
	PhaseStallThreshold time.Duration `yaml:"phase_stall_threshold"`

	// SessionStaleThreshold is how long an active session may go without a
	// new message before it is interrupted and its run paused.
	SessionStaleThreshold time.Duration `yaml:"session_stale_threshold"`

	// ResumeInterval is how often paused runs are considered for resume.
	ResumeInterval time.Duration `yaml:"resume_interval"`

	// ResumeBatchSize caps resumes per cycle.
	ResumeBatchSize int `yaml:"resume_batch_size"`

	// MaxResumeAttempts is the lifetime resume budget of one run.
	MaxResumeAttempts int `yaml:"max_resume_attempts"`

	// MaxStallRetries caps retry POSTs per cycle.
	MaxStallRetries int `yaml:"max_stall_retries"`

	// DiskAlertPct is the root filesystem usage percentage that triggers
	// the temp-dir sweep.
	DiskAlertPct int `yaml:"disk_alert_pct"`

	// TmpPrefix is the glob prefix of disposable workspace directories.
	TmpPrefix string `yaml:"tmp_prefix"`

	// TmpMaxAge is how old a temp dir must be before the disk sweep
	// deletes it.
	TmpMaxAge time.Duration `yaml:"tmp_max_age"`

	// HealthURL is probed each cycle with a short timeout.
	HealthURL string `yaml:"health_url"`

	// RetryURL is the mission retry endpoint template; %s is the mission id.
	RetryURL string `yaml:"retry_url"`

	// LLMStatsURL is the LLM health endpoint probed every fifth cycle.
	LLMStatsURL string `yaml:"llm_stats_url"`
}

// ResumeBackoff is the per-attempt delay before a paused run becomes
// eligible for auto-resume. Index = resume_attempts so far.
var ResumeBackoff = []time.Duration{
	0,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	60 * time.Minute,
}

// Zombie thresholds. Runs stuck beyond these ages are force-transitioned
// by the ten-minute sweep regardless of other state.
const (
	ZombieRunningAge   = 6 * time.Hour
	ZombieHardAge      = 48 * time.Hour
	ZombiePausedAge    = 24 * time.Hour
	ZombieSweepSpec    = "@every 10m"
	DailyReportCron    = "0 0 * * *" // UTC midnight
	WatchdogHTTPProbe  = 5 * time.Second
	EvidenceCommandCap = 60 * time.Second
)

// DefaultWatchdogConfig returns the built-in watchdog defaults.
func DefaultWatchdogConfig() *WatchdogConfig {
	return &WatchdogConfig{
		CheckInterval:         60 * time.Second,
		PhaseStallThreshold:   900 * time.Second,
		SessionStaleThreshold: 1800 * time.Second,
		ResumeInterval:        300 * time.Second,
		ResumeBatchSize:       5,
		MaxResumeAttempts:     5,
		MaxStallRetries:       3,
		DiskAlertPct:          90,
		TmpPrefix:             "/tmp/macaron_",
		TmpMaxAge:             7 * 24 * time.Hour,
		HealthURL:             "http://localhost:8080/healthz",
		RetryURL:              "http://localhost:8080/api/missions/%s/retry",
		LLMStatsURL:           "http://localhost:8080/api/llm/stats",
	}
}
