package config

import "time"

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// SessionRetentionDays is how many days to keep completed sessions
	// before soft-deleting them.
	SessionRetentionDays int `yaml:"session_retention_days"`

	// MetricsRetentionDays is how long endurance metric samples survive.
	MetricsRetentionDays int `yaml:"metrics_retention_days"`

	// CleanupInterval is how often the retention sweep runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		SessionRetentionDays: 365,
		MetricsRetentionDays: 90,
		CleanupInterval:      12 * time.Hour,
	}
}
