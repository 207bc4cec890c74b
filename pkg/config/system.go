package config

// SystemConfig groups system-wide infrastructure settings.
type SystemConfig struct {
	// ListenAddr is the HTTP server bind address.
	ListenAddr string `yaml:"listen_addr"`

	// DashboardURL is the UI base URL, used in CDP announcements.
	DashboardURL string `yaml:"dashboard_url"`

	// PodName identifies this replica when claiming runs. Empty falls
	// back to the HOSTNAME environment variable at bootstrap.
	PodName string `yaml:"pod_name"`
}

// DefaultSystemConfig returns the built-in system defaults.
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		ListenAddr:   ":8080",
		DashboardURL: "http://localhost:5173",
	}
}
