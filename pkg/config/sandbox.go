package config

import "time"

// SandboxMode selects how agent subprocesses are executed.
type SandboxMode string

const (
	SandboxDirect SandboxMode = "direct"
	SandboxDocker SandboxMode = "docker"
)

// SandboxConfig controls subprocess execution for tool calls and evidence
// checks.
type SandboxConfig struct {
	// Mode is direct or docker. Docker wraps each command in a disposable
	// container; when the docker binary is missing the sandbox falls back
	// to direct execution with a warning.
	Mode SandboxMode `yaml:"mode"`

	// Image is the container image used in docker mode.
	Image string `yaml:"image"`

	// Network is the docker network mode (none, bridge, host).
	Network string `yaml:"network"`

	// Memory is the container memory limit (docker syntax, e.g. "1g").
	Memory string `yaml:"memory"`

	// CPUs is the container CPU quota.
	CPUs float64 `yaml:"cpus"`

	// DefaultTimeout bounds a tool subprocess when the caller passes none.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// DockerExtraTimeout is added to the inner timeout so the container
	// teardown has room before the outer kill fires.
	DockerExtraTimeout time.Duration `yaml:"docker_extra_timeout"`
}

// DefaultSandboxConfig returns the built-in sandbox defaults.
func DefaultSandboxConfig() *SandboxConfig {
	return &SandboxConfig{
		Mode:               SandboxDirect,
		Image:              "macaron-sandbox:latest",
		Network:            "none",
		Memory:             "1g",
		CPUs:               1,
		DefaultTimeout:     300 * time.Second,
		DockerExtraTimeout: 10 * time.Second,
	}
}
