// Package config loads the monitor configuration from a YAML file with
// sensible defaults for a testrack deployment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "10m" (or plain nanosecond integers).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: invalid duration value")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library form.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the monitor's static configuration.
type Config struct {
	// DataDir holds the persistent store and runtime scratch files.
	DataDir string `yaml:"data_dir"`
	// SandboxerPath is the bubblewrap-compatible sandboxer binary.
	SandboxerPath string `yaml:"sandboxer_path"`
	// I2CDevice is the adapter the switching fabric hangs off.
	I2CDevice string `yaml:"i2c_device"`
	// ProbeCLIPath is the probe library's command line tool, used for
	// enumeration and the pre-flash pass.
	ProbeCLIPath string `yaml:"probe_cli_path"`

	// RunnerDeadline bounds a whole test run wall-clock.
	RunnerDeadline Duration `yaml:"runner_deadline"`
	// CancelGrace is the window between withdrawing a run and SIGKILL.
	CancelGrace Duration `yaml:"cancel_grace"`
	// TestTimeout is a per-test timeout setting. It is loaded and validated
	// but not passed to runners: they use runner.DefaultTestTimeout unless a
	// test sets its own timeout.
	TestTimeout Duration `yaml:"test_timeout"`

	// TaskQueueDepth bounds queued tasks; zero means unbounded.
	TaskQueueDepth int `yaml:"task_queue_depth"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:        "/var/lib/hive",
		SandboxerPath:  "/usr/bin/bwrap",
		I2CDevice:      "/dev/i2c-1",
		ProbeCLIPath:   "/usr/bin/probe-rs",
		RunnerDeadline: Duration(30 * time.Minute),
		CancelGrace:    Duration(2 * time.Second),
		TestTimeout:    Duration(30 * time.Second),
		TaskQueueDepth: 0,
		LogLevel:       "info",
	}
}

// Load reads a config file over the defaults. A missing path yields the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	if c.RunnerDeadline <= 0 {
		return fmt.Errorf("config: runner_deadline must be positive")
	}
	if c.CancelGrace <= 0 {
		return fmt.Errorf("config: cancel_grace must be positive")
	}
	if c.TestTimeout <= 0 {
		return fmt.Errorf("config: test_timeout must be positive")
	}
	if c.TaskQueueDepth < 0 {
		return fmt.Errorf("config: task_queue_depth must not be negative")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}

// StorePath is the bbolt file inside the data directory.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "hive.db")
}

// RunnerDir is where uploaded runner binaries are staged.
func (c *Config) RunnerDir() string {
	return filepath.Join(c.DataDir, "runners")
}

// WorkDir is the runner's sandboxed working directory.
func (c *Config) WorkDir() string {
	return filepath.Join(c.DataDir, "workdir")
}

// SeccompListPath is where the syscall allow-list is written for the
// sandboxer.
func (c *Config) SeccompListPath() string {
	return filepath.Join(c.DataDir, "seccomp.allow")
}
