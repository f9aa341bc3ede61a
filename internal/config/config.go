// Package config holds the process-wide worker identity: who this worker
// is, where the shared data lives, which image it runs, and the three
// interval settings. The struct is built once at startup and passed by
// reference to every component; nothing mutates it afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults match the standard deployment.
const (
	DefaultServerURL = "http://localhost:8000"
	DefaultSharedDir = "/opt/opeva_shared_data"
	DefaultImage     = "calof/opeva_simulator:latest"
)

// Config is the worker identity plus runtime tuning.
//
// A HeartbeatInterval of 0 disables the heartbeat timer only; the
// out-of-band heartbeat after each job still fires. A StatusPollInterval
// of 0 disables cooperative cancellation checks only.
type Config struct {
	ServerURL string
	WorkerID  string
	SharedDir string
	Image     string

	PollInterval       time.Duration
	HeartbeatInterval  time.Duration
	StatusPollInterval time.Duration

	// StopGrace is how long a container gets between the termination
	// signal and the force kill when it is stopped.
	StopGrace time.Duration

	// ExitAfterJob stops the agent once the current (or next) job
	// completes instead of returning to polling.
	ExitAfterJob bool

	// JournalPath is the sqlite file for the local job-run journal.
	// Empty disables the journal. PostgresDSN, when set, switches the
	// journal to Postgres and takes precedence over JournalPath.
	JournalPath string
	PostgresDSN string

	LogLevel string
}

// Default returns the standard deployment configuration. WorkerID is
// left empty; Load falls back to the hostname.
func Default() *Config {
	return &Config{
		ServerURL:          DefaultServerURL,
		SharedDir:          DefaultSharedDir,
		Image:              DefaultImage,
		PollInterval:       5 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		StatusPollInterval: 10 * time.Second,
		StopGrace:          10 * time.Second,
		LogLevel:           "info",
	}
}

// fileConfig is the YAML shape. Intervals accept either a Go duration
// string ("30s") or a bare number of seconds ("30"), matching the
// environment-variable convention.
type fileConfig struct {
	ServerURL          *string `yaml:"server_url"`
	WorkerID           *string `yaml:"worker_id"`
	SharedDir          *string `yaml:"shared_dir"`
	Image              *string `yaml:"image"`
	PollInterval       *string `yaml:"poll_interval"`
	HeartbeatInterval  *string `yaml:"heartbeat_interval"`
	StatusPollInterval *string `yaml:"status_poll_interval"`
	StopGrace          *string `yaml:"stop_grace"`
	ExitAfterJob       *bool   `yaml:"exit_after_job"`
	JournalPath        *string `yaml:"journal_path"`
	PostgresDSN        *string `yaml:"postgres_dsn"`
	LogLevel           *string `yaml:"log_level"`
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and OPEVA_* environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if err := cfg.applyFile(&fc); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("worker_id not set and hostname unavailable: %w", err)
		}
		cfg.WorkerID = host
	}

	return cfg, nil
}

func (c *Config) applyFile(fc *fileConfig) error {
	setString(&c.ServerURL, fc.ServerURL)
	setString(&c.WorkerID, fc.WorkerID)
	setString(&c.SharedDir, fc.SharedDir)
	setString(&c.Image, fc.Image)
	setString(&c.JournalPath, fc.JournalPath)
	setString(&c.PostgresDSN, fc.PostgresDSN)
	setString(&c.LogLevel, fc.LogLevel)
	if fc.ExitAfterJob != nil {
		c.ExitAfterJob = *fc.ExitAfterJob
	}
	for _, iv := range []struct {
		name string
		src  *string
		dst  *time.Duration
	}{
		{"poll_interval", fc.PollInterval, &c.PollInterval},
		{"heartbeat_interval", fc.HeartbeatInterval, &c.HeartbeatInterval},
		{"status_poll_interval", fc.StatusPollInterval, &c.StatusPollInterval},
		{"stop_grace", fc.StopGrace, &c.StopGrace},
	} {
		if iv.src == nil {
			continue
		}
		d, err := ParseInterval(*iv.src)
		if err != nil {
			return fmt.Errorf("config %s: %w", iv.name, err)
		}
		*iv.dst = d
	}
	return nil
}

func (c *Config) applyEnv() error {
	envString(&c.ServerURL, "OPEVA_SERVER")
	envString(&c.WorkerID, "WORKER_ID")
	envString(&c.SharedDir, "OPEVA_SHARED_DIR")
	envString(&c.Image, "WORKER_IMAGE")
	envString(&c.JournalPath, "OPEVA_JOURNAL_PATH")
	envString(&c.PostgresDSN, "OPEVA_POSTGRES_DSN")
	envString(&c.LogLevel, "LOG_LEVEL")
	if v, ok := os.LookupEnv("WORKER_EXIT_AFTER_JOB"); ok {
		c.ExitAfterJob = envFlag(v)
	}
	for _, iv := range []struct {
		name string
		dst  *time.Duration
	}{
		{"POLL_INTERVAL", &c.PollInterval},
		{"WORKER_HEARTBEAT_INTERVAL", &c.HeartbeatInterval},
		{"STATUS_POLL_INTERVAL", &c.StatusPollInterval},
		{"WORKER_STOP_GRACE", &c.StopGrace},
	} {
		v, ok := os.LookupEnv(iv.name)
		if !ok || v == "" {
			continue
		}
		d, err := ParseInterval(v)
		if err != nil {
			return fmt.Errorf("env %s: %w", iv.name, err)
		}
		*iv.dst = d
	}
	return nil
}

// Validate checks that the identity is complete and the intervals make
// sense. Zero is a valid value only for the two intervals whose zero
// means "disabled".
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server url is required")
	}
	if c.WorkerID == "" {
		return fmt.Errorf("worker id is required")
	}
	if c.SharedDir == "" {
		return fmt.Errorf("shared dir is required")
	}
	if c.Image == "" {
		return fmt.Errorf("image is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("heartbeat_interval must not be negative")
	}
	if c.StatusPollInterval < 0 {
		return fmt.Errorf("status_poll_interval must not be negative")
	}
	if c.StopGrace <= 0 {
		return fmt.Errorf("stop_grace must be positive")
	}
	return nil
}

// ParseInterval parses either a Go duration string ("45s", "1m") or a
// bare number of seconds ("5", "2.5").
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty interval")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	if secs < 0 {
		return 0, fmt.Errorf("negative interval %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func envString(dst *string, name string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

// envFlag interprets the usual truthy spellings.
func envFlag(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
