package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"OPEVA_SERVER", "WORKER_ID", "OPEVA_SHARED_DIR", "WORKER_IMAGE",
		"OPEVA_JOURNAL_PATH", "OPEVA_POSTGRES_DSN", "LOG_LEVEL",
		"WORKER_EXIT_AFTER_JOB", "POLL_INTERVAL", "WORKER_HEARTBEAT_INTERVAL",
		"STATUS_POLL_INTERVAL", "WORKER_STOP_GRACE",
	} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.ServerURL != "http://localhost:8000" {
		t.Errorf("server url: %q", cfg.ServerURL)
	}
	if cfg.SharedDir != "/opt/opeva_shared_data" {
		t.Errorf("shared dir: %q", cfg.SharedDir)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("poll interval: %v", cfg.PollInterval)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat interval: %v", cfg.HeartbeatInterval)
	}
	if cfg.StatusPollInterval != 10*time.Second {
		t.Errorf("status poll interval: %v", cfg.StatusPollInterval)
	}
}

func TestLoadFallsBackToHostname(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	host, _ := os.Hostname()
	if cfg.WorkerID != host {
		t.Errorf("expected hostname worker id %q, got %q", host, cfg.WorkerID)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "agent.yaml")
	const data = `
server_url: http://backend:9000
worker_id: sim-7
poll_interval: 2
heartbeat_interval: 1m
exit_after_job: true
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerURL != "http://backend:9000" {
		t.Errorf("server url: %q", cfg.ServerURL)
	}
	if cfg.WorkerID != "sim-7" {
		t.Errorf("worker id: %q", cfg.WorkerID)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("poll interval: %v", cfg.PollInterval)
	}
	if cfg.HeartbeatInterval != time.Minute {
		t.Errorf("heartbeat interval: %v", cfg.HeartbeatInterval)
	}
	if !cfg.ExitAfterJob {
		t.Error("exit_after_job not applied")
	}
	// Fields the file omits keep their defaults.
	if cfg.Image != DefaultImage {
		t.Errorf("image: %q", cfg.Image)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte("worker_id: from-file\npoll_interval: 9\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WORKER_ID", "from-env")
	t.Setenv("POLL_INTERVAL", "3")
	t.Setenv("WORKER_EXIT_AFTER_JOB", "yes")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkerID != "from-env" {
		t.Errorf("worker id: %q", cfg.WorkerID)
	}
	if cfg.PollInterval != 3*time.Second {
		t.Errorf("poll interval: %v", cfg.PollInterval)
	}
	if !cfg.ExitAfterJob {
		t.Error("WORKER_EXIT_AFTER_JOB not applied")
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestParseInterval(t *testing.T) {
	cases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "30s", want: 30 * time.Second},
		{in: "1m", want: time.Minute},
		{in: "5", want: 5 * time.Second},
		{in: "2.5", want: 2500 * time.Millisecond},
		{in: "0", want: 0},
		{in: " 10 ", want: 10 * time.Second},
		{in: "", wantErr: true},
		{in: "-3", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseInterval(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseInterval(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseInterval(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseInterval(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.WorkerID = "w1"
		return cfg
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing server", func(c *Config) { c.ServerURL = "" }},
		{"missing worker id", func(c *Config) { c.WorkerID = "" }},
		{"missing shared dir", func(c *Config) { c.SharedDir = "" }},
		{"missing image", func(c *Config) { c.Image = "" }},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }},
		{"negative heartbeat", func(c *Config) { c.HeartbeatInterval = -time.Second }},
		{"negative status poll", func(c *Config) { c.StatusPollInterval = -time.Second }},
		{"zero stop grace", func(c *Config) { c.StopGrace = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidateAllowsDisabledIntervals(t *testing.T) {
	cfg := Default()
	cfg.WorkerID = "w1"
	cfg.HeartbeatInterval = 0
	cfg.StatusPollInterval = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("zero intervals must validate: %v", err)
	}
}

func TestEnvFlag(t *testing.T) {
	for _, v := range []string{"1", "true", "YES", " on "} {
		if !envFlag(v) {
			t.Errorf("envFlag(%q) = false", v)
		}
	}
	for _, v := range []string{"0", "false", "no", "", "maybe"} {
		if envFlag(v) {
			t.Errorf("envFlag(%q) = true", v)
		}
	}
}
