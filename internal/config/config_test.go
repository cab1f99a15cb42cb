package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
backend:
  name: garden
  command: [node, server.js]
  working_dir: /srv/garden
  env:
    PORT: "3000"
  stop_timeout: 15s
  kill_timeout: 1s
  startup_probe: 0s
  log_lines: 200
  spawn_limit:
    interval: 2s
    burst: 3
http:
  addr: 0.0.0.0:8000
  socket: /tmp/tether-test.sock
page:
  title: Grow a Garden Stock Tracker
  links:
    - label: Stock Data API
      href: /api/stock
state_dir: /var/lib/tether
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	b := cfg.Backend
	if b.Name != "garden" {
		t.Errorf("Name = %q, want garden", b.Name)
	}
	if strings.Join(b.Command, " ") != "node server.js" {
		t.Errorf("Command = %v, want [node server.js]", b.Command)
	}
	if b.WorkingDir != "/srv/garden" {
		t.Errorf("WorkingDir = %q, want /srv/garden", b.WorkingDir)
	}
	if b.Env["PORT"] != "3000" {
		t.Errorf("Env[PORT] = %q, want 3000", b.Env["PORT"])
	}
	if b.StopTimeout.Duration != 15*time.Second {
		t.Errorf("StopTimeout = %v, want 15s", b.StopTimeout.Duration)
	}
	if b.KillTimeout.Duration != time.Second {
		t.Errorf("KillTimeout = %v, want 1s", b.KillTimeout.Duration)
	}
	if b.StartupProbe.Duration != 0 {
		t.Errorf("StartupProbe = %v, want explicit 0", b.StartupProbe.Duration)
	}
	if b.LogLines != 200 {
		t.Errorf("LogLines = %d, want 200", b.LogLines)
	}
	if b.SpawnLimit == nil || b.SpawnLimit.Interval.Duration != 2*time.Second || b.SpawnLimit.Burst != 3 {
		t.Errorf("SpawnLimit = %+v, want 2s/3", b.SpawnLimit)
	}
	if cfg.HTTP.Addr != "0.0.0.0:8000" {
		t.Errorf("HTTP.Addr = %q", cfg.HTTP.Addr)
	}
	if cfg.HTTP.Socket != "/tmp/tether-test.sock" {
		t.Errorf("HTTP.Socket = %q", cfg.HTTP.Socket)
	}
	if cfg.Page.Title != "Grow a Garden Stock Tracker" {
		t.Errorf("Page.Title = %q", cfg.Page.Title)
	}
	if len(cfg.Page.Links) != 1 || cfg.Page.Links[0].Href != "/api/stock" {
		t.Errorf("Page.Links = %+v", cfg.Page.Links)
	}
	if cfg.StateDir != "/var/lib/tether" {
		t.Errorf("StateDir = %q", cfg.StateDir)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
backend:
  command: [sleep, "60"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b := cfg.Backend
	if b.Name != "backend" {
		t.Errorf("Name = %q, want default 'backend'", b.Name)
	}
	if b.StopTimeout.Duration != 10*time.Second {
		t.Errorf("StopTimeout = %v, want 10s", b.StopTimeout.Duration)
	}
	if b.KillTimeout.Duration != 2*time.Second {
		t.Errorf("KillTimeout = %v, want 2s", b.KillTimeout.Duration)
	}
	if b.StartupProbe.Duration != 200*time.Millisecond {
		t.Errorf("StartupProbe = %v, want 200ms", b.StartupProbe.Duration)
	}
	if b.SpawnLimit != nil {
		t.Errorf("SpawnLimit = %+v, want nil", b.SpawnLimit)
	}
	if cfg.HTTP.Addr != "127.0.0.1:8080" {
		t.Errorf("HTTP.Addr = %q, want default", cfg.HTTP.Addr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if len(cfg.Backend.Command) != 0 {
		t.Errorf("Command = %v, want empty", cfg.Backend.Command)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation to require a backend command")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Addr != "127.0.0.1:8080" {
		t.Errorf("HTTP.Addr = %q, want default", cfg.HTTP.Addr)
	}
}

func TestLoadCommentsOnly(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `# backend:
#   command: [node, server.js]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Backend.Command) != 0 {
		t.Errorf("Command = %v, want empty", cfg.Backend.Command)
	}
}

func TestLoadRelativeWorkingDir(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
backend:
  command: [node, server.js]
  working_dir: app
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := filepath.Join(filepath.Dir(path), "app")
	if cfg.Backend.WorkingDir != want {
		t.Errorf("WorkingDir = %q, want %q", cfg.Backend.WorkingDir, want)
	}
}

func TestLoadExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	path := writeConfig(t, `
backend:
  command: [node]
state_dir: ~/garden-state
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(home, "garden-state"); cfg.StateDir != want {
		t.Errorf("StateDir = %q, want %q", cfg.StateDir, want)
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
backend:
  command: [node]
  stop_timeout: soon
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no command", func(c *Config) { c.Backend.Command = nil }, "backend.command"},
		{"blank executable", func(c *Config) { c.Backend.Command = []string{" "} }, "backend.command"},
		{"negative stop timeout", func(c *Config) { c.Backend.StopTimeout.Duration = -time.Second }, "stop_timeout"},
		{"negative kill timeout", func(c *Config) { c.Backend.KillTimeout.Duration = -time.Second }, "kill_timeout"},
		{"negative probe", func(c *Config) { c.Backend.StartupProbe.Duration = -time.Second }, "startup_probe"},
		{"zero spawn interval", func(c *Config) { c.Backend.SpawnLimit = &SpawnLimit{Burst: 1} }, "spawn_limit.interval"},
		{"zero spawn burst", func(c *Config) {
			c.Backend.SpawnLimit = &SpawnLimit{Interval: Duration{time.Second}}
		}, "spawn_limit.burst"},
		{"no addr", func(c *Config) { c.HTTP.Addr = "" }, "http.addr"},
		{"link without href", func(c *Config) { c.Page.Links = []Link{{Label: "x"}} }, "href"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Backend.Command = []string{"node", "server.js"}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEnvList(t *testing.T) {
	t.Parallel()
	b := Backend{Env: map[string]string{"PORT": "3000", "NODE_ENV": "production"}}

	env := b.EnvList([]string{"PATH=/usr/bin"})
	want := []string{"PATH=/usr/bin", "NODE_ENV=production", "PORT=3000"}
	if strings.Join(env, ",") != strings.Join(want, ",") {
		t.Errorf("EnvList = %v, want %v", env, want)
	}
}
