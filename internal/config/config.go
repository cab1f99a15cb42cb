package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds tether configuration loaded from ~/.tether/config.yaml.
type Config struct {
	Backend  Backend `yaml:"backend"`
	HTTP     HTTP    `yaml:"http"`
	Page     Page    `yaml:"page"`
	StateDir string  `yaml:"state_dir"`
}

// Backend describes the one process tether keeps alive.
type Backend struct {
	Name         string            `yaml:"name"`
	Command      []string          `yaml:"command"`
	WorkingDir   string            `yaml:"working_dir,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	StopTimeout  Duration          `yaml:"stop_timeout"`
	KillTimeout  Duration          `yaml:"kill_timeout"`
	StartupProbe Duration          `yaml:"startup_probe"`
	LogLines     int               `yaml:"log_lines"`
	SpawnLimit   *SpawnLimit       `yaml:"spawn_limit,omitempty"`
}

// SpawnLimit caps how often a crashing backend may be respawned.
type SpawnLimit struct {
	Interval Duration `yaml:"interval"`
	Burst    int      `yaml:"burst"`
}

type HTTP struct {
	Addr   string `yaml:"addr"`
	Socket string `yaml:"socket,omitempty"` // control API; empty disables it
}

type Page struct {
	Title string `yaml:"title"`
	Links []Link `yaml:"links,omitempty"`
}

type Link struct {
	Label string `yaml:"label"`
	Href  string `yaml:"href"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "10s", "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Home returns ~/.tether, or "." if the home directory is unknown.
func Home() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".tether")
}

// DefaultPath returns the default config file path: ~/.tether/config.yaml.
func DefaultPath() string {
	return filepath.Join(Home(), "config.yaml")
}

// Default returns the configuration used for any key the file leaves out.
func Default() *Config {
	return &Config{
		Backend: Backend{
			Name:         "backend",
			StopTimeout:  Duration{10 * time.Second},
			KillTimeout:  Duration{2 * time.Second},
			StartupProbe: Duration{200 * time.Millisecond},
			LogLines:     1000,
		},
		HTTP: HTTP{
			Addr:   "127.0.0.1:8080",
			Socket: filepath.Join(Home(), "tether.sock"),
		},
		Page: Page{
			Title: "Backend status",
		},
		StateDir: Home(),
	}
}

// Load reads a YAML config file from path on top of Default. If the file does
// not exist, it returns the defaults and no error; Validate then reports the
// missing backend. Relative working_dir is resolved against the file's directory.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.StateDir = expandHome(cfg.StateDir)
	cfg.HTTP.Socket = expandHome(cfg.HTTP.Socket)
	if wd := expandHome(cfg.Backend.WorkingDir); wd != "" && !filepath.IsAbs(wd) {
		abs, err := filepath.Abs(filepath.Join(filepath.Dir(path), wd))
		if err != nil {
			return nil, fmt.Errorf("resolving working_dir: %w", err)
		}
		cfg.Backend.WorkingDir = abs
	} else {
		cfg.Backend.WorkingDir = wd
	}

	return cfg, nil
}

// Validate checks that a config is usable for serving.
func (c *Config) Validate() error {
	b := c.Backend
	if len(b.Command) == 0 || strings.TrimSpace(b.Command[0]) == "" {
		return fmt.Errorf("backend.command is required")
	}
	if b.StopTimeout.Duration < 0 {
		return fmt.Errorf("backend.stop_timeout must not be negative")
	}
	if b.KillTimeout.Duration < 0 {
		return fmt.Errorf("backend.kill_timeout must not be negative")
	}
	if b.StartupProbe.Duration < 0 {
		return fmt.Errorf("backend.startup_probe must not be negative")
	}
	if b.LogLines < 0 {
		return fmt.Errorf("backend.log_lines must not be negative")
	}
	if l := b.SpawnLimit; l != nil {
		if l.Interval.Duration <= 0 {
			return fmt.Errorf("backend.spawn_limit.interval must be positive")
		}
		if l.Burst <= 0 {
			return fmt.Errorf("backend.spawn_limit.burst must be positive")
		}
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	for i, l := range c.Page.Links {
		if l.Href == "" {
			return fmt.Errorf("page.links[%d].href is required", i)
		}
	}
	return nil
}

// EnvList returns the backend environment: the host environment followed by
// the configured overrides, sorted by key for a stable order.
func (b Backend) EnvList(host []string) []string {
	env := append([]string(nil), host...)
	keys := make([]string, 0, len(b.Env))
	for k := range b.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, k+"="+b.Env[k])
	}
	return env
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}
