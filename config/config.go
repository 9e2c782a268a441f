// Package config loads the optional pyedit.yaml file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFile is read from the working directory when no path is given.
const DefaultFile = "pyedit.yaml"

// Default values.
const (
	DefaultAddr         = ":8080"
	DefaultSessionTTL   = 30 * time.Minute
	DefaultMaxSessions  = 32
	DefaultStartTimeout = 60 * time.Second
	DefaultLogSize      = 1000
	DefaultTimeLayout   = time.Kitchen
	DefaultPackagesDir  = ".pyedit/packages"
	DefaultHistoryPath  = ".pyedit/history.db"
)

// Config holds the parsed configuration. All fields are optional; zero
// values mean defaults.
type Config struct {
	Wasm            string        `yaml:"wasm"`     // path to the Python WASM binary
	Packages        string        `yaml:"packages"` // host dir mounted at /packages
	PyPIIndex       string        `yaml:"pypi_index"`
	CacheDir        string        `yaml:"cache_dir"`
	NoCache         bool          `yaml:"no_cache"`
	Memory          string        `yaml:"memory"`  // 16mb, 64mb, 256mb, 1gb
	RawTimeout      string        `yaml:"timeout"` // per run, e.g. "30s"; empty means none
	RawStartTimeout string        `yaml:"start_timeout"`
	KV              bool          `yaml:"kv"`
	NoInstall       bool          `yaml:"no_install"`
	RawLogSize      int           `yaml:"log_size"`
	RawTimeLayout   string        `yaml:"time_layout"`
	LogLevel        string        `yaml:"log_level"`
	Server          ServerConfig  `yaml:"server"`
	History         HistoryConfig `yaml:"history"`
}

// ServerConfig controls the HTTP adapter.
type ServerConfig struct {
	Addr          string   `yaml:"addr"`
	RawSessionTTL string   `yaml:"session_ttl"`
	MaxSessions   int      `yaml:"max_sessions"`
	AllowOrigins  []string `yaml:"allow_origins"`
}

// HistoryConfig controls the run transcript store.
type HistoryConfig struct {
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"`
}

// Load reads path, or DefaultFile when path is empty. A missing DefaultFile
// yields the defaults; a missing explicit path is an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks fields whose bad values would otherwise silently fall back
// to defaults.
func (c *Config) Validate() error {
	var errs []error
	for name, raw := range map[string]string{
		"timeout":            c.RawTimeout,
		"start_timeout":      c.RawStartTimeout,
		"server.session_ttl": c.Server.RawSessionTTL,
	} {
		if raw == "" {
			continue
		}
		if d, err := time.ParseDuration(raw); err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("invalid %s %q", name, raw))
		}
	}
	switch strings.ToLower(c.Memory) {
	case "", "16mb", "64mb", "256mb", "1gb":
	default:
		errs = append(errs, fmt.Errorf("invalid memory %q (want 16mb, 64mb, 256mb or 1gb)", c.Memory))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Timeout returns the per-run timeout, or 0 for none.
func (c *Config) Timeout() time.Duration {
	if d, err := time.ParseDuration(c.RawTimeout); err == nil && d > 0 {
		return d
	}
	return 0
}

func (c *Config) StartTimeout() time.Duration {
	if d, err := time.ParseDuration(c.RawStartTimeout); err == nil && d > 0 {
		return d
	}
	return DefaultStartTimeout
}

// PackagesDir returns the host directory for installed packages.
func (c *Config) PackagesDir() string {
	if c.Packages != "" {
		return c.Packages
	}
	return DefaultPackagesDir
}

func (c *Config) LogSize() int {
	if c.RawLogSize > 0 {
		return c.RawLogSize
	}
	return DefaultLogSize
}

func (c *Config) TimeLayout() string {
	if c.RawTimeLayout != "" {
		return c.RawTimeLayout
	}
	return DefaultTimeLayout
}

// Level returns the slog level for log_level, defaulting to info.
func (c *Config) Level() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func (c *Config) Addr() string {
	if c.Server.Addr != "" {
		return c.Server.Addr
	}
	return DefaultAddr
}

func (c *Config) SessionTTL() time.Duration {
	if d, err := time.ParseDuration(c.Server.RawSessionTTL); err == nil && d > 0 {
		return d
	}
	return DefaultSessionTTL
}

func (c *Config) MaxSessions() int {
	if c.Server.MaxSessions > 0 {
		return c.Server.MaxSessions
	}
	return DefaultMaxSessions
}

// HistoryPath returns the sqlite path, or "" when history is disabled.
func (c *Config) HistoryPath() string {
	if c.History.Disabled {
		return ""
	}
	if c.History.Path != "" {
		return c.History.Path
	}
	return DefaultHistoryPath
}

// EnsureDirs creates the packages directory and the history database's
// parent directory.
func (c *Config) EnsureDirs() error {
	if err := os.MkdirAll(c.PackagesDir(), 0o755); err != nil {
		return fmt.Errorf("create packages dir: %w", err)
	}
	if p := c.HistoryPath(); p != "" && p != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("create history dir: %w", err)
		}
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", s)
	}
}
