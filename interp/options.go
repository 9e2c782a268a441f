package interp

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caffeineduck/pyedit/hostfunc"
)

// RuntimeOption configures a Runtime at creation time.
type RuntimeOption func(*runtimeConfig)

type runtimeConfig struct {
	diskCache        bool
	cacheDir         string
	precompile       []Language
	memoryLimitPages uint32 // 0 = wazero default (4GB)
	logger           *slog.Logger
}

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		logger: slog.New(slog.DiscardHandler),
	}
}

// WithDiskCache enables the persistent compilation cache. Optionally provide
// a directory; otherwise XDG_CACHE_HOME/pyedit or ~/.cache/pyedit is used.
func WithDiskCache(dir ...string) RuntimeOption {
	return func(c *runtimeConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithPrecompile compiles the given languages when the Runtime is created.
func WithPrecompile(langs ...Language) RuntimeOption {
	return func(c *runtimeConfig) {
		c.precompile = langs
	}
}

// WithMemoryLimit caps guest memory in 64KB pages.
func WithMemoryLimit(pages uint32) RuntimeOption {
	return func(c *runtimeConfig) {
		c.memoryLimitPages = pages
	}
}

func WithRuntimeLogger(logger *slog.Logger) RuntimeOption {
	return func(c *runtimeConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit16MB  uint32 = 256   // 16 MB
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)

// ParseMemoryLimit maps "16mb", "64mb", "256mb" and "1gb" to page counts.
// Anything else yields 0, the runtime default.
func ParseMemoryLimit(s string) uint32 {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "16mb":
		return MemoryLimit16MB
	case "64mb":
		return MemoryLimit64MB
	case "256mb":
		return MemoryLimit256MB
	case "1gb":
		return MemoryLimit1GB
	default:
		return 0
	}
}

// Option configures an Interpreter.
type Option func(*config)

type config struct {
	timeout      time.Duration
	startTimeout time.Duration
	stdout       io.Writer
	stderr       io.Writer
	packagesPath string
	installer    hostfunc.Installer
	registry     *hostfunc.Registry
	kv           *hostfunc.KVConfig
	env          map[string]string
	logger       *slog.Logger
}

func defaultConfig() config {
	return config{
		startTimeout: 60 * time.Second,
		env:          make(map[string]string),
		logger:       slog.New(slog.DiscardHandler),
	}
}

// WithTimeout bounds each Evaluate call. Zero, the default, means no limit.
// An interpreter that times out is closed.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithStartTimeout bounds how long Start waits for the guest to report ready.
func WithStartTimeout(d time.Duration) Option {
	return func(c *config) {
		c.startTimeout = d
	}
}

// WithOutput sets where guest stdout and stderr go while no capture is
// active. Both default to io.Discard.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(c *config) {
		c.stdout = stdout
		c.stderr = stderr
	}
}

// WithPackages mounts a host directory read-only at /packages and puts it on
// the guest's import path.
func WithPackages(path string) Option {
	return func(c *config) {
		c.packagesPath = path
	}
}

// WithInstaller enables LoadModule and the guest-side pyedit.install.
// The installer must write into the directory passed to WithPackages.
func WithInstaller(inst hostfunc.Installer) Option {
	return func(c *config) {
		c.installer = inst
	}
}

// WithRegistry adds host functions callable from guest code.
func WithRegistry(r *hostfunc.Registry) Option {
	return func(c *config) {
		c.registry = r
	}
}

// WithKV gives the guest a private key-value scratch store.
func WithKV(cfg hostfunc.KVConfig) Option {
	return func(c *config) {
		c.kv = &cfg
	}
}

func WithEnv(key, value string) Option {
	return func(c *config) {
		c.env[key] = value
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}
