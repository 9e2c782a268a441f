package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/caffeineduck/pyedit"
	"github.com/caffeineduck/pyedit/config"
	"github.com/caffeineduck/pyedit/coordinator"
	"github.com/caffeineduck/pyedit/history"
	"github.com/caffeineduck/pyedit/hostfunc"
	"github.com/caffeineduck/pyedit/internal/pypi"
	"github.com/caffeineduck/pyedit/interp"
	"github.com/caffeineduck/pyedit/language/python"
	"github.com/spf13/cobra"
)

// defaultWasm is used when neither the config, --wasm nor PYEDIT_WASM name
// the interpreter binary.
const defaultWasm = "python.wasm"

// errRunFailed signals a non-zero exit whose cause was already printed as
// an event.
var errRunFailed = errors.New("run failed")

var rootCmd = &cobra.Command{
	Use:   "pyedit [file]",
	Short: "Python editor backend on WebAssembly",
	Long: `pyedit - Run Python in an embedded WebAssembly interpreter.

Source is executed with its stdout and stderr captured and reported as an
ordered stream of events. Run code once from a file, inline string or stdin,
open an interactive console, or serve sessions to a browser editor over
HTTP or to an agent over MCP.`,
	Version:       pyedit.Version,
	Args:          cobra.MaximumNArgs(1),
	RunE:          runRun, // Default to run command behavior
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	addConfigFlags(rootCmd)

	// Add run-specific flags to root (for default command)
	addRunFlags(rootCmd)
}

// addConfigFlags registers the flags that override pyedit.yaml.
func addConfigFlags(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.String("config", "", "Config file (default: ./pyedit.yaml if present)")
	pf.String("wasm", "", "Path to the Python WASM binary (default: $PYEDIT_WASM or python.wasm)")
	pf.String("packages", "", "Packages directory mounted at /packages")
	pf.String("memory", "", "Memory limit: 16mb, 64mb, 256mb, 1gb")
	pf.Duration("timeout", 0, "Per-run timeout (default: none)")
	pf.Bool("kv", false, "Enable the key-value store")
	pf.Bool("no-install", false, "Disable package installs from PyPI")
	pf.Bool("no-cache", false, "Disable compilation cache")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
}

// loadConfig reads the config file and applies flags the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if flags.Changed("wasm") {
		cfg.Wasm, _ = flags.GetString("wasm")
	}
	if flags.Changed("packages") {
		cfg.Packages, _ = flags.GetString("packages")
	}
	if flags.Changed("memory") {
		cfg.Memory, _ = flags.GetString("memory")
	}
	if flags.Changed("timeout") {
		d, _ := flags.GetDuration("timeout")
		cfg.RawTimeout = d.String()
	}
	if flags.Changed("kv") {
		cfg.KV, _ = flags.GetBool("kv")
	}
	if flags.Changed("no-install") {
		cfg.NoInstall, _ = flags.GetBool("no-install")
	}
	if flags.Changed("no-cache") {
		cfg.NoCache, _ = flags.GetBool("no-cache")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	if cfg.Wasm == "" {
		cfg.Wasm = os.Getenv(interp.WasmEnv)
	}
	if cfg.Wasm == "" {
		cfg.Wasm = defaultWasm
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// env is everything a command needs to start interpreters.
type env struct {
	cfg       *config.Config
	logger    *slog.Logger
	runtime   *interp.Runtime
	language  interp.Language
	installer *pypi.Installer
}

func setup(cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: cfg.Level(),
	}))

	lang := python.New(cfg.Wasm)

	var rtOpts []interp.RuntimeOption
	if !cfg.NoCache {
		rtOpts = append(rtOpts, interp.WithDiskCache(cfg.CacheDir))
	}
	if pages := interp.ParseMemoryLimit(cfg.Memory); pages > 0 {
		rtOpts = append(rtOpts, interp.WithMemoryLimit(pages))
	}
	rtOpts = append(rtOpts, interp.WithRuntimeLogger(logger))

	rt, err := interp.NewRuntime(rtOpts...)
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}

	e := &env{
		cfg:      cfg,
		logger:   logger,
		runtime:  rt,
		language: lang,
	}
	if !cfg.NoInstall {
		e.installer = pypi.NewInstaller(cfg.PackagesDir(), logger)
		if cfg.PyPIIndex != "" {
			e.installer.IndexURL = cfg.PyPIIndex
		}
	}
	return e, nil
}

func (e *env) Close() error {
	return e.runtime.Close()
}

// loader returns an interp.Loader. Each Load gets its own KV store.
func (e *env) loader() interp.Loader {
	opts := []interp.Option{
		interp.WithTimeout(e.cfg.Timeout()),
		interp.WithStartTimeout(e.cfg.StartTimeout()),
		interp.WithPackages(e.cfg.PackagesDir()),
		interp.WithLogger(e.logger),
	}
	if e.installer != nil {
		opts = append(opts, interp.WithInstaller(e.installer))
	}
	if e.cfg.KV {
		opts = append(opts, interp.WithKV(hostfunc.DefaultKVConfig()))
	}
	return interp.Loader{
		Runtime:  e.runtime,
		Language: e.language,
		Options:  opts,
		Logger:   e.logger,
	}
}

func (e *env) coordinatorOptions() []coordinator.Option {
	return []coordinator.Option{
		coordinator.WithLogger(e.logger),
		coordinator.WithTimeLayout(e.cfg.TimeLayout()),
	}
}

func (e *env) coordinator(sink coordinator.Sink) *coordinator.Coordinator {
	return coordinator.New(coordinator.FromInterp(e.loader()), sink, e.coordinatorOptions()...)
}

// openHistory returns nil when history is disabled.
func (e *env) openHistory() (*history.Store, error) {
	path := e.cfg.HistoryPath()
	if path == "" {
		return nil, nil
	}
	store, err := history.New(path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return store, nil
}

// waitLoaded blocks until c has finished loading or ctx is done.
func waitLoaded(ctx context.Context, c *coordinator.Coordinator) error {
	select {
	case <-c.Loaded():
		if err := c.LoadError(); err != nil {
			return errRunFailed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
