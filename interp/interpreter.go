package interp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/caffeineduck/pyedit/capture"
	"github.com/caffeineduck/pyedit/hostfunc"
	"github.com/tetratelabs/wazero"
)

var (
	ErrClosed          = errors.New("interpreter closed")
	ErrNotStarted      = errors.New("interpreter not started")
	ErrExited          = errors.New("interpreter exited")
	ErrInstallDisabled = errors.New("package installation disabled")
)

// EvalError is an exception raised by guest code. Trace holds the formatted
// traceback as the guest printed it.
type EvalError struct {
	Trace string
}

func (e *EvalError) Error() string {
	return e.Trace
}

// Interpreter is one live interpreter instance. Globals persist across
// Evaluate calls, as in an editor console.
type Interpreter struct {
	rt       *Runtime
	lang     Language
	cfg      config
	registry *hostfunc.Registry
	logger   *slog.Logger

	streams     *capture.Streams
	stdin       *io.PipeWriter
	stdinReader *io.PipeReader
	protocol    *protocol
	cancel      context.CancelFunc
	exited      chan struct{}
	exitErr     error

	mu      sync.Mutex
	execMu  sync.Mutex
	closed  bool
	started bool
}

// Start instantiates lang and blocks until its driver reports ready, the
// start timeout elapses, or ctx is done.
func (r *Runtime) Start(ctx context.Context, lang Language, opts ...Option) (*Interpreter, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	i := &Interpreter{
		rt:     r,
		lang:   lang,
		cfg:    cfg,
		logger: cfg.logger.With(slog.String("language", lang.Name())),
		exited: make(chan struct{}),
	}

	if err := i.start(ctx); err != nil {
		return nil, err
	}
	return i, nil
}

func (i *Interpreter) start(ctx context.Context) error {
	begin := time.Now()

	compiled, err := i.rt.compile(ctx, i.lang)
	if err != nil {
		return err
	}

	i.registerHostFunctions()

	// The module outlives ctx; it is torn down by Close.
	modCtx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel

	i.stdinReader, i.stdin = io.Pipe()
	i.streams = capture.NewStreams(i.cfg.stdout, i.cfg.stderr)
	i.protocol = newProtocol(modCtx, i.registry, i.stdin, i.streams.Stderr)

	moduleConfig := wazero.NewModuleConfig().
		WithStdout(i.streams.Stdout).
		WithStderr(i.protocol).
		WithStdin(i.stdinReader).
		WithArgs(i.lang.Args(i.lang.Driver())...).
		WithSysWalltime().
		WithSysNanotime().
		WithName("")

	if i.cfg.packagesPath != "" {
		fsConfig := wazero.NewFSConfig().WithReadOnlyDirMount(i.cfg.packagesPath, "/packages")
		moduleConfig = moduleConfig.WithFSConfig(fsConfig)
		i.cfg.env["PYTHONPATH"] = "/packages"
	}
	i.cfg.env["PYEDIT"] = "1"
	for k, v := range i.cfg.env {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}

	go func() {
		mod, err := i.rt.runtime.InstantiateModule(modCtx, compiled, moduleConfig)
		if mod != nil {
			mod.Close(context.Background())
		}
		i.mu.Lock()
		i.exitErr = err
		i.mu.Unlock()
		// Unblock any writer waiting on a guest that will never read again.
		i.stdinReader.CloseWithError(ErrExited)
		close(i.exited)
	}()

	timer := time.NewTimer(i.cfg.startTimeout)
	defer timer.Stop()

	select {
	case <-i.protocol.Ready():
		i.mu.Lock()
		i.started = true
		i.mu.Unlock()
		i.logger.Debug("interpreter ready", slog.Duration("duration", time.Since(begin)))
		return nil
	case <-i.exited:
		i.Close()
		return fmt.Errorf("start interpreter: %w", i.exitError())
	case <-ctx.Done():
		i.Close()
		return fmt.Errorf("start interpreter: %w", ctx.Err())
	case <-timer.C:
		i.Close()
		return fmt.Errorf("start interpreter: timeout after %v", i.cfg.startTimeout)
	}
}

func (i *Interpreter) registerHostFunctions() {
	if i.cfg.registry != nil {
		i.registry = i.cfg.registry.Clone()
	} else {
		i.registry = hostfunc.NewRegistry()
	}

	i.registry.Register("time_now", func(ctx context.Context, args map[string]any) (any, error) {
		return float64(time.Now().UnixNano()) / 1e9, nil
	})

	if i.cfg.kv != nil {
		hostfunc.NewKV(*i.cfg.kv).Register(i.registry)
	}

	if i.cfg.installer != nil {
		i.registry.Register("install", hostfunc.NewInstallFunc(i.cfg.installer))
	}
}

// Evaluate runs source in the interpreter's global namespace. When the last
// statement is an expression, its value is returned as a string; a None
// value yields nil. Exceptions raised by the source are returned as
// *EvalError.
func (i *Interpreter) Evaluate(ctx context.Context, source string) (any, error) {
	res, err := i.roundTrip(ctx, command{Type: "exec", Code: source})
	if err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, &EvalError{Trace: *res.Error}
	}
	if res.Value != nil {
		return *res.Value, nil
	}
	return nil, nil
}

// LoadModule installs a package and makes it importable without restarting
// the interpreter.
func (i *Interpreter) LoadModule(ctx context.Context, name string) error {
	if i.cfg.installer == nil {
		return ErrInstallDisabled
	}
	if err := i.cfg.installer.Install(ctx, name); err != nil {
		return err
	}

	res, err := i.roundTrip(ctx, command{Type: "refresh"})
	if err != nil {
		return err
	}
	if res.Error != nil {
		return &EvalError{Trace: *res.Error}
	}

	i.logger.Info("package installed", slog.String("package", name))
	return nil
}

func (i *Interpreter) roundTrip(ctx context.Context, cmd command) (evalResult, error) {
	i.execMu.Lock()
	defer i.execMu.Unlock()

	i.mu.Lock()
	closed, started := i.closed, i.started
	i.mu.Unlock()

	if closed {
		return evalResult{}, ErrClosed
	}
	if !started {
		return evalResult{}, ErrNotStarted
	}

	if i.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.cfg.timeout)
		defer cancel()
	}

	done := i.protocol.reset()
	if err := i.protocol.send(cmd); err != nil {
		return evalResult{}, fmt.Errorf("write command: %w", err)
	}

	select {
	case res := <-done:
		return res, nil
	case <-i.exited:
		return evalResult{}, i.exitError()
	case <-ctx.Done():
		// The guest cannot be interrupted mid-statement; tear it down.
		i.Close()
		if i.cfg.timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return evalResult{}, fmt.Errorf("timeout after %v", i.cfg.timeout)
		}
		return evalResult{}, fmt.Errorf("evaluate: %w", ctx.Err())
	}
}

// IsLoaded reports whether the interpreter is ready to evaluate code.
func (i *Interpreter) IsLoaded() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.started || i.closed {
		return false
	}
	select {
	case <-i.exited:
		return false
	default:
		return true
	}
}

// Streams returns the capture point for the guest's stdout and stderr.
func (i *Interpreter) Streams() *capture.Streams {
	return i.streams
}

func (i *Interpreter) exitError() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.exitErr != nil {
		return fmt.Errorf("%w: %v", ErrExited, i.exitErr)
	}
	return ErrExited
}

// Close stops the guest. It is safe to call more than once.
func (i *Interpreter) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.mu.Unlock()

	// Closing stdin makes an idle driver exit; cancelling the module context
	// stops one that is busy.
	if i.stdin != nil {
		i.stdin.Close()
	}
	if i.cancel != nil {
		i.cancel()
	}
	return nil
}
