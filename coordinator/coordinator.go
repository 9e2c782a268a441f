// Package coordinator drives the execution lifecycle of an editor's Python
// environment.
//
// A Coordinator loads an interpreter in the background, accepts at most one
// run at a time, captures the interpreter's standard streams around each run
// and reports the outcome as an ordered stream of [Event] values:
//
//	c := coordinator.New(loader, sink)
//	c.Initialize(ctx)
//	<-c.Loaded()
//	res := c.Run(ctx, `print("hi")`)
//
// Requests that arrive while the environment is loading, failed or busy are
// rejected with a single system event; they are never queued.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/pyedit/capture"
	"github.com/caffeineduck/pyedit/interp"
	"github.com/google/uuid"
)

// State is the lifecycle phase of a Coordinator.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoading       State = "loading"
	StateReady         State = "ready"
	StateFailed        State = "failed"
	StateRunning       State = "running"
)

var (
	ErrLoading     = errors.New("environment still loading")
	ErrBusy        = errors.New("already running")
	ErrUnavailable = errors.New("environment unavailable")
)

// Messages emitted as system events.
const (
	msgReady      = "Python environment ready"
	msgRunning    = "running"
	msgNoOutput   = "executed, no output"
	msgComplete   = "execution complete"
	tracebackMark = "Traceback (most recent call last)"
)

// Handle is a loaded interpreter.
type Handle interface {
	Evaluate(ctx context.Context, source string) (any, error)
	IsLoaded() bool
	LoadModule(ctx context.Context, name string) error
	Streams() *capture.Streams
	Close() error
}

// Loader produces a Handle. It is called once, on its own goroutine.
type Loader func(ctx context.Context) (Handle, error)

// FromInterp adapts an interp.Loader.
func FromInterp(l interp.Loader) Loader {
	return func(ctx context.Context) (Handle, error) {
		i, err := l.Load(ctx)
		if err != nil {
			return nil, err
		}
		return i, nil
	}
}

// Result describes one Run. Error is ErrLoading, ErrBusy or ErrUnavailable
// for rejected requests, otherwise the evaluation error if any.
type Result struct {
	RunID    string
	Events   []Event
	Value    any
	Duration time.Duration
	Error    error
}

// Rejected reports whether the request never reached the interpreter.
func (r Result) Rejected() bool {
	return errors.Is(r.Error, ErrLoading) || errors.Is(r.Error, ErrBusy) || errors.Is(r.Error, ErrUnavailable)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock replaces time.Now for event stamps and durations.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithTimeLayout sets the layout of system event timestamps.
func WithTimeLayout(layout string) Option {
	return func(c *Coordinator) {
		if layout != "" {
			c.layout = layout
		}
	}
}

// Coordinator owns the lifecycle state of one interpreter.
type Coordinator struct {
	load   Loader
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
	layout string

	mu      sync.Mutex
	state   State
	handle  Handle
	seq     uint64
	loadErr error
	closed  bool
	loaded  chan struct{}

	// emitMu spans numbering and delivery so sinks see Seq in order.
	emitMu sync.Mutex
}

// New returns an uninitialized Coordinator. A nil sink discards events.
func New(load Loader, sink Sink, opts ...Option) *Coordinator {
	if sink == nil {
		sink = discard{}
	}
	c := &Coordinator{
		load:   load,
		sink:   sink,
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
		layout: DefaultTimeLayout,
		state:  StateUninitialized,
		loaded: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize starts loading the interpreter and returns immediately. Calls
// after the first are no-ops. ctx bounds the load.
func (c *Coordinator) Initialize(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateUninitialized || c.closed {
		c.mu.Unlock()
		return
	}
	c.state = StateLoading
	c.mu.Unlock()

	c.logger.Debug("loading interpreter")
	go c.initialize(ctx)
}

func (c *Coordinator) initialize(ctx context.Context) {
	defer close(c.loaded)

	start := c.now()
	h, err := c.callLoader(ctx)
	if err == nil && h == nil {
		err = errors.New("loader returned no interpreter")
	}

	c.mu.Lock()
	if err == nil && c.closed {
		err = ErrUnavailable
		h.Close()
	}
	if err != nil {
		c.state = StateFailed
		c.loadErr = err
		c.mu.Unlock()

		c.logger.Error("interpreter failed to load", slog.String("error", err.Error()))
		c.emit("", nil, KindError, FormatError(err))
		return
	}
	c.handle = h
	c.state = StateReady
	c.mu.Unlock()

	c.logger.Info("interpreter ready", slog.Duration("duration", c.now().Sub(start)))
	c.emit("", nil, KindSystem, msgReady)
}

func (c *Coordinator) callLoader(ctx context.Context) (h Handle, err error) {
	if c.load == nil {
		return nil, errors.New("no loader configured")
	}
	defer func() {
		if r := recover(); r != nil {
			h, err = nil, fmt.Errorf("loader panic: %v", r)
		}
	}()
	return c.load(ctx)
}

// Loaded is closed once loading has settled, successfully or not.
func (c *Coordinator) Loaded() <-chan struct{} {
	return c.loaded
}

// LoadError returns the error that moved the coordinator to StateFailed.
func (c *Coordinator) LoadError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadErr
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsReady reports whether a handle is available, including while a run is in
// flight.
func (c *Coordinator) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return (c.state == StateReady || c.state == StateRunning) && c.handle != nil
}

// Run executes source. The returned Result holds the events this call
// emitted, in order.
func (c *Coordinator) Run(ctx context.Context, source string) Result {
	res := Result{RunID: uuid.NewString()}
	start := c.now()

	h, err := c.acquire()
	if err != nil {
		res.Error = err
		c.emit(res.RunID, &res.Events, KindSystem, err.Error())
		c.logger.Debug("run rejected", slog.String("run_id", res.RunID), slog.String("reason", err.Error()))
		return res
	}
	defer c.release()

	c.emit(res.RunID, &res.Events, KindSystem, msgRunning)

	value, out, evalErr := c.evaluate(ctx, h, source)

	for _, o := range classify(out, value, evalErr) {
		c.emit(res.RunID, &res.Events, o.kind, o.text)
	}
	c.emit(res.RunID, &res.Events, KindSystem, msgComplete)

	res.Value = value
	res.Error = evalErr
	res.Duration = c.now().Sub(start)

	attrs := []any{
		slog.String("run_id", res.RunID),
		slog.Duration("duration", res.Duration),
	}
	if evalErr != nil {
		attrs = append(attrs, slog.String("error", lastLine(evalErr.Error())))
	}
	c.logger.Info("run finished", attrs...)
	return res
}

// evaluate brackets the handle call with a stream capture. The capture is
// ended on every path, panics included.
func (c *Coordinator) evaluate(ctx context.Context, h Handle, source string) (value any, out capture.Output, err error) {
	streams := h.Streams()
	if streams != nil {
		streams.Begin()
	}

	defer func() {
		if r := recover(); r != nil {
			value, err = nil, fmt.Errorf("interpreter panic: %v", r)
		}
		if streams == nil {
			return
		}
		var endErr error
		out, endErr = streams.End()
		if endErr != nil {
			c.logger.Debug("capture teardown failed", slog.String("error", endErr.Error()))
		}
	}()

	value, err = h.Evaluate(ctx, source)
	return value, out, err
}

type outcome struct {
	kind Kind
	text string
}

// classify turns a run's capture into its outcome events: stdout first,
// then stderr or the error, then the value or a no-output notice when
// nothing reached stdout.
func classify(out capture.Output, value any, err error) []outcome {
	var events []outcome
	if out.Stdout != "" {
		events = append(events, outcome{KindStdout, strings.TrimSpace(out.Stdout)})
	}
	switch {
	case out.Stderr != "":
		events = append(events, outcome{KindStderr, strings.TrimSpace(out.Stderr)})
	case err != nil:
		events = append(events, outcome{KindError, FormatError(err)})
	case value != nil && out.Stdout == "":
		events = append(events, outcome{KindStdout, fmt.Sprint(value)})
	case out.Stdout == "":
		events = append(events, outcome{KindSystem, msgNoOutput})
	}
	return events
}

// FormatError renders err for display. Python tracebacks pass through
// unchanged; anything else gets an "Error: " prefix.
func FormatError(err error) string {
	text := err.Error()
	var evalErr *interp.EvalError
	if errors.As(err, &evalErr) {
		text = evalErr.Trace
	}
	if strings.Contains(text, tracebackMark) {
		return text
	}
	return "Error: " + text
}

// LoadModule installs a package into the running interpreter. The
// coordinator is busy for the duration.
func (c *Coordinator) LoadModule(ctx context.Context, name string) error {
	runID := uuid.NewString()

	h, err := c.acquire()
	if err != nil {
		c.emit(runID, nil, KindSystem, err.Error())
		return err
	}
	defer c.release()

	if err := h.LoadModule(ctx, name); err != nil {
		c.logger.Warn("package install failed", slog.String("package", name), slog.String("error", err.Error()))
		c.emit(runID, nil, KindSystem, fmt.Sprintf("Failed to install %s: %s", name, err))
		return fmt.Errorf("install %s: %w", name, err)
	}

	c.logger.Info("package installed", slog.String("package", name))
	c.emit(runID, nil, KindSystem, "Successfully installed: "+name)
	return nil
}

// Close releases the interpreter. Later requests are rejected as
// unavailable.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	h := c.handle
	c.handle = nil
	if c.state != StateLoading && c.state != StateUninitialized {
		c.state = StateFailed
	}
	if c.loadErr == nil {
		c.loadErr = interp.ErrClosed
	}
	c.mu.Unlock()

	if h != nil {
		return h.Close()
	}
	return nil
}

// acquire moves Ready to Running and returns the handle, or the rejection.
func (c *Coordinator) acquire() (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrUnavailable
	}

	switch c.state {
	case StateUninitialized, StateLoading:
		return nil, ErrLoading
	case StateFailed:
		return nil, ErrUnavailable
	case StateRunning:
		return nil, ErrBusy
	}

	c.state = StateRunning
	return c.handle, nil
}

func (c *Coordinator) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRunning {
		c.state = StateReady
	}
}

// emit stamps and delivers one event. When events is non-nil the event is
// also appended to it.
func (c *Coordinator) emit(runID string, events *[]Event, kind Kind, text string) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	c.seq++
	e := Event{
		Seq:    c.seq,
		RunID:  runID,
		Kind:   kind,
		Text:   text,
		Time:   c.now(),
		layout: c.layout,
	}
	c.mu.Unlock()

	if events != nil {
		*events = append(*events, e)
	}
	c.sink.Emit(e)
}

// lastLine returns the final non-empty line, which for a traceback is the
// exception itself.
func lastLine(s string) string {
	s = strings.TrimRight(s, "\n ")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
