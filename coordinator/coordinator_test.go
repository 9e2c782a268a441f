package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caffeineduck/pyedit/capture"
	"github.com/caffeineduck/pyedit/interp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Text
	}
	return out
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type fakeHandle struct {
	streams *capture.Streams
	eval    func(ctx context.Context, f *fakeHandle, source string) (any, error)
	load    func(ctx context.Context, name string) error
	calls   atomic.Int32
	closed  atomic.Bool
}

func newFake(eval func(ctx context.Context, f *fakeHandle, source string) (any, error)) *fakeHandle {
	return &fakeHandle{
		streams: capture.NewStreams(nil, nil),
		eval:    eval,
	}
}

func (f *fakeHandle) Evaluate(ctx context.Context, source string) (any, error) {
	f.calls.Add(1)
	if f.eval == nil {
		return nil, nil
	}
	return f.eval(ctx, f, source)
}

func (f *fakeHandle) print(s string)  { io.WriteString(f.streams.Stdout, s) }
func (f *fakeHandle) eprint(s string) { io.WriteString(f.streams.Stderr, s) }

func (f *fakeHandle) IsLoaded() bool { return !f.closed.Load() }

func (f *fakeHandle) LoadModule(ctx context.Context, name string) error {
	if f.load == nil {
		return nil
	}
	return f.load(ctx, name)
}

func (f *fakeHandle) Streams() *capture.Streams { return f.streams }

func (f *fakeHandle) Close() error {
	f.closed.Store(true)
	return nil
}

func loaderFor(h Handle) Loader {
	return func(ctx context.Context) (Handle, error) { return h, nil }
}

// ready returns an initialized coordinator whose startup events have been
// cleared from the recorder.
func ready(t *testing.T, h *fakeHandle, opts ...Option) (*Coordinator, *recorder) {
	t.Helper()
	rec := &recorder{}
	c := New(loaderFor(h), rec, opts...)
	c.Initialize(context.Background())
	waitLoaded(t, c)
	require.Equal(t, StateReady, c.State())

	rec.mu.Lock()
	rec.events = nil
	rec.mu.Unlock()
	return c, rec
}

func waitLoaded(t *testing.T, c *Coordinator) {
	t.Helper()
	select {
	case <-c.Loaded():
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not finish loading")
	}
}

func texts(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Text
	}
	return out
}

func TestInitializeSuccess(t *testing.T) {
	rec := &recorder{}
	c := New(loaderFor(newFake(nil)), rec)

	assert.Equal(t, StateUninitialized, c.State())
	assert.False(t, c.IsReady())

	c.Initialize(context.Background())
	waitLoaded(t, c)

	assert.Equal(t, StateReady, c.State())
	assert.True(t, c.IsReady())
	assert.NoError(t, c.LoadError())

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, KindSystem, events[0].Kind)
	assert.Equal(t, "Python environment ready", events[0].Text)
}

func TestInitializeFailure(t *testing.T) {
	rec := &recorder{}
	c := New(func(ctx context.Context) (Handle, error) {
		return nil, errors.New("fetch interpreter: connection refused")
	}, rec)

	c.Initialize(context.Background())
	waitLoaded(t, c)

	assert.Equal(t, StateFailed, c.State())
	assert.False(t, c.IsReady())
	assert.Error(t, c.LoadError())

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, KindError, events[0].Kind)
	assert.Equal(t, "Error: fetch interpreter: connection refused", events[0].Text)
	assert.Equal(t, ClassStderr, events[0].Class())

	res := c.Run(context.Background(), "print(1)")
	assert.ErrorIs(t, res.Error, ErrUnavailable)
	assert.True(t, res.Rejected())
	assert.Equal(t, []string{"environment unavailable"}, texts(res.Events))
	assert.Equal(t, StateFailed, c.State())
}

func TestInitializeNilHandle(t *testing.T) {
	c := New(func(ctx context.Context) (Handle, error) { return nil, nil }, nil)
	c.Initialize(context.Background())
	waitLoaded(t, c)
	assert.Equal(t, StateFailed, c.State())
}

func TestInitializeLoaderPanic(t *testing.T) {
	rec := &recorder{}
	c := New(func(ctx context.Context) (Handle, error) { panic("bad module") }, rec)
	c.Initialize(context.Background())
	waitLoaded(t, c)

	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, []string{"Error: loader panic: bad module"}, rec.texts())
}

func TestInitializeOnce(t *testing.T) {
	var loads atomic.Int32
	c := New(func(ctx context.Context) (Handle, error) {
		loads.Add(1)
		return newFake(nil), nil
	}, nil)

	c.Initialize(context.Background())
	c.Initialize(context.Background())
	waitLoaded(t, c)
	c.Initialize(context.Background())

	assert.Equal(t, int32(1), loads.Load())
	assert.Equal(t, StateReady, c.State())
}

func TestRunBeforeInitialize(t *testing.T) {
	h := newFake(nil)
	c := New(loaderFor(h), nil)

	res := c.Run(context.Background(), "print(1)")
	assert.ErrorIs(t, res.Error, ErrLoading)
	assert.Equal(t, []string{"environment still loading"}, texts(res.Events))
	assert.Equal(t, KindSystem, res.Events[0].Kind)
	assert.Equal(t, int32(0), h.calls.Load())
	assert.Equal(t, StateUninitialized, c.State())
}

func TestRunWhileLoading(t *testing.T) {
	release := make(chan struct{})
	h := newFake(nil)
	c := New(func(ctx context.Context) (Handle, error) {
		<-release
		return h, nil
	}, nil)

	c.Initialize(context.Background())
	assert.Equal(t, StateLoading, c.State())

	res := c.Run(context.Background(), "print(1)")
	assert.ErrorIs(t, res.Error, ErrLoading)
	assert.Len(t, res.Events, 1)
	assert.Equal(t, int32(0), h.calls.Load())

	close(release)
	waitLoaded(t, c)
	assert.Equal(t, StateReady, c.State())
}

func TestRunStdout(t *testing.T) {
	h := newFake(func(ctx context.Context, f *fakeHandle, source string) (any, error) {
		f.print("hello\n")
		return nil, nil
	})
	c, rec := ready(t, h)

	res := c.Run(context.Background(), `print("hello")`)
	require.NoError(t, res.Error)

	assert.Equal(t, []string{"running", "hello", "execution complete"}, texts(res.Events))
	assert.Equal(t, KindSystem, res.Events[0].Kind)
	assert.Equal(t, KindStdout, res.Events[1].Kind)
	assert.Equal(t, KindSystem, res.Events[2].Kind)
	assert.Equal(t, texts(res.Events), rec.texts())
	assert.Equal(t, StateReady, c.State())
}

func TestRunValueWithoutStdout(t *testing.T) {
	h := newFake(func(ctx context.Context, f *fakeHandle, source string) (any, error) {
		return "42", nil
	})
	c, _ := ready(t, h)

	res := c.Run(context.Background(), "6 * 7")
	assert.Equal(t, []string{"running", "42", "execution complete"}, texts(res.Events))
	assert.Equal(t, KindStdout, res.Events[1].Kind)
	assert.Equal(t, "42", res.Value)
}

func TestRunStdoutSuppressesValue(t *testing.T) {
	h := newFake(func(ctx context.Context, f *fakeHandle, source string) (any, error) {
		f.print("x\n")
		return "1", nil
	})
	c, _ := ready(t, h)

	res := c.Run(context.Background(), "print('x'); 1")
	assert.Equal(t, []string{"running", "x", "execution complete"}, texts(res.Events))
}

func TestRunNoOutput(t *testing.T) {
	c, _ := ready(t, newFake(nil))

	res := c.Run(context.Background(), "x = 1")
	require.NoError(t, res.Error)
	assert.Equal(t, []string{"running", "executed, no output", "execution complete"}, texts(res.Events))
	assert.Equal(t, KindSystem, res.Events[1].Kind)
}

func TestRunStderr(t *testing.T) {
	h := newFake(func(ctx context.Context, f *fakeHandle, source string) (any, error) {
		f.eprint("warning: deprecated\n")
		return nil, nil
	})
	c, _ := ready(t, h)

	res := c.Run(context.Background(), "warn()")
	assert.Equal(t, []string{"running", "warning: deprecated", "execution complete"}, texts(res.Events))
	assert.Equal(t, KindStderr, res.Events[1].Kind)
}

func TestRunErrorTraceback(t *testing.T) {
	trace := "Traceback (most recent call last):\n  File \"<editor>\", line 1, in <module>\nZeroDivisionError: division by zero\n"
	h := newFake(func(ctx context.Context, f *fakeHandle, source string) (any, error) {
		return nil, &interp.EvalError{Trace: trace}
	})
	c, _ := ready(t, h)

	res := c.Run(context.Background(), "1/0")
	var evalErr *interp.EvalError
	require.ErrorAs(t, res.Error, &evalErr)
	require.Len(t, res.Events, 3)
	assert.Equal(t, KindError, res.Events[1].Kind)
	assert.Equal(t, trace, res.Events[1].Text)
	assert.Equal(t, "execution complete", res.Events[2].Text)
	assert.Equal(t, StateReady, c.State())
}

func TestRunErrorPlain(t *testing.T) {
	h := newFake(func(ctx context.Context, f *fakeHandle, source string) (any, error) {
		return nil, errors.New("interpreter exited")
	})
	c, _ := ready(t, h)

	res := c.Run(context.Background(), "x")
	assert.Equal(t, "Error: interpreter exited", res.Events[1].Text)
}

// Stdout is always shown; stderr stands in for the error trace, and the
// value only appears when nothing was printed.
func TestRunOutcomeCombinations(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name   string
		stdout string
		stderr string
		value  any
		err    error
		want   []Kind
		texts  []string
	}{
		{"stdout", "out\n", "", nil, nil, []Kind{KindStdout}, []string{"out"}},
		{"stdout and stderr", "out\n", "warn\n", nil, nil, []Kind{KindStdout, KindStderr}, []string{"out", "warn"}},
		{"stdout then error", "partial\n", "", nil, boom, []Kind{KindStdout, KindError}, []string{"partial", "Error: boom"}},
		{"stderr hides error", "", "warn\n", nil, boom, []Kind{KindStderr}, []string{"warn"}},
		{"stdout stderr and error", "out\n", "warn\n", nil, boom, []Kind{KindStdout, KindStderr}, []string{"out", "warn"}},
		{"error only", "", "", nil, boom, []Kind{KindError}, []string{"Error: boom"}},
		{"value only", "", "", "42", nil, []Kind{KindStdout}, []string{"42"}},
		{"stdout hides value", "out\n", "", "42", nil, []Kind{KindStdout}, []string{"out"}},
		// stderr and a value together: the value is dropped.
		{"stderr hides value", "", "warn\n", "42", nil, []Kind{KindStderr}, []string{"warn"}},
		{"stdout stderr and value", "out\n", "warn\n", "42", nil, []Kind{KindStdout, KindStderr}, []string{"out", "warn"}},
		{"nothing", "", "", nil, nil, []Kind{KindSystem}, []string{"executed, no output"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newFake(func(ctx context.Context, f *fakeHandle, source string) (any, error) {
				f.print(tt.stdout)
				f.eprint(tt.stderr)
				return tt.value, tt.err
			})
			c, _ := ready(t, h)

			res := c.Run(context.Background(), "code")
			require.Len(t, res.Events, len(tt.want)+2)
			assert.Equal(t, "running", res.Events[0].Text)
			assert.Equal(t, "execution complete", res.Events[len(res.Events)-1].Text)

			outcome := res.Events[1 : len(res.Events)-1]
			for i, e := range outcome {
				assert.Equal(t, tt.want[i], e.Kind, "event %d", i)
				assert.Equal(t, tt.texts[i], e.Text, "event %d", i)
			}
			assert.Equal(t, tt.err, res.Error)
		})
	}
}

func TestRunPrintThenRaiseShowsTraceback(t *testing.T) {
	trace := "Traceback (most recent call last):\n  File \"<editor>\", line 2, in <module>\nValueError: bad\n"
	h := newFake(func(ctx context.Context, f *fakeHandle, source string) (any, error) {
		f.print("step 1\n")
		return nil, &interp.EvalError{Trace: trace}
	})
	c, _ := ready(t, h)

	res := c.Run(context.Background(), "print('step 1')\nraise ValueError('bad')")
	assert.Equal(t, []string{"running", "step 1", trace, "execution complete"}, texts(res.Events))
	assert.Equal(t, KindError, res.Events[2].Kind)
}

func TestRunCleanStreamsAfterError(t *testing.T) {
	n := 0
	h := newFake(func(ctx context.Context, f *fakeHandle, source string) (any, error) {
		n++
		if n == 1 {
			f.print("partial\n")
			f.eprint("warning\n")
			return nil, errors.New("boom")
		}
		return nil, nil
	})
	c, _ := ready(t, h)

	first := c.Run(context.Background(), "fails()")
	require.Error(t, first.Error)

	second := c.Run(context.Background(), "pass")
	assert.NoError(t, second.Error)
	assert.Equal(t, []string{"running", "executed, no output", "execution complete"}, texts(second.Events))
}

func TestRunBusy(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h := newFake(func(ctx context.Context, f *fakeHandle, source string) (any, error) {
		close(started)
		<-release
		f.print("done\n")
		return nil, nil
	})
	c, _ := ready(t, h)

	var first Result
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = c.Run(context.Background(), "slow()")
	}()

	<-started
	assert.Equal(t, StateRunning, c.State())
	assert.True(t, c.IsReady())

	second := c.Run(context.Background(), "fast()")
	assert.ErrorIs(t, second.Error, ErrBusy)
	assert.Equal(t, []string{"already running"}, texts(second.Events))

	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, []string{"running", "done", "execution complete"}, texts(first.Events))
	assert.Equal(t, StateReady, c.State())
}

func TestRunEndsCaptureOnError(t *testing.T) {
	h := newFake(func(ctx context.Context, f *fakeHandle, source string) (any, error) {
		return nil, errors.New("boom")
	})
	c, _ := ready(t, h)

	c.Run(context.Background(), "x")
	assert.False(t, h.streams.Active())
}

func TestRunRecoversPanic(t *testing.T) {
	h := newFake(func(ctx context.Context, f *fakeHandle, source string) (any, error) {
		f.print("before\n")
		panic("guest trap")
	})
	c, _ := ready(t, h)

	res := c.Run(context.Background(), "x")
	assert.False(t, h.streams.Active())
	assert.ErrorContains(t, res.Error, "guest trap")
	assert.Equal(t, []string{"running", "before", "Error: interpreter panic: guest trap", "execution complete"}, texts(res.Events))
	assert.Equal(t, StateReady, c.State())
}

type failingFlush struct{ io.Writer }

func (failingFlush) Flush() error { return errors.New("flush failed") }

func TestRunSwallowsTeardownError(t *testing.T) {
	h := newFake(func(ctx context.Context, f *fakeHandle, source string) (any, error) {
		f.print("ok\n")
		return nil, nil
	})
	h.streams = capture.NewStreams(failingFlush{io.Discard}, nil)
	c, _ := ready(t, h)

	res := c.Run(context.Background(), "print('ok')")
	assert.NoError(t, res.Error)
	assert.Equal(t, []string{"running", "ok", "execution complete"}, texts(res.Events))
}

func TestRunOutputIsolated(t *testing.T) {
	n := 0
	h := newFake(func(ctx context.Context, f *fakeHandle, source string) (any, error) {
		n++
		if n == 1 {
			f.print("first\n")
		}
		return nil, nil
	})
	c, _ := ready(t, h)

	c.Run(context.Background(), "a")
	res := c.Run(context.Background(), "b")
	assert.Equal(t, "executed, no output", res.Events[1].Text)
}

func TestSequenceAndRunID(t *testing.T) {
	h := newFake(func(ctx context.Context, f *fakeHandle, source string) (any, error) {
		return "v", nil
	})
	c, rec := ready(t, h)

	a := c.Run(context.Background(), "a")
	b := c.Run(context.Background(), "b")

	assert.NotEqual(t, a.RunID, b.RunID)
	for _, e := range a.Events {
		assert.Equal(t, a.RunID, e.RunID)
	}

	events := rec.all()
	require.Len(t, events, 6)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}
}

// slowSink stalls delivery of the "running" event so a concurrent emitter
// can try to overtake it.
type slowSink struct {
	recorder
	once       sync.Once
	delivering chan struct{}
}

func (s *slowSink) Emit(e Event) {
	if e.Text == "running" {
		s.once.Do(func() { close(s.delivering) })
		time.Sleep(50 * time.Millisecond)
	}
	s.recorder.Emit(e)
}

func TestEmitDeliversInSeqOrder(t *testing.T) {
	release := make(chan struct{})
	h := newFake(func(ctx context.Context, f *fakeHandle, source string) (any, error) {
		<-release
		return nil, nil
	})
	sink := &slowSink{delivering: make(chan struct{})}
	c := New(func(context.Context) (Handle, error) { return h, nil }, sink)
	c.Initialize(context.Background())
	waitLoaded(t, c)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Run(context.Background(), "slow()")
	}()

	<-sink.delivering
	busy := c.Run(context.Background(), "fast()")
	assert.ErrorIs(t, busy.Error, ErrBusy)

	close(release)
	wg.Wait()

	events := sink.all()
	require.Len(t, events, 5)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq, "delivery %d", i)
	}
}

func TestLoadModule(t *testing.T) {
	h := newFake(nil)
	h.load = func(ctx context.Context, name string) error {
		if name == "numpy" {
			return errors.New("package has C extensions")
		}
		return nil
	}
	c, rec := ready(t, h)

	require.NoError(t, c.LoadModule(context.Background(), "attrs"))
	err := c.LoadModule(context.Background(), "numpy")
	assert.ErrorContains(t, err, "C extensions")

	assert.Equal(t, []string{
		"Successfully installed: attrs",
		"Failed to install numpy: package has C extensions",
	}, rec.texts())
	assert.Equal(t, StateReady, c.State())
}

func TestLoadModuleRejected(t *testing.T) {
	c := New(loaderFor(newFake(nil)), nil)
	assert.ErrorIs(t, c.LoadModule(context.Background(), "attrs"), ErrLoading)
}

func TestClose(t *testing.T) {
	h := newFake(nil)
	c, _ := ready(t, h)

	require.NoError(t, c.Close())
	assert.True(t, h.closed.Load())
	assert.False(t, c.IsReady())

	res := c.Run(context.Background(), "x")
	assert.ErrorIs(t, res.Error, ErrUnavailable)
	assert.NoError(t, c.Close())
}

func TestFormatError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"plain", errors.New("boom"), "Error: boom"},
		{"traceback", errors.New("Traceback (most recent call last):\nValueError"), "Traceback (most recent call last):\nValueError"},
		{"eval error", &interp.EvalError{Trace: "Traceback (most recent call last):\nKeyError: 'x'"}, "Traceback (most recent call last):\nKeyError: 'x'"},
		{"eval error without trace header", &interp.EvalError{Trace: "SystemExit"}, "Error: SystemExit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatError(tt.err))
		})
	}
}

func TestEventRendering(t *testing.T) {
	at := time.Date(2024, 3, 1, 15, 4, 0, 0, time.UTC)
	h := newFake(func(ctx context.Context, f *fakeHandle, source string) (any, error) {
		return nil, nil
	})
	c, _ := ready(t, h,
		WithClock(func() time.Time { return at }),
		WithTimeLayout("15:04"),
		WithLogger(slog.New(slog.DiscardHandler)),
	)

	res := c.Run(context.Background(), "x = 1")
	e := res.Events[0]
	assert.Equal(t, "15:04", e.Timestamp())
	assert.Equal(t, "[15:04] running", e.String())
	assert.Equal(t, time.Duration(0), res.Duration)

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "system", decoded["class"])
	assert.Equal(t, "system", decoded["kind"])
	assert.Equal(t, "running", decoded["text"])
	assert.Equal(t, "15:04", decoded["timestamp"])
	assert.Equal(t, res.RunID, decoded["run_id"])

	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, e.Seq, back.Seq)
	assert.Equal(t, KindSystem, back.Kind)
	assert.True(t, back.Time.Equal(at))
	assert.Equal(t, "[15:04] running", back.String(), "decoded event keeps its layout")

	out := Event{Kind: KindStdout, Text: "hi", Time: at}
	assert.Equal(t, "hi", out.String())
	assert.Equal(t, "3:04PM", out.Timestamp())
}

func TestEventClass(t *testing.T) {
	assert.Equal(t, ClassStdout, Event{Kind: KindStdout}.Class())
	assert.Equal(t, ClassStderr, Event{Kind: KindStderr}.Class())
	assert.Equal(t, ClassStderr, Event{Kind: KindError}.Class())
	assert.Equal(t, ClassSystem, Event{Kind: KindSystem}.Class())
}
