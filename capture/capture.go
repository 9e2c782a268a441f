// Package capture redirects an interpreter's standard streams into in-memory
// buffers for the duration of one execution.
//
// The interpreter is handed two [Sink] writers when it is instantiated and keeps
// writing to them for its whole lifetime. [Streams] swaps the destination of
// both sinks between the long-lived originals and fresh per-run buffers:
//
//	streams := capture.NewStreams(os.Stdout, os.Stderr)
//	streams.Begin()
//	// ... interpreter writes to streams.Stdout / streams.Stderr ...
//	out, err := streams.End()
package capture

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Output is the text captured between Begin and End.
type Output struct {
	Stdout string
	Stderr string
}

// Sink is a writer whose destination can be replaced while writers hold it.
type Sink struct {
	mu  sync.Mutex
	dst io.Writer
}

// NewSink returns a Sink writing to dst. A nil dst discards writes.
func NewSink(dst io.Writer) *Sink {
	if dst == nil {
		dst = io.Discard
	}
	return &Sink{dst: dst}
}

func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dst.Write(p)
}

// swap installs w and returns the previous destination. Once swap returns,
// no further writes reach the previous destination.
func (s *Sink) swap(w io.Writer) io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.dst
	s.dst = w
	return prev
}

type flusher interface {
	Flush() error
}

// Streams pairs the stdout and stderr sinks of one interpreter.
type Streams struct {
	Stdout *Sink
	Stderr *Sink

	mu      sync.Mutex
	active  bool
	origOut io.Writer
	origErr io.Writer
	bufOut  *bytes.Buffer
	bufErr  *bytes.Buffer
}

// NewStreams returns Streams whose sinks write to stdout and stderr while no
// capture is active.
func NewStreams(stdout, stderr io.Writer) *Streams {
	return &Streams{
		Stdout: NewSink(stdout),
		Stderr: NewSink(stderr),
	}
}

// Begin redirects both sinks into fresh buffers. If a previous capture was
// never ended, its originals are restored first and its buffers dropped.
func (s *Streams) Begin() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		_ = s.restore()
	}

	s.bufOut = new(bytes.Buffer)
	s.bufErr = new(bytes.Buffer)
	s.origOut = s.Stdout.swap(s.bufOut)
	s.origErr = s.Stderr.swap(s.bufErr)
	s.active = true
}

// End restores the original destinations and returns the captured text.
// Calling End without a matching Begin returns empty output.
//
// The returned error reports a failure to flush the restored originals; the
// captured output is valid regardless.
func (s *Streams) End() (Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return Output{}, nil
	}

	out := Output{
		Stdout: s.bufOut.String(),
		Stderr: s.bufErr.String(),
	}
	err := s.restore()
	return out, err
}

// Active reports whether a capture is in progress.
func (s *Streams) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// restore must be called with s.mu held.
func (s *Streams) restore() error {
	s.Stdout.swap(s.origOut)
	s.Stderr.swap(s.origErr)
	s.active = false
	s.bufOut, s.bufErr = nil, nil

	var errs []error
	for _, w := range []io.Writer{s.origOut, s.origErr} {
		if f, ok := w.(flusher); ok {
			if err := f.Flush(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	s.origOut, s.origErr = nil, nil

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("restore streams: %w", err)
	}
	return nil
}
