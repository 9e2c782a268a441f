package capture

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

type flushWriter struct {
	bytes.Buffer
	flushes int
	err     error
}

func (w *flushWriter) Flush() error {
	w.flushes++
	return w.err
}

func TestBeginEnd(t *testing.T) {
	var stdout, stderr bytes.Buffer
	s := NewStreams(&stdout, &stderr)

	fmt.Fprint(s.Stdout, "before ")
	s.Begin()
	fmt.Fprint(s.Stdout, "hello")
	fmt.Fprint(s.Stderr, "oops")
	out, err := s.End()
	if err != nil {
		t.Fatalf("End failed: %v", err)
	}
	fmt.Fprint(s.Stdout, "after")

	if out.Stdout != "hello" {
		t.Errorf("captured stdout = %q, want hello", out.Stdout)
	}
	if out.Stderr != "oops" {
		t.Errorf("captured stderr = %q, want oops", out.Stderr)
	}
	if stdout.String() != "before after" {
		t.Errorf("original stdout = %q, want %q", stdout.String(), "before after")
	}
	if stderr.Len() != 0 {
		t.Errorf("original stderr should be untouched, got %q", stderr.String())
	}
}

func TestEndWithoutBegin(t *testing.T) {
	s := NewStreams(nil, nil)
	out, err := s.End()
	if err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if out != (Output{}) {
		t.Errorf("expected empty output, got %+v", out)
	}
}

func TestBeginTwiceResets(t *testing.T) {
	var stdout bytes.Buffer
	s := NewStreams(&stdout, nil)

	s.Begin()
	fmt.Fprint(s.Stdout, "abandoned")
	s.Begin()
	fmt.Fprint(s.Stdout, "fresh")
	out, _ := s.End()

	if out.Stdout != "fresh" {
		t.Errorf("captured stdout = %q, want fresh", out.Stdout)
	}
	if s.Active() {
		t.Error("capture still active after End")
	}

	fmt.Fprint(s.Stdout, "clean")
	if stdout.String() != "clean" {
		t.Errorf("original stdout = %q, want clean", stdout.String())
	}
}

func TestFreshBuffersPerCapture(t *testing.T) {
	s := NewStreams(nil, nil)

	s.Begin()
	fmt.Fprint(s.Stdout, "one")
	first, _ := s.End()

	s.Begin()
	second, _ := s.End()

	if first.Stdout != "one" {
		t.Errorf("first capture = %q", first.Stdout)
	}
	if second.Stdout != "" {
		t.Errorf("second capture leaked %q", second.Stdout)
	}
}

func TestEndFlushesOriginals(t *testing.T) {
	out := &flushWriter{}
	errw := &flushWriter{err: errors.New("disk full")}
	s := NewStreams(out, errw)

	s.Begin()
	fmt.Fprint(s.Stdout, "x")
	got, err := s.End()
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected flush error, got %v", err)
	}
	if got.Stdout != "x" {
		t.Errorf("output should survive a flush error, got %q", got.Stdout)
	}
	if out.flushes != 1 || errw.flushes != 1 {
		t.Errorf("flushes = %d/%d, want 1/1", out.flushes, errw.flushes)
	}
	if s.Active() {
		t.Error("streams must be restored even when flushing fails")
	}
}

func TestConcurrentWrites(t *testing.T) {
	s := NewStreams(nil, nil)
	s.Begin()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fmt.Fprint(s.Stdout, "a")
		}()
	}
	wg.Wait()

	out, _ := s.End()
	if len(out.Stdout) != 50 {
		t.Errorf("expected 50 bytes, got %d", len(out.Stdout))
	}
}
