// Package output holds the presentation-side consumers of coordinator
// events: a bounded console log, a line writer and a fan-out.
package output

import (
	"io"
	"sync"

	"github.com/caffeineduck/pyedit/coordinator"
)

// DefaultLogSize is the number of events a Log retains when none is given.
const DefaultLogSize = 1000

// Log keeps the most recent events in a ring.
type Log struct {
	mu    sync.RWMutex
	buf   []coordinator.Event
	start int
	n     int
	last  uint64
}

// NewLog returns a Log retaining up to size events.
func NewLog(size int) *Log {
	if size <= 0 {
		size = DefaultLogSize
	}
	return &Log{buf: make([]coordinator.Event, size)}
}

func (l *Log) Emit(e coordinator.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.n < len(l.buf) {
		l.buf[(l.start+l.n)%len(l.buf)] = e
		l.n++
	} else {
		l.buf[l.start] = e
		l.start = (l.start + 1) % len(l.buf)
	}
	if e.Seq > l.last {
		l.last = e.Seq
	}
}

// Events returns the retained events, oldest first.
func (l *Log) Events() []coordinator.Event {
	return l.Since(0)
}

// Since returns retained events with Seq greater than seq, oldest first.
func (l *Log) Since(seq uint64) []coordinator.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]coordinator.Event, 0, l.n)
	for i := 0; i < l.n; i++ {
		e := l.buf[(l.start+i)%len(l.buf)]
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// Run returns the retained events of one run.
func (l *Log) Run(runID string) []coordinator.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []coordinator.Event
	for i := 0; i < l.n; i++ {
		e := l.buf[(l.start+i)%len(l.buf)]
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

// Last returns the highest sequence number seen, or 0.
func (l *Log) Last() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.n
}

// Clear drops retained events. Sequence tracking is kept.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.buf)
	l.start, l.n = 0, 0
}

// Writer renders each event as a line on an io.Writer.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	err error
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Emit(e coordinator.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return
	}
	text := e.String()
	if text == "" || text[len(text)-1] != '\n' {
		text += "\n"
	}
	if _, err := io.WriteString(w.w, text); err != nil {
		w.err = err
	}
}

// Err returns the first write error. Events after it are dropped.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

type multi []coordinator.Sink

// Multi returns a Sink that delivers each event to every non-nil sink in
// order.
func Multi(sinks ...coordinator.Sink) coordinator.Sink {
	m := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

func (m multi) Emit(e coordinator.Event) {
	for _, s := range m {
		s.Emit(e)
	}
}
