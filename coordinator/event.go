package coordinator

import (
	"encoding/json"
	"time"
)

// Kind identifies the origin of an event.
type Kind string

const (
	KindStdout Kind = "stdout"
	KindStderr Kind = "stderr"
	KindSystem Kind = "system"
	KindError  Kind = "error" // formatted traceback or load failure
)

// Render classes understood by the presentation layer.
const (
	ClassSystem = "system"
	ClassStdout = "stdout"
	ClassStderr = "stderr"
)

// DefaultTimeLayout is the short-time layout used for system event stamps.
const DefaultTimeLayout = time.Kitchen

// Event is one line of the output stream. Seq increases strictly across all
// events of a coordinator.
type Event struct {
	Seq   uint64    `json:"seq"`
	RunID string    `json:"run_id,omitempty"`
	Kind  Kind      `json:"kind"`
	Text  string    `json:"text"`
	Time  time.Time `json:"time"`

	layout string

	// stamped is the timestamp decoded from JSON, used when layout is
	// unknown.
	stamped string
}

// Class returns the render class. Error events render as stderr.
func (e Event) Class() string {
	switch e.Kind {
	case KindStdout:
		return ClassStdout
	case KindStderr, KindError:
		return ClassStderr
	default:
		return ClassSystem
	}
}

// Timestamp formats the event time with the coordinator's short-time layout.
func (e Event) Timestamp() string {
	if e.layout == "" && e.stamped != "" {
		return e.stamped
	}
	layout := e.layout
	if layout == "" {
		layout = DefaultTimeLayout
	}
	return e.Time.Format(layout)
}

// String renders the event the way a console shows it: system events carry
// a timestamp prefix, output events are shown as-is.
func (e Event) String() string {
	if e.Kind == KindSystem {
		return "[" + e.Timestamp() + "] " + e.Text
	}
	return e.Text
}

func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	return json.Marshal(struct {
		plain
		Class     string `json:"class"`
		Timestamp string `json:"timestamp,omitempty"`
	}{
		plain:     plain(e),
		Class:     e.Class(),
		Timestamp: e.stamp(),
	})
}

// UnmarshalJSON keeps the encoded timestamp so a decoded event renders
// with the layout it was emitted with.
func (e *Event) UnmarshalJSON(data []byte) error {
	type plain Event
	var v struct {
		plain
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*e = Event(v.plain)
	e.stamped = v.Timestamp
	return nil
}

func (e Event) stamp() string {
	if e.Kind != KindSystem {
		return ""
	}
	return e.Timestamp()
}

// Sink receives events in emission order.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

type discard struct{}

func (discard) Emit(Event) {}
