package interp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/caffeineduck/pyedit/hostfunc"
)

// Guest-to-host signals travel on the guest's stderr as
// \x00PYEDIT_<KIND>[:<json>]\x00. Everything else on stderr is user output.
const (
	signalStart = "\x00PYEDIT_"
	signalEnd   = "\x00"

	kindReady  = "READY"
	kindResult = "RESULT"
	kindCall   = "CALL"
)

// signalKinds are what may follow signalStart. Any other text after a
// signalStart is user output.
var signalKinds = []string{kindReady + signalEnd, kindResult + ":", kindCall + ":"}

// command is one line written to the guest's stdin.
type command struct {
	Type string `json:"type"`
	Code string `json:"code,omitempty"`
}

type evalResult struct {
	Value *string `json:"value"`
	Error *string `json:"error"`
}

type callRequest struct {
	Fn   string         `json:"fn"`
	Args map[string]any `json:"args"`
}

type callResponse struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// protocol is the guest's stderr. It strips signals out of the stream,
// answers host calls on the guest's stdin, and forwards the remaining bytes
// to stderr.
type protocol struct {
	ctx      context.Context
	registry *hostfunc.Registry
	stdin    io.Writer
	stderr   io.Writer

	buf     bytes.Buffer
	readyCh chan struct{}
	ready   bool
	doneCh  chan evalResult

	mu      sync.Mutex
	writeMu sync.Mutex
}

func newProtocol(ctx context.Context, registry *hostfunc.Registry, stdin, stderr io.Writer) *protocol {
	return &protocol{
		ctx:      ctx,
		registry: registry,
		stdin:    stdin,
		stderr:   stderr,
		readyCh:  make(chan struct{}),
		doneCh:   make(chan evalResult, 1),
	}
}

func (p *protocol) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf.Write(data)
	for p.next() {
	}
	return len(data), nil
}

// next consumes at most one signal from the buffer and reports whether it
// did. Must be called with p.mu held.
func (p *protocol) next() bool {
	content := p.buf.String()

	idx := strings.Index(content, signalStart)
	if idx == -1 {
		keep := partialSignal(content)
		p.passthrough(content[:len(content)-keep])
		p.buf.Reset()
		p.buf.WriteString(content[len(content)-keep:])
		return false
	}

	p.passthrough(content[:idx])

	rest := content[idx+len(signalStart):]
	known, undecided := matchKind(rest)
	if undecided {
		p.buf.Reset()
		p.buf.WriteString(content[idx:])
		return false
	}
	if !known {
		// User text that looks like a signal. Emit its NUL and resume the
		// search after it.
		p.passthrough(content[idx : idx+1])
		p.buf.Reset()
		p.buf.WriteString(content[idx+1:])
		return true
	}

	end := strings.Index(rest, signalEnd)
	if end == -1 {
		p.buf.Reset()
		p.buf.WriteString(content[idx:])
		return false
	}

	p.buf.Reset()
	p.buf.WriteString(rest[end+len(signalEnd):])
	p.dispatch(rest[:end])
	return true
}

// matchKind reports whether rest starts with a signal kind, or is too short
// to tell yet.
func matchKind(rest string) (known, undecided bool) {
	for _, k := range signalKinds {
		if strings.HasPrefix(rest, k) {
			return true, false
		}
		if len(rest) < len(k) && strings.HasPrefix(k, rest) {
			undecided = true
		}
	}
	return false, undecided
}

// partialSignal returns the length of the longest suffix of s that could be
// the beginning of a signal still in flight.
func partialSignal(s string) int {
	for n := min(len(s), len(signalStart)-1); n > 0; n-- {
		if strings.HasPrefix(signalStart, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}

func (p *protocol) passthrough(s string) {
	if s == "" {
		return
	}
	io.WriteString(p.stderr, s)
}

func (p *protocol) dispatch(msg string) {
	kind, payload, _ := strings.Cut(msg, ":")

	switch kind {
	case kindReady:
		if !p.ready {
			p.ready = true
			close(p.readyCh)
		}

	case kindResult:
		var res evalResult
		if err := json.Unmarshal([]byte(payload), &res); err != nil {
			text := "malformed result from interpreter: " + err.Error()
			res = evalResult{Error: &text}
		}
		select {
		case p.doneCh <- res:
		default:
		}

	case kindCall:
		var req callRequest
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			go p.respond(callResponse{Error: "invalid call format"})
			return
		}
		// Host functions may block; never hold p.mu while they run.
		go func() {
			p.respond(p.execute(req))
		}()
	}
}

func (p *protocol) execute(req callRequest) callResponse {
	fn, ok := p.registry.Get(req.Fn)
	if !ok {
		return callResponse{Error: "unknown function: " + req.Fn}
	}

	result, err := fn(p.ctx, req.Args)
	if err != nil {
		return callResponse{Error: err.Error()}
	}
	return callResponse{Data: result}
}

func (p *protocol) respond(resp callResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		data = []byte(`{"error":"internal: failed to marshal response"}`)
	}
	p.writeLine(data)
}

func (p *protocol) send(cmd command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return p.writeLine(data)
}

func (p *protocol) writeLine(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.stdin.Write(append(data, '\n'))
	return err
}

func (p *protocol) Ready() <-chan struct{} {
	return p.readyCh
}

// reset drops any stale result and returns the channel the next result
// will arrive on.
func (p *protocol) reset() <-chan evalResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.doneCh:
	default:
	}
	return p.doneCh
}
