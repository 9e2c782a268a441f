package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/caffeineduck/pyedit/coordinator"
	"github.com/caffeineduck/pyedit/history"
	"github.com/go-chi/chi/v5"
)

type sessionResponse struct {
	ID        string            `json:"id"`
	State     coordinator.State `json:"state"`
	Ready     bool              `json:"ready"`
	CreatedAt time.Time         `json:"created_at"`
	LastEvent uint64            `json:"last_event"`
	Error     string            `json:"error,omitempty"`
}

type runRequest struct {
	Code string `json:"code"`
}

type runResponse struct {
	RunID      string              `json:"run_id"`
	State      coordinator.State   `json:"state"`
	Events     []coordinator.Event `json:"events"`
	Value      any                 `json:"value,omitempty"`
	DurationMs int64               `json:"duration_ms"`
	Error      string              `json:"error,omitempty"`
}

type installRequest struct {
	Name string `json:"name"`
}

type installResponse struct {
	Name      string              `json:"name"`
	Installed bool                `json:"installed"`
	Events    []coordinator.Event `json:"events"`
	Error     string              `json:"error,omitempty"`
}

type eventsResponse struct {
	Events []coordinator.Event `json:"events"`
	Last   uint64              `json:"last"`
	State  coordinator.State   `json:"state"`
}

func describe(s *Session) sessionResponse {
	resp := sessionResponse{
		ID:        s.ID,
		State:     s.Coordinator.State(),
		Ready:     s.Coordinator.IsReady(),
		CreatedAt: s.CreatedAt,
		LastEvent: s.Log.Last(),
	}
	if err := s.Coordinator.LoadError(); err != nil {
		resp.Error = coordinator.FormatError(err)
	}
	return resp
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) session(r *http.Request) (*Session, error) {
	return s.sessions.Get(chi.URLParam(r, "id"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Len(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Create(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, describe(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, describe(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	err := s.sessions.Close(chi.URLParam(r, "id"))
	if errors.Is(err, ErrSessionNotFound) {
		writeError(w, err)
		return
	}
	if err != nil {
		s.logger.Warn("error closing session", slog.String("error", err.Error()))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req runRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	// A client that disconnects mid-run must not take the interpreter down.
	res := sess.Coordinator.Run(context.WithoutCancel(r.Context()), req.Code)
	s.record(r.Context(), sess.ID, req.Code, res)

	resp := runResponse{
		RunID:      res.RunID,
		State:      sess.Coordinator.State(),
		Events:     res.Events,
		Value:      res.Value,
		DurationMs: res.Duration.Milliseconds(),
	}

	status := http.StatusOK
	if res.Rejected() {
		status, _ = statusFor(res.Error)
		resp.Error = res.Error.Error()
	} else if res.Error != nil {
		resp.Error = coordinator.FormatError(res.Error)
	}
	writeJSON(w, status, resp)
}

func (s *Server) record(ctx context.Context, sessionID, source string, res coordinator.Result) {
	if s.history == nil {
		return
	}
	if err := s.history.Save(context.WithoutCancel(ctx), history.FromResult(sessionID, source, res)); err != nil {
		s.logger.Warn("failed to record run",
			slog.String("run_id", res.RunID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req installRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, fmt.Errorf("%w: package name required", errBadRequest))
		return
	}

	before := sess.Log.Last()
	err = sess.Coordinator.LoadModule(context.WithoutCancel(r.Context()), req.Name)

	resp := installResponse{
		Name:      req.Name,
		Installed: err == nil,
		Events:    sess.Log.Since(before),
	}

	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status, _ = statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusUnprocessableEntity
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		after, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, fmt.Errorf("%w: invalid after %q", errBadRequest, v))
			return
		}
	}

	writeJSON(w, http.StatusOK, eventsResponse{
		Events: sess.Log.Since(after),
		Last:   sess.Log.Last(),
		State:  sess.Coordinator.State(),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, errHistoryDisabled)
		return
	}

	f := history.Filter{SessionID: r.URL.Query().Get("session")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, fmt.Errorf("%w: invalid limit %q", errBadRequest, v))
			return
		}
		f.Limit = n
	}

	runs, err := s.history.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, errHistoryDisabled)
		return
	}

	run, err := s.history.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
