package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/caffeineduck/pyedit/coordinator"
	"github.com/caffeineduck/pyedit/history"
)

var (
	errBadRequest      = errors.New("bad request")
	errHistoryDisabled = errors.New("history disabled")
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// statusFor maps domain errors to an HTTP status and machine-readable type.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, history.ErrNotFound), errors.Is(err, errHistoryDisabled):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrTooManySessions):
		return http.StatusTooManyRequests, "too_many_sessions"
	case errors.Is(err, coordinator.ErrLoading):
		return http.StatusConflict, "loading"
	case errors.Is(err, coordinator.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, coordinator.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, kind := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", slog.String("error", msg))
		msg = "An internal error occurred"
	}
	writeJSON(w, status, ErrorResponse{Error: kind, Message: msg})
}
