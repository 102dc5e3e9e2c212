package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/dashboard"
	"github.com/trilogy-data/trilogy-studio-core-sub000/internal/executor"
	"github.com/trilogy-data/trilogy-studio-core-sub000/pkg/core"
)

const maxBodyBytes = 4 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	var badRequest *requestError
	switch {
	case errors.As(err, &badRequest):
		return http.StatusBadRequest
	case errors.Is(err, dashboard.ErrDashboardNotFound),
		errors.Is(err, dashboard.ErrItemNotFound),
		errors.Is(err, executor.ErrQueryNotFound):
		return http.StatusNotFound
	case errors.Is(err, dashboard.ErrDashboardExists):
		return http.StatusConflict
	case core.IsResolutionError(err):
		return http.StatusUnprocessableEntity
	case core.IsConnectionError(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// requestError marks a malformed request.
type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(format string, args ...any) error {
	return &requestError{err: fmt.Errorf(format, args...)}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}
