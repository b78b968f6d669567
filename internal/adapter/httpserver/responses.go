// Package httpserver contains the ops API handlers and middleware.
//
// It exposes event intake, inspection, stats, and dead-letter redrive over
// REST, keeping HTTP concerns out of the relay and usecase layers.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/outbox-relay/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrDuplicateTracking):
		code = http.StatusConflict
		codeStr = "DUPLICATE_TRACKING"
	case errors.Is(err, domain.ErrBacklogExceeded):
		code = http.StatusTooManyRequests
		codeStr = "BACKLOG_EXCEEDED"
	case errors.Is(err, domain.ErrLeaseLost):
		code = http.StatusConflict
		codeStr = "LEASE_LOST"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
