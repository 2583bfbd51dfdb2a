package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/dohr-michael/newgate/internal/events"
	"github.com/dohr-michael/newgate/internal/store"
)

// ErrorType classifies a failed sandbox response.
type ErrorType string

const (
	ErrorBusiness ErrorType = "BUSINESS"
	ErrorDatabase ErrorType = "DATABASE"
)

// Failure is a rejection produced by the gate or by a resource handler.
// Message is safe to show to the plugin; Err carries the detail that is
// only logged.
type Failure struct {
	Status  int
	Type    ErrorType
	Message string
	Stage   events.DenyStage
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s (%d): %s: %v", f.Type, f.Status, f.Message, f.Err)
	}
	return fmt.Sprintf("%s (%d): %s", f.Type, f.Status, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

func business(status int, stage events.DenyStage, msg string) *Failure {
	return &Failure{Status: status, Type: ErrorBusiness, Message: msg, Stage: stage}
}

func database(stage events.DenyStage, msg string, err error) *Failure {
	return &Failure{Status: http.StatusInternalServerError, Type: ErrorDatabase, Message: msg, Stage: stage, Err: err}
}

// BadRequest returns a 400 BUSINESS failure for handlers rejecting input.
func BadRequest(format string, args ...any) *Failure {
	return business(http.StatusBadRequest, events.StageHandler, fmt.Sprintf(format, args...))
}

// classify maps a handler error onto a response failure using the store's
// tagged errors.
func classify(err error) *Failure {
	var (
		f  *Failure
		ve *store.ValidationError
		de *store.DBError
	)
	switch {
	case errors.As(err, &f):
		if f.Stage == "" {
			f.Stage = events.StageHandler
		}
		return f
	case errors.As(err, &ve):
		return &Failure{Status: http.StatusBadRequest, Type: ErrorBusiness, Message: ve.Error(), Stage: events.StageHandler, Err: err}
	case errors.Is(err, store.ErrNotFound):
		return &Failure{Status: http.StatusNotFound, Type: ErrorBusiness, Message: "resource not found", Stage: events.StageHandler, Err: err}
	case errors.As(err, &de):
		return database(events.StageHandler, "database error", err)
	default:
		return &Failure{Status: http.StatusInternalServerError, Type: ErrorBusiness, Message: "internal error", Stage: events.StageHandler, Err: err}
	}
}

type errorBody struct {
	Error     string    `json:"error"`
	ErrorType ErrorType `json:"errorType"`
	RequestID string    `json:"requestId"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeFailure(w http.ResponseWriter, requestID string, f *Failure) {
	writeJSON(w, f.Status, errorBody{Error: f.Message, ErrorType: f.Type, RequestID: requestID})
}
