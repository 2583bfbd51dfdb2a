package bridge

import (
	"errors"
	"fmt"
)

// Error codes carried in failed results.
const (
	CodeUnknownCapability = "UNKNOWN_CAPABILITY"
	CodeInvalidArgs       = "INVALID_ARGS"
	CodeInternal          = "INTERNAL"
	CodeNetwork           = "NETWORK"
	CodeTimeout           = "TIMEOUT"
	CodeCancelled         = "CANCELLED"
	CodeDestroyed         = "BRIDGE_DESTROYED"
)

// StatusClientClosedRequest is reported for proxied calls aborted by Destroy.
const StatusClientClosedRequest = 499

// Error is a typed bridge failure. It is also the wire form of the error
// member of a failed result.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("bridge: %s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("bridge: %s: %s", e.Code, e.Message)
}

// Is matches bridge errors by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrDestroyed = &Error{Code: CodeDestroyed, Message: "bridge destroyed"}
	ErrTimeout   = &Error{Code: CodeTimeout, Message: "call timed out"}
	ErrCancelled = &Error{Code: CodeCancelled, Message: "call cancelled"}

	ErrTargetOrigin = errors.New("bridge: no target origin and the opaque-origin escape hatch is off")
)

// InvalidArgs returns an INVALID_ARGS error.
func InvalidArgs(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidArgs, Message: fmt.Sprintf(format, args...)}
}

func aborted() *Error {
	return &Error{Code: CodeNetwork, Message: "request aborted", Status: StatusClientClosedRequest}
}
