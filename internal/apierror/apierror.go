// Package apierror defines the closed set of error kinds the Run
// Manager produces and their HTTP status mapping, so every handler
// returns the same ErrorResponse shape regardless of which component
// raised the failure.
package apierror

import (
	"fmt"
	"net/http"
)

// Kind is the closed set of error kinds from spec §7.
type Kind string

const (
	InvalidRequest Kind = "INVALID_REQUEST"
	Unauthenticated Kind = "UNAUTHENTICATED"
	Forbidden      Kind = "FORBIDDEN"
	NotFound       Kind = "NOT_FOUND"
	Conflict       Kind = "CONFLICT"
	Unsupported    Kind = "UNSUPPORTED"
	StorageIO      Kind = "STORAGE_IO"
	StorageFull    Kind = "STORAGE_FULL"
	Internal       Kind = "INTERNAL"
	Upstream       Kind = "UPSTREAM"
)

var statusByKind = map[Kind]int{
	InvalidRequest:  http.StatusBadRequest,
	Unauthenticated: http.StatusUnauthorized,
	Forbidden:       http.StatusForbidden,
	NotFound:        http.StatusNotFound,
	Conflict:        http.StatusConflict,
	Unsupported:     http.StatusBadRequest,
	StorageIO:       http.StatusInternalServerError,
	StorageFull:     http.StatusServiceUnavailable,
	Internal:        http.StatusInternalServerError,
	Upstream:        http.StatusBadGateway,
}

// Status returns the HTTP status code for k, defaulting to 500 for an
// unrecognized kind.
func (k Kind) Status() int {
	if s, ok := statusByKind[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is the error type every component returns; handlers unwrap it
// into the wire ErrorResponse, and anything that isn't an *Error maps
// to Internal.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an *Error carrying cause as context.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Response is the wire body returned on every 4xx/5xx, per spec §6.1.
type Response struct {
	Msg        string `json:"msg"`
	StatusCode int    `json:"status_code"`
}

// ToResponse converts err into the wire ErrorResponse, defaulting
// unrecognized errors to INTERNAL/500 without leaking internals.
func ToResponse(err error) (int, Response) {
	if apiErr, ok := err.(*Error); ok {
		return apiErr.Kind.Status(), Response{Msg: apiErr.Msg, StatusCode: apiErr.Kind.Status()}
	}
	return http.StatusInternalServerError, Response{Msg: "internal error", StatusCode: http.StatusInternalServerError}
}
