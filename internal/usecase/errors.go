package usecase

import "fmt"

type ErrorCode string

const (
	ErrorValidation      ErrorCode = "VALIDATION_ERROR"
	ErrorNotFound        ErrorCode = "CONVERSATION_NOT_FOUND"
	ErrorRateLimited     ErrorCode = "RATE_LIMITED"
	ErrorUpstreamTimeout ErrorCode = "UPSTREAM_TIMEOUT"
	ErrorUpstream        ErrorCode = "UPSTREAM_SERVICE_ERROR"
	ErrorStorage         ErrorCode = "STORAGE_ERROR"
	ErrorInternal        ErrorCode = "INTERNAL_ERROR"
)

// Error is the closed failure taxonomy crossing the usecase boundary. Code
// drives the HTTP status, Reason is a stable machine-readable detail, and Err
// carries the wrapped cause for server-side logs only.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
