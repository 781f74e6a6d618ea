package core

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a failure class on the wire. Codes double as the
// event name suffix for typed *_failed events.
type ErrorCode string

const (
	CodeValidationFailed ErrorCode = "validation_failed"
	CodeUnauthorized     ErrorCode = "unauthorized"
	CodeForbidden        ErrorCode = "forbidden"
	CodeRateLimited      ErrorCode = "rate_limited"
	CodeCanvasNotFound   ErrorCode = "canvas_not_found"
	CodeCircuitOpen      ErrorCode = "circuit_open"
	CodeInternalError    ErrorCode = "internal_error"
)

// Sentinel outcomes of the persistence collaborator.
var (
	ErrCanvasNotFound = errors.New("canvas not found")
	ErrObjectNotFound = errors.New("object not found")
	ErrForbidden      = errors.New("forbidden")
)

// SyncError is a failure that can be reported to a client. Message is always
// safe to show a user and never contains credentials.
type SyncError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	// Field names the payload field that failed validation, when applicable.
	Field string `json:"field,omitempty"`
	// RetryAfter suggests a client backoff in seconds for rate limiting.
	RetryAfter int `json:"retry_after,omitempty"`
}

func (e *SyncError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %q)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Retryable reports whether a client may usefully retry the same request.
// Validation and authorization failures are final; the rest resolve with
// time or backoff.
func (e *SyncError) Retryable() bool {
	switch e.Code {
	case CodeValidationFailed, CodeForbidden, CodeCanvasNotFound:
		return false
	default:
		return true
	}
}

func NewValidationError(field, message string) *SyncError {
	return &SyncError{Code: CodeValidationFailed, Message: message, Field: field}
}

func NewUnauthorizedError(message string) *SyncError {
	return &SyncError{Code: CodeUnauthorized, Message: message}
}

func NewForbiddenError(message string) *SyncError {
	return &SyncError{Code: CodeForbidden, Message: message}
}

func NewRateLimitError(retryAfter int) *SyncError {
	return &SyncError{
		Code:       CodeRateLimited,
		Message:    "rate limit exceeded, slow down and retry later",
		RetryAfter: retryAfter,
	}
}

func NewCanvasNotFoundError(canvasID string) *SyncError {
	return &SyncError{Code: CodeCanvasNotFound, Message: fmt.Sprintf("canvas %s does not exist", canvasID)}
}

func NewCircuitOpenError(name string) *SyncError {
	return &SyncError{Code: CodeCircuitOpen, Message: fmt.Sprintf("%s is temporarily unavailable, try again shortly", name)}
}

func NewInternalError() *SyncError {
	return &SyncError{Code: CodeInternalError, Message: "internal error, the operation was not applied"}
}

// AsSyncError extracts a SyncError from an error chain, mapping the
// collaborator sentinels to their typed equivalents. Unknown errors become
// internal_error so raw failures never reach a client.
func AsSyncError(err error) *SyncError {
	if err == nil {
		return nil
	}
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr
	}
	switch {
	case errors.Is(err, ErrCanvasNotFound), errors.Is(err, ErrObjectNotFound):
		return &SyncError{Code: CodeCanvasNotFound, Message: err.Error()}
	case errors.Is(err, ErrForbidden):
		return NewForbiddenError("you do not have access to this canvas")
	default:
		return NewInternalError()
	}
}
