// Package errors provides application error types, HTTP error envelopes,
// and helpers shared by the CLI and the status server.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Error codes used in envelopes and logs.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeBadRequest         = "BAD_REQUEST"
	CodeConflict           = "CONFLICT"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
)

// AppError is an error with a stable machine-readable code.
type AppError struct {
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New returns an AppError with the given code and message.
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// NewExternalServiceError reports an unavailable dependency (batch system,
// object store).
func NewExternalServiceError(message string) error {
	return &AppError{Code: CodeExternalService, Message: message}
}

// WrapInternal wraps err as an internal error, carrying the request id
// from ctx when present.
func WrapInternal(ctx context.Context, err error, message string) error {
	if err == nil {
		return nil
	}
	appErr := &AppError{Code: CodeInternal, Message: message, Err: err}
	if id := RequestIDFromContext(ctx); id != "" {
		appErr.Details = map[string]any{"request_id": id}
	}
	return appErr
}

// CodeOf returns the code of the first AppError in err's chain, or
// INTERNAL_ERROR.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

type requestIDKey struct{}

// WithRequestID stores a request id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
