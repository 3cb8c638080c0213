// Package errors maps coordinator failures onto HTTP status codes and the
// gofulmen error envelope used by every JSON error response.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/3leaps/godispatch/pkg/archive"
	"github.com/3leaps/godispatch/pkg/connection"
	"github.com/3leaps/godispatch/pkg/manifest"
	"github.com/3leaps/godispatch/pkg/match"
	"github.com/3leaps/godispatch/pkg/result"
	"github.com/3leaps/godispatch/pkg/scheduler"
	"github.com/3leaps/godispatch/pkg/task"
	"github.com/3leaps/godispatch/pkg/terminal"
)

// Error codes carried in HTTP error bodies.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotReady           = "NOT_READY"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
)

// AppError is an error with an HTTP status and a stable code.
type AppError struct {
	Code    string
	Status  int
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail returns a copy of e with key set in Details.
func (e *AppError) WithDetail(key string, value any) *AppError {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// NewNotFoundError reports a missing resource.
func NewNotFoundError(resource, id string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Details: map[string]any{"id": id},
	}
}

// NewValidationError reports rejected input.
func NewValidationError(message string, details map[string]any) *AppError {
	return &AppError{Code: CodeValidation, Status: http.StatusBadRequest, Message: message, Details: details}
}

// NewConflictError reports a request that conflicts with current state.
func NewConflictError(message string) *AppError {
	return &AppError{Code: CodeConflict, Status: http.StatusConflict, Message: message}
}

// NewNotReadyError reports a task whose result has not been stored yet.
func NewNotReadyError(taskID string) *AppError {
	return &AppError{
		Code:    CodeNotReady,
		Status:  http.StatusNotFound,
		Message: "result not found",
		Details: map[string]any{"taskId": taskID},
	}
}

// NewServiceUnavailableError reports a dependency or capacity problem.
func NewServiceUnavailableError(message string, details map[string]any) *AppError {
	return &AppError{Code: CodeServiceUnavailable, Status: http.StatusServiceUnavailable, Message: message, Details: details}
}

// NewExternalServiceError reports a failing external collaborator.
func NewExternalServiceError(message string) *AppError {
	return &AppError{Code: CodeExternalService, Status: http.StatusBadGateway, Message: message}
}

// NewMethodNotAllowedError reports an unsupported method on a known route.
func NewMethodNotAllowedError(method, path string) *AppError {
	return &AppError{
		Code:    CodeMethodNotAllowed,
		Status:  http.StatusMethodNotAllowed,
		Message: fmt.Sprintf("method %s not allowed on %s", method, path),
	}
}

// WrapInternal wraps err as an internal error, tagging the request id when
// ctx carries one.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	e := &AppError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: message, Err: err}
	if id := RequestIDFromContext(ctx); id != "" {
		e.Details = map[string]any{"requestId": id}
	}
	return e
}

// FromDomain converts err into an AppError, classifying the sentinel errors
// of the coordinator packages. Unknown errors become INTERNAL_ERROR.
func FromDomain(ctx context.Context, err error) *AppError {
	var app *AppError
	if errors.As(err, &app) {
		return app
	}

	var verr *terminal.ValidationError
	var merrs manifest.ValidationErrors

	switch {
	case errors.As(err, &verr):
		return NewValidationError(err.Error(), map[string]any{"field": verr.Field})
	case task.IsNotFound(err), result.IsUnknownTask(err):
		return &AppError{Code: CodeNotFound, Status: http.StatusNotFound, Message: "task not found", Err: err}
	case task.IsNotReady(err):
		return &AppError{Code: CodeNotReady, Status: http.StatusNotFound, Message: "result not found", Err: err}
	case errors.Is(err, task.ErrInvalidPayload):
		return &AppError{Code: CodeValidation, Status: http.StatusBadRequest, Message: "invalid task payload", Err: err}
	case terminal.IsNotFound(err):
		return &AppError{Code: CodeNotFound, Status: http.StatusNotFound, Message: "terminal not found", Err: err}
	case terminal.IsAlreadyRegistered(err):
		return &AppError{Code: CodeConflict, Status: http.StatusConflict, Message: "terminal already registered", Err: err}
	case terminal.IsInvalidInput(err):
		return &AppError{Code: CodeValidation, Status: http.StatusBadRequest, Message: err.Error(), Err: err}
	case errors.Is(err, connection.ErrTerminalConnected):
		return &AppError{Code: CodeConflict, Status: http.StatusConflict, Message: "terminal has live sessions", Err: err}
	case errors.Is(err, result.ErrWrongTerminal):
		return &AppError{Code: CodeConflict, Status: http.StatusConflict, Message: "task is bound to another terminal", Err: err}
	case scheduler.IsQueueFull(err):
		return &AppError{Code: CodeServiceUnavailable, Status: http.StatusServiceUnavailable, Message: "task queue is full", Err: err}
	case errors.As(err, &merrs):
		return NewValidationError("manifest validation failed", map[string]any{"errors": merrs.Messages()})
	case errors.Is(err, manifest.ErrValidationFailed):
		return &AppError{Code: CodeValidation, Status: http.StatusBadRequest, Message: err.Error(), Err: err}
	case errors.Is(err, match.ErrInvalidPattern):
		return &AppError{Code: CodeValidation, Status: http.StatusBadRequest, Message: err.Error(), Err: err}
	case errors.Is(err, archive.ErrUnavailable), errors.Is(err, archive.ErrThrottled):
		return &AppError{Code: CodeExternalService, Status: http.StatusBadGateway, Message: "archive storage unavailable", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &AppError{Code: CodeServiceUnavailable, Status: http.StatusServiceUnavailable, Message: "request timed out", Err: err}
	}
	return WrapInternal(ctx, err, "internal server error")
}
