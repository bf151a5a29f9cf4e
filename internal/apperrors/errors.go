// Package apperrors provides an error type that carries an HTTP status
// code. The orchestrator, the project/task registries, and the
// conversation manager return AppErrors for input-validation, not-found,
// and conflict cases, so the gateway handlers can map them to a response
// code; other failures are plain wrapped errors
// (fmt.Errorf("...: %w", err)) and map to 500.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes corresponding to spec.md §7's error taxonomy.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeBadRequest         = "BAD_REQUEST"
	CodeConflict           = "CONFLICT"
	CodeValidationError    = "VALIDATION_ERROR"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError carries an HTTP status alongside a plain error chain.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"httpStatus"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// NotFound builds a not-found error for a resource of the given kind.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s with id %q not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest builds an input-validation error (spec.md §7: malformed id,
// empty prompt, non-absolute path, non-positive timeout, …).
func BadRequest(message string) *AppError {
	return &AppError{Code: CodeBadRequest, Message: message, HTTPStatus: http.StatusBadRequest}
}

// ValidationError builds a field-scoped input-validation error.
func ValidationError(field, message string) *AppError {
	return &AppError{
		Code:       CodeValidationError,
		Message:    fmt.Sprintf("validation failed for field %q: %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict builds an invariant-violation error (spec.md §7: a transition
// that would leave the task record inconsistent).
func Conflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message, HTTPStatus: http.StatusConflict}
}

// InternalError builds a collaborator error (spec.md §7: AR, filesystem,
// VCS, or registry I/O failed), wrapping the underlying cause.
func InternalError(message string, err error) *AppError {
	return &AppError{Code: CodeInternalError, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// ServiceUnavailable builds an error for a collaborator that is reachable
// but currently refusing work (e.g. the AR runtime handle isn't started).
func ServiceUnavailable(service string) *AppError {
	return &AppError{
		Code:       CodeServiceUnavailable,
		Message:    fmt.Sprintf("service %q is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// Wrap attaches additional context to err, preserving its AppError code
// and status if it already has one.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}
	return &AppError{Code: CodeInternalError, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// IsNotFound reports whether err is (or wraps) a not-found AppError.
func IsNotFound(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == CodeNotFound
}

// IsBadRequest reports whether err is (or wraps) an input-validation
// AppError.
func IsBadRequest(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && (appErr.Code == CodeBadRequest || appErr.Code == CodeValidationError)
}

// HTTPStatus returns the status code for err, defaulting to 500 when err
// is not an AppError.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
