// Package apperrors defines the error taxonomy shared by the dispatcher,
// scheduler, webhook engine, and HTTP API, per spec.md §7.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code returned in the HTTP
// response envelope's error.code field.
type Code string

const (
	CodeValidation     Code = "VALIDATION_ERROR"
	CodeAuthentication Code = "AUTHENTICATION_ERROR"
	CodeAuthorization  Code = "AUTHORIZATION_ERROR"
	CodeNotFound       Code = "RESOURCE_NOT_FOUND"
	CodeConflict       Code = "RESOURCE_CONFLICT"
	CodeRateLimited    Code = "RATE_LIMIT_EXCEEDED"
	CodeExternal       Code = "EXTERNAL_SERVICE_ERROR"
	CodeInternal       Code = "INTERNAL_ERROR"
)

var statusByCode = map[Code]int{
	CodeValidation:     http.StatusBadRequest,
	CodeAuthentication: http.StatusUnauthorized,
	CodeAuthorization:  http.StatusForbidden,
	CodeNotFound:       http.StatusNotFound,
	CodeConflict:       http.StatusConflict,
	CodeRateLimited:    http.StatusTooManyRequests,
	CodeExternal:       http.StatusServiceUnavailable,
	CodeInternal:       http.StatusInternalServerError,
}

// Error is the typed error carried from a component up to the HTTP layer.
// Details is a flat field->message map suitable for per-field validation
// feedback; it is nil for non-validation errors.
type Error struct {
	Code    Code
	Message string
	Details map[string]string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status code the HTTP layer should respond with.
func (e *Error) HTTPStatus() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func newError(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

func Validation(msg string, details map[string]string) *Error {
	return &Error{Code: CodeValidation, Message: msg, Details: details}
}

func Authentication(msg string) *Error { return newError(CodeAuthentication, msg, nil) }
func Authorization(msg string) *Error  { return newError(CodeAuthorization, msg, nil) }
func NotFound(msg string) *Error       { return newError(CodeNotFound, msg, nil) }
func Conflict(msg string) *Error       { return newError(CodeConflict, msg, nil) }
func RateLimited(msg string) *Error    { return newError(CodeRateLimited, msg, nil) }

func External(msg string, cause error) *Error { return newError(CodeExternal, msg, cause) }
func Internal(msg string, cause error) *Error { return newError(CodeInternal, msg, cause) }

// ErrNotImplemented is returned by stubs the spec leaves as an open
// question (spec.md §9: restoreCheckpoint).
var ErrNotImplemented = newError(CodeInternal, "not implemented", nil)

// As extracts an *Error from err, returning ok=false for plain errors
// (which callers should treat as CodeInternal).
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
