// Package derr defines the typed domain errors shared by the engines and the
// HTTP dispatcher. Engines return *derr.Error values; the dispatcher performs
// the single mapping to an HTTP response body {code, message, details?,
// requestId}.
package derr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a domain error with a stable machine-readable code.
type Error struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates a domain error with the given code, HTTP status and message.
func New(code string, status int, format string, args ...interface{}) *Error {
	return &Error{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: status,
	}
}

// WithDetails returns a copy of e carrying structured details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// As unwraps err into a *Error, or nil when err is not a domain error.
func As(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return nil
}

// Validation builds a 400 validation error.
func Validation(code, format string, args ...interface{}) *Error {
	return New(code, http.StatusBadRequest, format, args...)
}

// NotFound builds a 404 error.
func NotFound(code, format string, args ...interface{}) *Error {
	return New(code, http.StatusNotFound, format, args...)
}

// Conflict builds a 409 error.
func Conflict(code, format string, args ...interface{}) *Error {
	return New(code, http.StatusConflict, format, args...)
}

// Internal is the opaque 500 the dispatcher serializes for non-domain
// failures; the underlying error is logged, never sent to the client.
func Internal() *Error {
	return &Error{
		Code:       "INTERNAL",
		Message:    "internal error",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Common cross-cutting errors.
var (
	ErrUnauthenticated = New("AUTH_UNAUTHENTICATED", http.StatusUnauthorized, "missing or invalid credentials")
	ErrScopeForbidden  = New("AUTH_SCOPE_FORBIDDEN", http.StatusForbidden, "credential lacks the scope for this route")
)
