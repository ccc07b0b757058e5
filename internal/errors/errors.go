// Package errors defines the service error taxonomy shared by every domain
// service and the HTTP surface. The code set is closed: handlers map any
// unrecognized failure to SERVER_ERROR.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a failure class in the closed error-code set.
type Code string

const (
	CodeSchemaInvalid       Code = "SCHEMA_INVALID"
	CodeInvalidActorContext Code = "INVALID_ACTOR_CONTEXT"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeForbidden           Code = "FORBIDDEN"
	CodeNotFound            Code = "NOT_FOUND"
	CodeConflict            Code = "CONFLICT"
	CodeConstraintViolation Code = "CONSTRAINT_VIOLATION"
	CodeIdempotencyMismatch Code = "IDEMPOTENCY_KEY_REUSE_PAYLOAD_MISMATCH"
	CodeUpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
	CodeServerError         Code = "SERVER_ERROR"
)

// statusByCode is the canonical HTTP status mapping.
var statusByCode = map[Code]int{
	CodeSchemaInvalid:       http.StatusBadRequest,
	CodeInvalidActorContext: http.StatusBadRequest,
	CodeUnauthorized:        http.StatusUnauthorized,
	CodeForbidden:           http.StatusForbidden,
	CodeNotFound:            http.StatusNotFound,
	CodeConflict:            http.StatusConflict,
	CodeConstraintViolation: http.StatusUnprocessableEntity,
	CodeIdempotencyMismatch: http.StatusConflict,
	CodeUpstreamUnavailable: http.StatusServiceUnavailable,
	CodeServerError:         http.StatusInternalServerError,
}

// ServiceError carries a code, a human message, and structured details.
type ServiceError struct {
	Code       Code           `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	HTTPStatus int            `json:"-"`
	cause      error
}

// Error implements error.
func (e *ServiceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *ServiceError) Unwrap() error { return e.cause }

// WithDetails returns the error with an extra detail attached.
func (e *ServiceError) WithDetails(key string, value any) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause attaches an underlying error.
func (e *ServiceError) WithCause(err error) *ServiceError {
	e.cause = err
	return e
}

// New builds a ServiceError for the given code.
func New(code Code, message string) *ServiceError {
	status, ok := statusByCode[code]
	if !ok {
		code = CodeServerError
		status = http.StatusInternalServerError
	}
	return &ServiceError{Code: code, Message: message, HTTPStatus: status}
}

// Newf builds a ServiceError with a formatted message.
func Newf(code Code, format string, args ...any) *ServiceError {
	return New(code, fmt.Sprintf(format, args...))
}

func SchemaInvalid(message string) *ServiceError { return New(CodeSchemaInvalid, message) }

func InvalidActorContext(message string) *ServiceError {
	return New(CodeInvalidActorContext, message)
}

func Unauthorized(message string) *ServiceError { return New(CodeUnauthorized, message) }

func Forbidden(message string) *ServiceError { return New(CodeForbidden, message) }

// NotFound reports a missing entity of the given kind.
func NotFound(kind, id string) *ServiceError {
	return Newf(CodeNotFound, "%s %s not found", kind, id).WithDetails("id", id)
}

func Conflict(message string) *ServiceError { return New(CodeConflict, message) }

func ConstraintViolation(message string) *ServiceError {
	return New(CodeConstraintViolation, message)
}

// IdempotencyMismatch reports a reused idempotency key with a different
// payload hash.
func IdempotencyMismatch(scopeKey, originalHash, newHash string) *ServiceError {
	e := New(CodeIdempotencyMismatch, "idempotency key reused with a different payload")
	e.Details = map[string]any{
		"scope_key":     scopeKey,
		"original_hash": originalHash,
		"new_hash":      newHash,
	}
	return e
}

func UpstreamUnavailable(message string) *ServiceError {
	return New(CodeUpstreamUnavailable, message)
}

// Internal wraps an unexpected failure as SERVER_ERROR.
func Internal(message string, cause error) *ServiceError {
	return New(CodeServerError, message).WithCause(cause)
}

// GetServiceError extracts a *ServiceError from err, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// Wrap coerces any error into a ServiceError, defaulting to SERVER_ERROR.
func Wrap(err error) *ServiceError {
	if err == nil {
		return nil
	}
	if se := GetServiceError(err); se != nil {
		return se
	}
	return Internal("internal error", err)
}
