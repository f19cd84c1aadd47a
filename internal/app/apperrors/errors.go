// Package apperrors provides the structured error type used across the event
// governance services so callers can branch on error kind with errors.As
// instead of string matching.
package apperrors

import (
	"errors"
	"fmt"
)

// Code classifies an error by disposition (see the error handling table).
type Code string

const (
	CodeNotFound   Code = "NOT_FOUND"
	CodeValidation Code = "VALIDATION"
	CodeAdapter    Code = "ADAPTER"
	CodeBudget     Code = "BUDGET_EXHAUSTED"
	CodeConflict   Code = "CONFLICT"
	CodeInternal   Code = "INTERNAL"
)

// Error is a structured application error carrying a disposition code,
// optional details, and an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail attaches a key/value detail and returns the same error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func newErr(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func wrapErr(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound builds a not-found error for the named resource.
func NotFound(resource, id string) *Error {
	return newErr(CodeNotFound, "resource not found").
		WithDetail("resource", resource).
		WithDetail("id", id)
}

// Validation builds a validation error describing the offending field.
func Validation(field, reason string) *Error {
	return newErr(CodeValidation, reason).WithDetail("field", field)
}

// Adapter wraps an upstream connector adapter failure.
func Adapter(sourceKey string, err error) *Error {
	return wrapErr(CodeAdapter, "source adapter fetch failed", err).WithDetail("source_key", sourceKey)
}

// BudgetExhausted marks a source as having exceeded its hourly request budget.
func BudgetExhausted(sourceKey string, limit int) *Error {
	return newErr(CodeBudget, "hourly request budget exhausted").
		WithDetail("source_key", sourceKey).
		WithDetail("limit", limit)
}

// Conflict signals a uniqueness or state-transition violation.
func Conflict(message string) *Error {
	return newErr(CodeConflict, message)
}

// Internal wraps an unexpected internal failure (store errors, marshalling, etc).
func Internal(message string, err error) *Error {
	return wrapErr(CodeInternal, message, err)
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// As extracts the *Error from an error chain, if present.
func As(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
