// Package errors provides the structured error type used across the
// agent module's HTTP boundary and model validation.
package errors

import (
	"fmt"
	"strings"
)

// Error is a structured, user-facing error. handlers type-switch on
// *Error to decide whether to echo the message to the caller or fold
// it into a generic 500.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an *Error with the given code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a cause to a new *Error without losing it from Unwrap.
func Wrap(code string, cause error) *Error {
	msg := code
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Code: code, Message: msg, cause: cause}
}

// EmptyParamErr reports a required parameter that was missing.
func EmptyParamErr(param string) *Error {
	return New("empty_param", fmt.Sprintf("%s cannot be empty", param))
}

// InvalidBodyErr reports a request body that failed to decode.
func InvalidBodyErr(err error) *Error {
	return Wrap("invalid_body", err)
}

// ValidationFailedErr reports a model that failed Validate().
func ValidationFailedErr(err error) *Error {
	return Wrap("validation_failed", err)
}

// NotFoundErr reports a missing resource.
func NotFoundErr(resource string) *Error {
	return New("not_found", fmt.Sprintf("%s not found", resource))
}

// ValidationErrors accumulates field-level validation failures. Models
// build one up with Add() and return ve.Err(), which is nil when no
// field was added.
type ValidationErrors struct {
	fields map[string]string
	order  []string
}

// ValidationErrs returns a fresh accumulator.
func ValidationErrs() *ValidationErrors {
	return &ValidationErrors{fields: map[string]string{}}
}

// Add records a field-level validation failure.
func (v *ValidationErrors) Add(field, reason string) {
	if _, seen := v.fields[field]; !seen {
		v.order = append(v.order, field)
	}
	v.fields[field] = reason
}

// Empty reports whether no field failures were recorded.
func (v *ValidationErrors) Empty() bool {
	return len(v.fields) == 0
}

// Err returns nil when Empty(), else an *Error with one field per
// validation failure.
func (v *ValidationErrors) Err() error {
	if v.Empty() {
		return nil
	}
	parts := make([]string, 0, len(v.order))
	for _, field := range v.order {
		parts = append(parts, fmt.Sprintf("%s: %s", field, v.fields[field]))
	}
	return &Error{
		Code:    "validation_failed",
		Message: strings.Join(parts, "; "),
		Fields:  v.fields,
	}
}
