// Package flowerr defines the engine's error kinds (§7 of the spec) as a
// single wrapping error type, in the teacher's sentinel-error style
// (tools.ValidationError, workflow.ErrInvalidEvent) generalized to carry a
// kind enum instead of one sentinel per error.
package flowerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the engine's error categories.
type Kind string

// Error kinds, exactly as named in the spec's §7 table.
const (
	ExpressionRejected    Kind = "ExpressionRejected"
	ExpressionRuntimeErr  Kind = "ExpressionRuntimeError"
	TemplateSyntaxError   Kind = "TemplateSyntaxError"
	TransformInvalid      Kind = "TransformInvalid"
	SchemaValidationFailed Kind = "SchemaValidationFailed"
	ToolNotFound          Kind = "ToolNotFound"
	HTTPTransport         Kind = "HttpTransport"
	HTTPStatus            Kind = "HttpStatus"
	Timeout               Kind = "Timeout"
	Cancelled             Kind = "Cancelled"
	FlowNotFound          Kind = "FlowNotFound"
	StepBudgetExceeded    Kind = "StepBudgetExceeded"
	FlowCatalogInvalid    Kind = "FlowCatalogInvalid"
	Internal              Kind = "Internal"
)

// Error is the engine's uniform error type: a kind plus a message plus an
// optional wrapped cause. User-visible surfaces never render Error directly —
// they look up a message-registry string instead (§7) — but the kind and
// cause are what callers branch on.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// StatusCode and StatusClass are set only for HttpStatus errors.
	StatusCode  int
	StatusClass int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// HTTPStatusError builds an HttpStatus error tagged with its status code and class.
func HTTPStatusError(message string, statusCode int) *Error {
	return &Error{Kind: HTTPStatus, Message: message, StatusCode: statusCode, StatusClass: statusCode / 100}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, else "".
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Retryable reports whether an error represents a transient condition worth
// retrying per §4.6: transport errors, 5xx/408/429, and timeouts.
func Retryable(err error) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Kind {
	case HTTPTransport, Timeout:
		return true
	case HTTPStatus:
		return fe.StatusClass == 5 || fe.StatusCode == 429 || fe.StatusCode == 408
	default:
		return false
	}
}
