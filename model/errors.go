package model

import (
	"context"
	"errors"
	"fmt"
)

// Error codes shared across the ingestion core. Components attach a code to
// every failure they surface so callers can branch on kind rather than on
// message text.
const (
	ErrCodeValidation         = "VALIDATION"
	ErrCodeProviderTransient  = "PROVIDER_TRANSIENT"
	ErrCodeProviderTerminal   = "PROVIDER_TERMINAL"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
	ErrCodeAllProvidersFailed = "ALL_PROVIDERS_FAILED"
	ErrCodePartialImport      = "PARTIAL_IMPORT"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeInternal           = "INTERNAL"
)

// Error is the structured error carried through the core. It wraps an
// optional cause and carries free-form details for diagnostics.
type Error struct {
	Code    string
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a coded error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError creates a coded error around a cause.
func WrapError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithDetail attaches a key/value pair to the error's details.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the error code, defaulting to INTERNAL for unknown errors.
func CodeOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}

// AsError extracts the structured error from a chain.
func AsError(err error, target **Error) bool {
	return errors.As(err, target)
}

// IsCancellation reports whether the error represents a cancelled run rather
// than a failure. Sessions transition to cancelled, not failed, for these.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	var ce *Error
	if errors.As(err, &ce) && ce.Code == ErrCodeCancelled {
		return true
	}
	return errors.Is(err, context.Canceled)
}
