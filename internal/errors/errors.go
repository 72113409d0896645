// Package errors holds the sentinel errors shared by all sensorcache packages,
// category helpers and the mapping from errors to HTTP status codes.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Configuration errors. These fail the process at startup.
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrInvalidCapacity = errors.New("invalid field capacity")

	// Ingestion errors
	ErrMalformedBatch   = errors.New("malformed batch")
	ErrMalformedSample  = errors.New("malformed sample")
	ErrInvalidFieldName = errors.New("invalid field name")

	// Request errors
	ErrInvalidRequest = errors.New("invalid request")
	ErrTooManyRows    = errors.New("too many rows")

	// Session errors
	ErrSessionClosed  = errors.New("session is closed")
	ErrCreditTimeout  = errors.New("timed out waiting for ready")
	ErrServiceStopped = errors.New("service stopped")
)

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// New is a convenience wrapper for errors.New
var New = errors.New

// ============================================================================
// Categories
// ============================================================================

// IsConfig returns true if err comes from configuration validation.
func IsConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrInvalidCapacity)
}

// IsMalformed returns true if err describes unusable client input.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedBatch) ||
		errors.Is(err, ErrMalformedSample) ||
		errors.Is(err, ErrInvalidFieldName) ||
		errors.Is(err, ErrInvalidRequest)
}

// IsSessionEnd returns true if err only means a session ended.
func IsSessionEnd(err error) bool {
	return errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrCreditTimeout)
}

// HTTPStatus maps an error to the status code the HTTP endpoints answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsMalformed(err):
		return http.StatusBadRequest
	case errors.Is(err, ErrTooManyRows):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrServiceStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ============================================================================
// Wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewValidation creates a configuration validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMalformed creates a malformed-input error with context.
func NewMalformed(sentinel error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
}
