// Package errors defines the unified error types returned by the gateway.
// Every failure surfaced to a client is mapped to one of these kinds.
package errors

import (
	"fmt"
	"net/http"
)

// Common error types as constants for consistency.
const (
	TypeInvalidRequest          = "invalid_request_error"
	TypeAuthentication          = "authentication_error"
	TypeRateLimitExceeded       = "rate_limit_exceeded"
	TypeCoordinationUnavailable = "coordination_unavailable"
	TypeOverloaded              = "overloaded"
	TypeGeneratorFailed         = "generator_failed"
	TypeInternalError           = "internal_error"
)

// APIError represents a standardized gateway error.
// It contains everything needed for error handling, logging, and the
// client-facing response body.
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Type       string `json:"type"`

	// Dimension and RetryAfter are set only for rate-limit errors.
	Dimension  string `json:"dimension,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Dimension != "" {
		return fmt.Sprintf("[%s] %s (dimension=%s, retry_after=%ds)",
			e.Type, e.Message, e.Dimension, e.RetryAfter)
	}
	return fmt.Sprintf("[%s] %s (code=%d)", e.Type, e.Message, e.StatusCode)
}

// HTTPStatusCode returns the HTTP status code for the error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRateLimit reports whether the error is the expected 429 kind.
// Rate limits are never logged at error level and never counted as faults.
func (e *APIError) IsRateLimit() bool {
	return e.Type == TypeRateLimitExceeded
}

// NewInvalidRequestError creates an invalid request error (400).
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeInvalidRequest,
	}
}

// NewAuthenticationError creates an authentication error (401).
func NewAuthenticationError(message string) *APIError {
	return &APIError{
		StatusCode: http.StatusUnauthorized,
		Message:    message,
		Type:       TypeAuthentication,
	}
}

// NewRateLimitError creates a rate limit error (429) for one dimension.
// retryAfter is the earliest re-admission hint in whole seconds.
func NewRateLimitError(dimension string, retryAfter int) *APIError {
	return &APIError{
		StatusCode: http.StatusTooManyRequests,
		Message:    fmt.Sprintf("%s limit exceeded", dimension),
		Type:       TypeRateLimitExceeded,
		Dimension:  dimension,
		RetryAfter: retryAfter,
	}
}

// NewCoordinationUnavailableError creates a coordination store failure error (502).
// The gateway never admits when the store cannot be reached.
func NewCoordinationUnavailableError(message string) *APIError {
	return &APIError{
		StatusCode: http.StatusBadGateway,
		Message:    message,
		Type:       TypeCoordinationUnavailable,
	}
}

// NewOverloadedError creates an overload error (503) for the in-flight ceiling.
func NewOverloadedError(message string) *APIError {
	return &APIError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Type:       TypeOverloaded,
	}
}

// NewGeneratorFailedError creates a generator failure error (502).
func NewGeneratorFailedError(message string) *APIError {
	return &APIError{
		StatusCode: http.StatusBadGateway,
		Message:    message,
		Type:       TypeGeneratorFailed,
	}
}

// NewInternalError creates an internal server error (500).
func NewInternalError(message string) *APIError {
	return &APIError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeInternalError,
	}
}
