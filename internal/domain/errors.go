package domain

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrNotFound  = errors.New("record not found")
	ErrForbidden = errors.New("access forbidden: you don't own this resource")
	ErrConflict  = errors.New("concurrent modification detected")

	// ErrUnauthorized means the caller could not be authenticated.
	ErrUnauthorized = errors.New("authentication failed")

	// ErrValidation marks bad caller input. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrGatewayUnavailable covers network failures, timeouts and 5xx answers
	// from the payment gateway or the IMSI wholesaler. Safe to retry.
	ErrGatewayUnavailable = errors.New("upstream gateway unavailable")

	// ErrGatewayRejected covers 4xx business rejections. Not retried verbatim.
	ErrGatewayRejected = errors.New("upstream gateway rejected the request")

	// ErrIntegrity means the gateway echoed an invoice or amount that does not
	// match the stored payment. Fatal for the operation.
	ErrIntegrity = errors.New("payment integrity check failed")
)

// GatewayError carries the upstream status and message of a failed remote call.
type GatewayError struct {
	Service    string
	StatusCode int
	Message    string
}

func (e *GatewayError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Service, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Service, e.StatusCode, e.Message)
}

// Unwrap maps the error onto the retryable/non-retryable sentinels.
func (e *GatewayError) Unwrap() error {
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return ErrGatewayRejected
	}
	return ErrGatewayUnavailable
}

// NewValidationError wraps ErrValidation with a caller-facing message.
func NewValidationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
