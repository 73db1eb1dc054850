// Package apperr holds the error taxonomy shared by the settlement services.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation marks bad input rejected before any mutation.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientFunds is returned when available balance cannot cover a debit.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidSignature is returned when a webhook signature does not verify.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrAlreadyResolved reports an idempotent no-op on a terminal state.
	ErrAlreadyResolved = errors.New("already resolved")
	// ErrProviderUnavailable is a transient provider failure and the only retryable class.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrOperationInFlight is returned to a concurrent duplicate of a claimed operation.
	ErrOperationInFlight = errors.New("operation in flight")
	// ErrIrrecoverableMismatch means a wallet failed its ledger invariant and is frozen.
	ErrIrrecoverableMismatch = errors.New("irrecoverable ledger mismatch")
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")
)

// Validation wraps ErrValidation with a formatted reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound wraps ErrNotFound with the kind of record that was missing.
func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

// Unavailable wraps ErrProviderUnavailable with context.
func Unavailable(provider string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, provider, err)
}

// Retryable reports whether err is a transient provider failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}

// Permanent reports errors that no amount of retrying will fix.
func Permanent(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrIrrecoverableMismatch) ||
		errors.Is(err, ErrNotFound)
}

// HTTPStatus maps an error to the status code the API responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAlreadyResolved):
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrOperationInFlight):
		return http.StatusConflict
	case errors.Is(err, ErrIrrecoverableMismatch):
		return http.StatusLocked
	case errors.Is(err, ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code returns a stable machine-readable code for API error bodies.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrOperationInFlight):
		return "operation_in_flight"
	case errors.Is(err, ErrIrrecoverableMismatch):
		return "irrecoverable_mismatch"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	default:
		return "internal_error"
	}
}
