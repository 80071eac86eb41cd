/*
errors.go - Centralized error types for the loyalty ledger

PURPOSE:
  All error values in one place. Callers classify with errors.Is and the
  helpers below; the HTTP layer maps classes to status codes.

ERROR CATEGORIES:
  1. Validation errors - bad input, rejected before any transaction opens
  2. Replay markers    - idempotency key already applied (not a failure)
  3. Store errors      - missing rows, transaction failures

SEE ALSO:
  - ledger.go: Produces these errors
  - api/handlers.go: Maps them to HTTP statuses
*/
package loyalty

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateIdempotencyKey is returned by Store.CreateMarker when the
	// key already exists. The ledger converts it into a zero-effect success;
	// it is never surfaced to callers as a failure.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrMissingWallet is returned when an operation is called without a
	// wallet identity.
	ErrMissingWallet = errors.New("wallet identity required")

	// ErrInvalidAmount is returned when an amount is missing, zero, or
	// converts to zero points.
	ErrInvalidAmount = errors.New("amount must be a non-zero positive integer")

	// ErrMissingExternalID is returned when a required external ID
	// (redemption ID) is absent.
	ErrMissingExternalID = errors.New("external id required")

	// ErrBatchNotFound is returned when a top-up batch ID does not exist.
	ErrBatchNotFound = errors.New("topup batch not found")

	// ErrLockNotFound is returned when a legacy lock ID does not exist.
	ErrLockNotFound = errors.New("lock not found")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError carries which input field failed validation.
type ValidationError struct {
	Field  string
	Reason error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Reason }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
// These are permanent rejections: retrying without changing the input will
// fail again.
func IsClientError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrMissingWallet) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrMissingExternalID)
}

// IsNotFound returns true if the error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBatchNotFound) ||
		errors.Is(err, ErrLockNotFound)
}
