/*
errors.go - Centralized error types for the redemption engine

ERROR CATEGORIES:
  1. Input errors - malformed or missing arguments, no state change
  2. Payment errors - verification failed or amount mismatch, no state change
  3. Allocation errors - pool exhausted or token contention
  4. Binding conflicts - resolved only via explicit force
  5. Coordination - lock acquisition timeout, retryable

Failures in every category happen before the single atomic store write, so
"no partial mutation on failure" holds across the engine. Idempotent echoes
(already redeemed, already awarded) are NOT errors - they are success results
with a status flag.
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidArgument is returned for malformed or missing input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrBusy is returned when the lock cannot be acquired within the bounded
	// wait. Safe to retry; no state was touched.
	ErrBusy = errors.New("engine busy: lock wait timed out")

	// ErrPaymentVerification is returned when the verifier reports failure.
	// Not automatically retryable - the session id may be invalid.
	ErrPaymentVerification = errors.New("payment verification failed")

	// ErrAmountMismatch is returned when the paid amount does not match the
	// price of the requested product. Security-relevant rejection.
	ErrAmountMismatch = errors.New("payment amount mismatch")

	// ErrOutOfStock is returned when no available token matches the request.
	// Distinct from verification failures so callers can message accordingly.
	ErrOutOfStock = errors.New("no codes available")

	// ErrTokenUnavailable is returned by a store when a conditional assign
	// finds the token no longer available.
	ErrTokenUnavailable = errors.New("token no longer available")

	// ErrAlreadyBound is returned when the member number is actively bound to
	// a different uid and force was not set.
	ErrAlreadyBound = errors.New("member number already bound to another user")

	// ErrUserAlreadyBound is returned when the uid is actively bound to a
	// different member number and force was not set.
	ErrUserAlreadyBound = errors.New("user already bound to another member number")

	// ErrNoActiveBinding is returned by unbind when the uid has no active row.
	ErrNoActiveBinding = errors.New("no active binding found")

	// ErrDuplicateEntry is returned by a ledger store when a done entry with
	// the same session id already exists.
	ErrDuplicateEntry = errors.New("duplicate ledger entry")

	// ErrMemberNotFound is returned when a directory lookup matches nothing.
	ErrMemberNotFound = errors.New("member not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// AmountMismatchError reports the expected and observed charge.
type AmountMismatchError struct {
	SKU      string
	Expected int64
	Got      int64
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("payment amount mismatch for product %s: expected %d, got %d",
		e.SKU, e.Expected, e.Got)
}

func (e *AmountMismatchError) Unwrap() error { return ErrAmountMismatch }

// UserAlreadyBoundError carries the number the uid is currently bound to, so
// the caller can surface it.
type UserAlreadyBoundError struct {
	UID           string
	CurrentNumber string
}

func (e *UserAlreadyBoundError) Error() string {
	return fmt.Sprintf("user %s already bound to member number %s", e.UID, e.CurrentNumber)
}

func (e *UserAlreadyBoundError) Unwrap() error { return ErrUserAlreadyBound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the operation may succeed if simply retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy)
}

// IsClientError returns true if the error is due to the caller's input or a
// resolvable conflict rather than an internal failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrAmountMismatch) ||
		errors.Is(err, ErrAlreadyBound) ||
		errors.Is(err, ErrUserAlreadyBound) ||
		errors.Is(err, ErrNoActiveBinding)
}
