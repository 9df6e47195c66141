/*
errors.go - Centralized error taxonomy for the gamification engine

PURPOSE:
  All error types in one place. Components return these (or wrap them)
  so callers can branch with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Validation   - bad amount, unknown reward/definition reference
  2. Eligibility  - level too low, insufficient points, out of stock
  3. Conflict     - already claimed, already completed, duplicate award
  4. NotFound     - unknown grant/leaderboard/challenge/reward
  5. Transient    - lock contention, optimistic version mismatch
  6. Unavailable  - transient failures that outlived the retry budget

  The first four are deterministic and go straight back to the caller.
  Transient errors are retried by Runner and surface as Unavailable.

SEE ALSO:
  - unit.go: Retry loop that consumes IsRetryable
  - api/errors.go: HTTP status mapping
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
	ErrValidation  = errors.New("validation error")
	ErrEligibility = errors.New("eligibility error")
	ErrConflict    = errors.New("conflict")
	ErrNotFound    = errors.New("not found")
	ErrTransient   = errors.New("transient storage error")
	ErrUnavailable = errors.New("unavailable")

	// ErrInsufficientPoints is returned when a debit would drive available below zero.
	ErrInsufficientPoints = fmt.Errorf("insufficient points: %w", ErrEligibility)

	// ErrOutOfStock is returned when a finite catalog item has no units left.
	ErrOutOfStock = fmt.Errorf("out of stock: %w", ErrEligibility)

	// ErrConcurrentModification is returned when an optimistic version check fails.
	ErrConcurrentModification = fmt.Errorf("concurrent modification: %w", ErrTransient)
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// DomainError is a categorised, user-presentable error.
type DomainError struct {
	Kind    error
	Message string
}

func (e *DomainError) Error() string { return e.Message }
func (e *DomainError) Unwrap() error { return e.Kind }

func NewValidationError(format string, args ...any) error {
	return &DomainError{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func NewEligibilityError(format string, args ...any) error {
	return &DomainError{Kind: ErrEligibility, Message: fmt.Sprintf(format, args...)}
}

func NewConflictError(format string, args ...any) error {
	return &DomainError{Kind: ErrConflict, Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError reports a missing entity, e.g. NewNotFoundError("grant", 42).
func NewNotFoundError(what string, id any) error {
	return &DomainError{Kind: ErrNotFound, Message: fmt.Sprintf("%s %v not found", what, id)}
}

// InsufficientPointsError provides details about a balance shortage.
type InsufficientPointsError struct {
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points for %s: available %d, requested %d",
		e.UserID, e.Available, e.Requested)
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

// OutOfStockError names the exhausted catalog item.
type OutOfStockError struct {
	RewardID string
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("reward %s is out of stock", e.RewardID)
}

func (e *OutOfStockError) Unwrap() error { return ErrOutOfStock }

// UnavailableError is what a transient failure becomes once retries are spent.
type UnavailableError struct {
	Op       string
	Attempts int
	Cause    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable after %d attempts: %v", e.Op, e.Attempts, e.Cause)
}

func (e *UnavailableError) Unwrap() []error { return []error{ErrUnavailable, e.Cause} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) && !errors.Is(err, ErrUnavailable)
}

// IsClientError returns true if the error is deterministic and caused by the request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrEligibility) ||
		errors.Is(err, ErrConflict)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
