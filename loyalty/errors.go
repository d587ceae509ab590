/*
errors.go - Centralized error types for the loyalty engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch on them with errors.Is / errors.As; store
  implementations wrap driver errors into these.

ERROR CATEGORIES:
  1. Rejections - Correctly enforced business rules (surfaced, never retried)
  2. Not found - Referenced member / benefit does not exist
  3. Transient - Store contention, retried internally with backoff
  4. Unavailable - Store unreachable, fatal for the current call

SEE ALSO:
  - retry.go: Uses IsRetryable to drive the retry loop
  - api/handlers.go: Maps these to HTTP status codes
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
	// ErrMemberNotFound is returned when the member id has no account.
	ErrMemberNotFound = errors.New("member not found")

	// ErrInvalidAdjustment is returned for a negative nights delta or a points
	// delta that would drive the running points below zero.
	ErrInvalidAdjustment = errors.New("invalid adjustment")

	// ErrAlreadyAssigned is returned when the member already holds an active
	// instance of an exclusive benefit type.
	ErrAlreadyAssigned = errors.New("benefit already assigned to member")

	// ErrNoBenefitAvailable is returned when no available instance is left.
	ErrNoBenefitAvailable = errors.New("no benefit available")

	// ErrBenefitTypeNotFound is returned for an unknown benefit type.
	ErrBenefitTypeNotFound = errors.New("benefit type not found")

	// ErrBenefitNotFound is returned for an unknown benefit instance.
	ErrBenefitNotFound = errors.New("benefit instance not found")

	// ErrNotEligible is returned when the member's tier is excluded from a benefit type.
	ErrNotEligible = errors.New("member tier not eligible for benefit")

	// ErrInvalidTransition is returned for a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid benefit status transition")

	// ErrMemberExists is returned when registering an id that is already taken.
	ErrMemberExists = errors.New("member already exists")

	// ErrInvalidInput is returned for malformed requests (empty ids, bad counts).
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicateReference is returned by a store when the (member, external ref)
	// index rejects an insert. The Processor treats it as a lost race.
	ErrDuplicateReference = errors.New("duplicate external reference")

	// ErrTransientConflict signals store contention (busy, locked, serialization
	// failure). Safe to retry.
	ErrTransientConflict = errors.New("transient store conflict")

	// ErrRetriesExhausted wraps the last transient conflict after the retry budget ran out.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrStoreUnavailable means the persistence layer cannot be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidAdjustmentError explains why an adjustment was rejected.
type InvalidAdjustmentError struct {
	MemberID      MemberID
	CurrentPoints int64
	PointsDelta   int64
	NightsDelta   int64
	Reason        string
}

func (e *InvalidAdjustmentError) Error() string {
	return fmt.Sprintf("invalid adjustment for %s: %s (points %d, delta %d, nights delta %d)",
		e.MemberID, e.Reason, e.CurrentPoints, e.PointsDelta, e.NightsDelta)
}

func (e *InvalidAdjustmentError) Unwrap() error {
	return ErrInvalidAdjustment
}

// AlreadyAssignedError identifies the hold that blocked an assignment.
// HeldInstance is empty when the store only reported the index violation.
type AlreadyAssignedError struct {
	MemberID     MemberID
	TypeID       BenefitTypeID
	HeldInstance BenefitInstanceID
}

func (e *AlreadyAssignedError) Error() string {
	if e.HeldInstance == "" {
		return fmt.Sprintf("member %s already holds %s", e.MemberID, e.TypeID)
	}
	return fmt.Sprintf("member %s already holds %s (instance %s)", e.MemberID, e.TypeID, e.HeldInstance)
}

func (e *AlreadyAssignedError) Unwrap() error {
	return ErrAlreadyAssigned
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error is contention rather than a decision.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientConflict) || errors.Is(err, ErrDuplicateReference)
}

// IsRejection returns true if the error is a correctly enforced business rule.
// These must be shown to users as such, never as a generic failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInvalidAdjustment) ||
		errors.Is(err, ErrAlreadyAssigned) ||
		errors.Is(err, ErrNoBenefitAvailable) ||
		errors.Is(err, ErrNotEligible) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrMemberExists) ||
		errors.Is(err, ErrInvalidInput)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMemberNotFound) ||
		errors.Is(err, ErrBenefitTypeNotFound) ||
		errors.Is(err, ErrBenefitNotFound)
}
