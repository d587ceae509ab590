package loyalty

import (
	"context"
	"errors"
	"time"
)

// Observer captures telemetry for engine operations.
type Observer interface {
	ObserveOperation(op string, duration time.Duration, outcome Outcome)
	ObserveRetry(op string)
	ObserveTierChange(from, to TierID)
}

// Outcome classifies how an operation ended, for metrics labels.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeReplayed    Outcome = "replayed"
	OutcomeRejected    Outcome = "rejected"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeConflict    Outcome = "conflict"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeCanceled    Outcome = "canceled"
	OutcomeError       Outcome = "error"
)

// OutcomeOf maps an operation error to its Outcome.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case IsRejection(err):
		return OutcomeRejected
	case IsNotFound(err):
		return OutcomeNotFound
	case errors.Is(err, ErrStoreUnavailable):
		return OutcomeUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	case IsRetryable(err), errors.Is(err, ErrRetriesExhausted):
		return OutcomeConflict
	default:
		return OutcomeError
	}
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) ObserveOperation(string, time.Duration, Outcome) {}
func (NopObserver) ObserveRetry(string)                             {}
func (NopObserver) ObserveTierChange(TierID, TierID)                {}
