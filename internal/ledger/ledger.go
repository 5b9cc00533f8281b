/**
 * @description
 * This package implements the idempotency ledger that guards money movement. A key is
 * reserved before any outbound processor call, committed with the outcome once the
 * processor answers, and released only when the call definitely never happened.
 *
 * @notes
 * - Reserve is an atomic test-and-set: of N concurrent reservations for one key exactly
 *   one observes StatusFresh.
 * - Abandoned reservations (in flight longer than a timeout) are listed by Abandoned and
 *   may be released only by the reconciliation sweeper after it has resolved the payment.
 */

package ledger

import (
	"context"
	"errors"
	"time"
)

// Status is the result of a reservation attempt.
type Status string

const (
	StatusFresh     Status = "fresh"
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
)

// Outcome is the recorded result of a committed key.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

// Reservation is returned by Reserve.
type Reservation struct {
	Status     Status
	Outcome    Outcome
	ReservedAt time.Time
}

var (
	ErrKeyRequired = errors.New("idempotency key is required")
	ErrNotReserved = errors.New("idempotency key is not reserved")
)

// Ledger is the idempotency ledger contract.
type Ledger interface {
	Reserve(ctx context.Context, key string) (Reservation, error)
	Commit(ctx context.Context, key string, outcome Outcome) error
	Release(ctx context.Context, key string) error
	// Abandoned lists keys that have been in flight for longer than olderThan.
	Abandoned(ctx context.Context, olderThan time.Duration) ([]string, error)
}
