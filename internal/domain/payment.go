/**
 * @description
 * This file defines the milestone payment model and its lifecycle. Every payment attempt
 * for a milestone is a row in `milestone_payments`; the state field only ever moves along
 * the edges listed in `paymentTransitions`.
 *
 * @notes
 * - Amounts are int64 minor units (cents, kobo) to avoid floating-point drift.
 * - The idempotency key is derived from the milestone id and the attempt counter, so a
 *   duplicate approval or a crash-restart always produces the same key for the same attempt.
 */

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PaymentState is the lifecycle state of a single payment attempt.
type PaymentState string

const (
	PaymentStateRequested            PaymentState = "requested"
	PaymentStateDispatching          PaymentState = "dispatching"
	PaymentStateAwaitingConfirmation PaymentState = "awaiting_confirmation"
	PaymentStateCompleted            PaymentState = "completed"
	PaymentStateRejected             PaymentState = "rejected"
	PaymentStateDispatchFailed       PaymentState = "dispatch_failed"
	PaymentStateDeclined             PaymentState = "declined"
)

var paymentTransitions = map[PaymentState][]PaymentState{
	PaymentStateRequested:            {PaymentStateDispatching, PaymentStateRejected},
	PaymentStateDispatching:          {PaymentStateAwaitingConfirmation, PaymentStateDispatchFailed},
	PaymentStateAwaitingConfirmation: {PaymentStateCompleted, PaymentStateDeclined},
}

// CanTransition reports whether a payment may move from one state to another.
func CanTransition(from, to PaymentState) bool {
	for _, next := range paymentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known state.
func (s PaymentState) Valid() bool {
	switch s {
	case PaymentStateRequested, PaymentStateDispatching, PaymentStateAwaitingConfirmation,
		PaymentStateCompleted, PaymentStateRejected, PaymentStateDispatchFailed, PaymentStateDeclined:
		return true
	default:
		return false
	}
}

// IsFinal reports whether the attempt can no longer change state.
// A milestone may start a new attempt only once its latest attempt is final.
func (s PaymentState) IsFinal() bool {
	return len(paymentTransitions[s]) == 0
}

// IsTerminal reports whether the state ends the milestone's payment without a retry path.
// DispatchFailed is final for the attempt but may be followed by another attempt.
func (s PaymentState) IsTerminal() bool {
	switch s {
	case PaymentStateCompleted, PaymentStateRejected, PaymentStateDeclined:
		return true
	default:
		return false
	}
}

// MilestonePayment is one payment attempt for an approved milestone.
// It maps to the `milestone_payments` table and is never deleted.
type MilestonePayment struct {
	ID                   uuid.UUID      `json:"id"`
	MilestoneID          string         `json:"milestone_id"`
	Attempt              int            `json:"attempt"`
	ContractorAccountRef string         `json:"contractor_account_ref"`
	FundingSourceRef     string         `json:"funding_source_ref,omitempty"`
	AmountMinorUnits     int64          `json:"amount_minor_units"`
	Currency             string         `json:"currency"`
	Processor            string         `json:"processor"`
	IdempotencyKey       string         `json:"idempotency_key"`
	State                PaymentState   `json:"state"`
	ProcessorChargeRef   *string        `json:"processor_charge_ref,omitempty"`
	LastError            *string        `json:"last_error,omitempty"`
	FailureCategory      ReasonCategory `json:"failure_category,omitempty"`
	Retryable            bool           `json:"retryable"`
	NextAttemptAt        *time.Time     `json:"next_attempt_at,omitempty"`
	ReconcileAttempts    int            `json:"reconcile_attempts"`
	LastReconciledAt     *time.Time     `json:"last_reconciled_at,omitempty"`
	NextReconcileAt      *time.Time     `json:"next_reconcile_at,omitempty"`
	RequiresAttention    bool           `json:"requires_attention"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// ChargeRef returns the processor charge reference or an empty string.
func (p MilestonePayment) ChargeRef() string {
	if p.ProcessorChargeRef == nil {
		return ""
	}
	return *p.ProcessorChargeRef
}

// IdempotencyKeyFor derives the processor idempotency key for a milestone attempt.
func IdempotencyKeyFor(milestoneID string, attempt int) string {
	return fmt.Sprintf("mp-%s-%d", strings.TrimSpace(milestoneID), attempt)
}

// MilestoneApproval is the input delivered by the contract subsystem when a milestone is approved.
type MilestoneApproval struct {
	MilestoneID          string `json:"milestone_id"`
	ContractorAccountRef string `json:"contractor_account_ref"`
	FundingSourceRef     string `json:"funding_source_ref,omitempty"`
	AmountMinorUnits     int64  `json:"amount_minor_units"`
	Currency             string `json:"currency"`
}

// Normalize trims identifiers and upper-cases the currency code.
func (a MilestoneApproval) Normalize() MilestoneApproval {
	a.MilestoneID = strings.TrimSpace(a.MilestoneID)
	a.ContractorAccountRef = strings.TrimSpace(a.ContractorAccountRef)
	a.FundingSourceRef = strings.TrimSpace(a.FundingSourceRef)
	a.Currency = strings.ToUpper(strings.TrimSpace(a.Currency))
	return a
}

// Validate checks the approval is well formed.
func (a MilestoneApproval) Validate() error {
	if a.MilestoneID == "" {
		return fmt.Errorf("milestone_id is required")
	}
	if a.ContractorAccountRef == "" {
		return fmt.Errorf("contractor_account_ref is required")
	}
	if a.AmountMinorUnits <= 0 {
		return fmt.Errorf("amount_minor_units must be positive")
	}
	if len(a.Currency) != 3 {
		return fmt.Errorf("currency must be a three-letter ISO code")
	}
	return nil
}
