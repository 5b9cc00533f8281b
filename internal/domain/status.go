package domain

import (
	"time"

	"github.com/google/uuid"
)

// ReasonCategory is the user-facing explanation for a failed payment.
// Raw processor codes never leave the service; they are translated into one of these.
type ReasonCategory string

const (
	ReasonNone                  ReasonCategory = ""
	ReasonInvalidRequest        ReasonCategory = "invalid_payment_request"
	ReasonContractorNotPayable  ReasonCategory = "contractor_account_not_payable"
	ReasonProcessorRejected     ReasonCategory = "payment_rejected_by_processor"
	ReasonFundingDeclined       ReasonCategory = "funding_source_declined"
	ReasonProcessorUnavailable  ReasonCategory = "processor_unavailable"
	ReasonAwaitingConfirmation  ReasonCategory = "awaiting_processor_confirmation"
	ReasonRetryScheduled        ReasonCategory = "retry_scheduled"
	ReasonOperatorInvestigation ReasonCategory = "under_operator_review"
)

// UserStatus is the coarse status shown on the dashboard.
type UserStatus string

const (
	UserStatusPending              UserStatus = "pending"
	UserStatusCompleted            UserStatus = "completed"
	UserStatusFailedRequiresAction UserStatus = "failed_requires_action"
)

// PaymentOutcome is the terminal result reported through onPaymentTerminal.
type PaymentOutcome string

const (
	OutcomeCompleted            PaymentOutcome = "completed"
	OutcomeDeclined             PaymentOutcome = "declined"
	OutcomeRejected             PaymentOutcome = "rejected"
	OutcomeFailedRequiresAction PaymentOutcome = "failed_requires_action"
)

// TerminalEvent is emitted exactly once per payment that reaches a terminal outcome.
type TerminalEvent struct {
	EventID            uuid.UUID      `json:"event_id"`
	MilestoneID        string         `json:"milestone_id"`
	PaymentID          uuid.UUID      `json:"payment_id"`
	Attempt            int            `json:"attempt"`
	Outcome            PaymentOutcome `json:"outcome"`
	Reason             ReasonCategory `json:"reason,omitempty"`
	AmountMinorUnits   int64          `json:"amount_minor_units"`
	Currency           string         `json:"currency"`
	ProcessorChargeRef string         `json:"processor_charge_ref,omitempty"`
	OccurredAt         time.Time      `json:"occurred_at"`
}

// NewTerminalEvent builds the terminal notification for a payment.
func NewTerminalEvent(p MilestonePayment, outcome PaymentOutcome, reason ReasonCategory, at time.Time) TerminalEvent {
	return TerminalEvent{
		EventID:            uuid.New(),
		MilestoneID:        p.MilestoneID,
		PaymentID:          p.ID,
		Attempt:            p.Attempt,
		Outcome:            outcome,
		Reason:             reason,
		AmountMinorUnits:   p.AmountMinorUnits,
		Currency:           p.Currency,
		ProcessorChargeRef: p.ChargeRef(),
		OccurredAt:         at.UTC(),
	}
}

// PaymentStatusView is what operators and the dashboard read for a milestone.
type PaymentStatusView struct {
	MilestoneID        string             `json:"milestone_id"`
	Status             UserStatus         `json:"status"`
	Reason             ReasonCategory     `json:"reason,omitempty"`
	Attempt            int                `json:"attempt"`
	AmountMinorUnits   int64              `json:"amount_minor_units"`
	Currency           string             `json:"currency"`
	ProcessorChargeRef string             `json:"processor_charge_ref,omitempty"`
	UpdatedAt          time.Time          `json:"updated_at"`
	Attempts           []PaymentAttemptVM `json:"attempts"`
}

// PaymentAttemptVM is a single attempt as shown in the status history.
type PaymentAttemptVM struct {
	Attempt   int            `json:"attempt"`
	State     PaymentState   `json:"state"`
	Reason    ReasonCategory `json:"reason,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ViewStatus maps the latest attempt of a milestone onto the user-facing status.
// maxAttempts bounds automatic retries of DispatchFailed attempts.
func ViewStatus(latest MilestonePayment, maxAttempts int) (UserStatus, ReasonCategory) {
	switch latest.State {
	case PaymentStateCompleted:
		return UserStatusCompleted, ReasonNone
	case PaymentStateRejected, PaymentStateDeclined:
		return UserStatusFailedRequiresAction, latest.FailureCategory
	case PaymentStateDispatchFailed:
		if latest.Retryable && latest.Attempt < maxAttempts && !latest.RequiresAttention {
			return UserStatusPending, ReasonRetryScheduled
		}
		return UserStatusFailedRequiresAction, latest.FailureCategory
	case PaymentStateAwaitingConfirmation:
		return UserStatusPending, ReasonAwaitingConfirmation
	default:
		if latest.RequiresAttention {
			return UserStatusPending, ReasonOperatorInvestigation
		}
		return UserStatusPending, ReasonNone
	}
}

// BuildStatusView assembles the status view from a milestone's attempts, oldest first.
func BuildStatusView(attempts []MilestonePayment, maxAttempts int) PaymentStatusView {
	if len(attempts) == 0 {
		return PaymentStatusView{}
	}
	latest := attempts[len(attempts)-1]
	status, reason := ViewStatus(latest, maxAttempts)
	view := PaymentStatusView{
		MilestoneID:        latest.MilestoneID,
		Status:             status,
		Reason:             reason,
		Attempt:            latest.Attempt,
		AmountMinorUnits:   latest.AmountMinorUnits,
		Currency:           latest.Currency,
		ProcessorChargeRef: latest.ChargeRef(),
		UpdatedAt:          latest.UpdatedAt,
		Attempts:           make([]PaymentAttemptVM, 0, len(attempts)),
	}
	for _, a := range attempts {
		view.Attempts = append(view.Attempts, PaymentAttemptVM{
			Attempt:   a.Attempt,
			State:     a.State,
			Reason:    a.FailureCategory,
			CreatedAt: a.CreatedAt,
			UpdatedAt: a.UpdatedAt,
		})
	}
	return view
}
