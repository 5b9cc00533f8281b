/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the payout-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (PostgreSQL in production, an in-memory store in tests and local runs).
 *
 * @notes
 * - Every payment state change goes through TransitionPayment, a compare-and-set on the
 *   current state. A terminal transition writes its outbox message in the same transaction.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payout-service/internal/domain"
)

var (
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrActivePaymentExists  = errors.New("milestone already has a non-final payment attempt")
	ErrDuplicateAttempt     = errors.New("payment attempt already exists")
	ErrStaleTransition      = errors.New("payment state changed concurrently")
	ErrInvalidTransition    = errors.New("payment state transition not allowed")
	ErrAccountNotFound      = errors.New("contractor account not found")
	ErrWebhookEventNotFound = errors.New("webhook event not found")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	PaymentRepository
	AccountRepository
	WebhookEventRepository
	OutboxRepository
}

// PaymentRepository persists milestone payment attempts.
type PaymentRepository interface {
	CreatePayment(ctx context.Context, payment *domain.MilestonePayment) error
	FindPaymentByID(ctx context.Context, id uuid.UUID) (*domain.MilestonePayment, error)
	FindLatestPaymentByMilestone(ctx context.Context, milestoneID string) (*domain.MilestonePayment, error)
	ListPaymentsByMilestone(ctx context.Context, milestoneID string) ([]domain.MilestonePayment, error)
	FindPaymentByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.MilestonePayment, error)
	FindPaymentByChargeRef(ctx context.Context, processor string, chargeRef string) (*domain.MilestonePayment, error)
	TransitionPayment(ctx context.Context, params TransitionParams) (*domain.MilestonePayment, error)
	RecordReconcileAttempt(ctx context.Context, paymentID uuid.UUID, attempt ReconcileAttempt) error
	ListPaymentsInStates(ctx context.Context, filter PaymentFilter) ([]domain.MilestonePayment, error)
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.MilestonePayment, error)
}

// AccountRepository persists the contractor account cache.
type AccountRepository interface {
	GetContractorAccount(ctx context.Context, accountRef string) (*domain.ContractorAccount, error)
	// UpsertContractorAccount stores the account unless a newer observation is already stored.
	UpsertContractorAccount(ctx context.Context, account domain.ContractorAccount) error
}

// ClaimStatus is the result of claiming a webhook event for processing.
type ClaimStatus string

const (
	// ClaimAcquired means the caller owns the event until the lease expires.
	ClaimAcquired ClaimStatus = "acquired"
	// ClaimProcessed means the event was already applied.
	ClaimProcessed ClaimStatus = "processed"
	// ClaimBusy means another handler holds an unexpired lease.
	ClaimBusy ClaimStatus = "busy"
)

// WebhookEventRepository deduplicates processor notifications.
type WebhookEventRepository interface {
	ClaimWebhookEvent(ctx context.Context, event domain.WebhookEvent, lease time.Duration) (ClaimStatus, error)
	MarkWebhookEventProcessed(ctx context.Context, eventID string) error
	ReleaseWebhookEvent(ctx context.Context, eventID string) error
	PurgeWebhookEvents(ctx context.Context, processedBefore time.Time) (int64, error)
}

// OutboxMessage is a message awaiting delivery to the broker.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// OutboxRepository stores messages until the dispatcher publishes them.
type OutboxRepository interface {
	EnqueueOutboxMessage(ctx context.Context, exchange, routingKey string, payload interface{}) error
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// TerminalMessage routes a terminal event through the outbox.
type TerminalMessage struct {
	Exchange   string
	RoutingKey string
	Event      domain.TerminalEvent
}

// PaymentFilter selects payments for the reconciliation sweep. Rows come back ordered by
// next_reconcile_at (never reconciled first), then by updated_at.
type PaymentFilter struct {
	States        []domain.PaymentState
	UpdatedBefore time.Time
	// ReconcileDueBy skips rows whose next reconciliation is scheduled after it.
	ReconcileDueBy *time.Time
	// ExcludeFlagged skips rows already marked requires_attention.
	ExcludeFlagged bool
	Limit          int
}

// ReconcileAttempt records one reconciliation pass over a payment.
type ReconcileAttempt struct {
	LastError         string
	RequiresAttention bool
	NextReconcileAt   *time.Time
}

// TransitionParams describes a guarded state change of one payment.
type TransitionParams struct {
	PaymentID          uuid.UUID
	From               domain.PaymentState
	To                 domain.PaymentState
	ProcessorChargeRef *string
	LastError          *string
	FailureCategory    domain.ReasonCategory
	Retryable          bool
	NextAttemptAt      *time.Time
	RequiresAttention  bool
	// Terminal, when set, is enqueued in the same transaction as the state change.
	// At most one terminal message is ever stored per payment.
	Terminal *TerminalMessage
}

// Validate checks the transition is allowed by the payment lifecycle.
func (p TransitionParams) Validate() error {
	if p.PaymentID == uuid.Nil {
		return errors.New("payment id is required")
	}
	if !domain.CanTransition(p.From, p.To) {
		return ErrInvalidTransition
	}
	return nil
}
