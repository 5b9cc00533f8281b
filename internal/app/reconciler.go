/**
 * @description
 * This file applies verified processor webhooks to payments and contractor accounts.
 *
 * @notes
 * - The signature is checked before the payload is decoded.
 * - Each event id is claimed before it is applied and marked processed only after the
 *   transition commits, so a redelivery of an applied event is acknowledged as a duplicate
 *   and a failed one is applied again.
 * - Events that no longer match the payment's state (out-of-order or replayed) are
 *   acknowledged without changing anything.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/transfa/payout-service/internal/dispatch"
	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/ledger"
	"github.com/transfa/payout-service/internal/processor"
	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/internal/webhooks"
)

// WebhookOutcome is the answer given to the processor for one delivery.
type WebhookOutcome string

const (
	WebhookAccepted          WebhookOutcome = "accepted"
	WebhookRejectedSignature WebhookOutcome = "rejected_signature"
	WebhookDuplicate         WebhookOutcome = "duplicate"
)

// ErrEventInProgress is returned when another handler holds the event's claim.
var ErrEventInProgress = errors.New("webhook event is being processed")

// AccountSignals receives verified account state changes.
type AccountSignals interface {
	Upgrade(ctx context.Context, account domain.ContractorAccount) (domain.ContractorAccount, error)
}

// Adapters resolves the webhook adapter for a provider.
type Adapters interface {
	Adapter(provider string) (webhooks.Adapter, error)
}

// Reconciler is the webhook reconciler.
type Reconciler struct {
	svc      *Service
	adapters Adapters
	accounts AccountSignals
	lease    time.Duration
}

func NewReconciler(svc *Service, adapters Adapters, accounts AccountSignals, lease time.Duration) *Reconciler {
	if lease <= 0 {
		lease = time.Minute
	}
	return &Reconciler{svc: svc, adapters: adapters, accounts: accounts, lease: lease}
}

// Handle authenticates, deduplicates and applies one webhook delivery.
func (r *Reconciler) Handle(ctx context.Context, provider string, payload []byte, signature string) (WebhookOutcome, error) {
	adapter, err := r.adapters.Adapter(provider)
	if err != nil {
		return "", err
	}
	if err := adapter.Authenticate(payload, signature); err != nil {
		log.Printf("level=warn component=webhook_reconciler msg=\"webhook signature rejected\" provider=%s err=%v", provider, err)
		return WebhookRejectedSignature, nil
	}

	event, err := adapter.Translate(payload)
	if err != nil {
		log.Printf("level=warn component=webhook_reconciler msg=\"webhook payload rejected\" provider=%s err=%v", provider, err)
		return "", err
	}

	claim, err := r.svc.repo.ClaimWebhookEvent(ctx, domain.WebhookEvent{
		EventID:       event.ID,
		Provider:      event.Provider,
		EventType:     event.Type,
		PayloadDigest: webhooks.Digest(payload),
	}, r.lease)
	if err != nil {
		return "", fmt.Errorf("claim webhook event %s: %w", event.ID, err)
	}
	switch claim {
	case store.ClaimProcessed:
		log.Printf("level=info component=webhook_reconciler msg=\"duplicate webhook acknowledged\" provider=%s event_id=%s event_type=%s", provider, event.ID, event.Type)
		return WebhookDuplicate, nil
	case store.ClaimBusy:
		return "", fmt.Errorf("%w: %s", ErrEventInProgress, event.ID)
	}

	if err := r.apply(ctx, event); err != nil {
		if relErr := r.svc.repo.ReleaseWebhookEvent(ctx, event.ID); relErr != nil {
			log.Printf("level=warn component=webhook_reconciler msg=\"release webhook claim failed\" event_id=%s err=%v", event.ID, relErr)
		}
		log.Printf("level=error component=webhook_reconciler msg=\"webhook apply failed\" provider=%s event_id=%s event_type=%s err=%v", provider, event.ID, event.Type, err)
		return "", err
	}
	if err := r.svc.repo.MarkWebhookEventProcessed(ctx, event.ID); err != nil {
		return "", fmt.Errorf("mark webhook event %s processed: %w", event.ID, err)
	}
	log.Printf("level=info component=webhook_reconciler msg=\"webhook applied\" provider=%s event_id=%s event_type=%s", provider, event.ID, event.Type)
	return WebhookAccepted, nil
}

func (r *Reconciler) apply(ctx context.Context, event domain.ProcessorEvent) error {
	switch payload := event.Payload.(type) {
	case domain.ChargeSucceeded:
		return r.applyCharge(ctx, event.Provider, payload.ChargeRef, payload.IdempotencyKey, chargeResult{target: domain.PaymentStateCompleted})
	case domain.ChargeFailed:
		reason := dispatch.RejectionReason(&processor.Error{Kind: processor.KindRejected, Code: payload.FailureCode})
		if reason == domain.ReasonProcessorRejected {
			reason = domain.ReasonFundingDeclined
		}
		return r.applyCharge(ctx, event.Provider, payload.ChargeRef, payload.IdempotencyKey, chargeResult{
			target:  domain.PaymentStateDeclined,
			reason:  reason,
			message: fmt.Sprintf("%s: %s", payload.FailureCode, payload.FailureMessage),
		})
	case domain.AccountUpdated:
		observed := event.OccurredAt
		if observed.IsZero() {
			observed = r.svc.now()
		}
		applied, err := r.accounts.Upgrade(ctx, domain.ContractorAccount{
			AccountRef:              payload.AccountRef,
			PayableState:            payload.PayableState,
			RequirementsOutstanding: payload.Requirements,
			LastSyncedAt:            observed.UTC(),
		})
		if err != nil {
			return err
		}
		log.Printf("level=info component=webhook_reconciler msg=\"account state applied\" account_ref=%s payable_state=%s", applied.AccountRef, applied.PayableState)
		return nil
	default:
		log.Printf("level=info component=webhook_reconciler msg=\"unrecognized event type ignored\" provider=%s event_type=%s", event.Provider, event.Type)
		return nil
	}
}

type chargeResult struct {
	target  domain.PaymentState
	reason  domain.ReasonCategory
	message string
}

func (r *Reconciler) findPayment(ctx context.Context, provider, chargeRef, idempotencyKey string) (*domain.MilestonePayment, error) {
	if idempotencyKey != "" {
		p, err := r.svc.repo.FindPaymentByIdempotencyKey(ctx, idempotencyKey)
		if err == nil || !errors.Is(err, store.ErrPaymentNotFound) {
			return p, err
		}
	}
	if chargeRef != "" {
		return r.svc.repo.FindPaymentByChargeRef(ctx, provider, chargeRef)
	}
	return nil, store.ErrPaymentNotFound
}

func (r *Reconciler) applyCharge(ctx context.Context, provider, chargeRef, idempotencyKey string, result chargeResult) error {
	found, err := r.findPayment(ctx, provider, chargeRef, idempotencyKey)
	if errors.Is(err, store.ErrPaymentNotFound) {
		log.Printf("level=warn component=webhook_reconciler msg=\"no payment for charge event\" provider=%s charge_ref=%s idempotency_key=%s", provider, chargeRef, idempotencyKey)
		return nil
	}
	if err != nil {
		return err
	}

	unlock, err := r.svc.lockMilestone(ctx, found.MilestoneID)
	if err != nil {
		return err
	}
	defer unlock()

	payment, err := r.svc.repo.FindPaymentByID(ctx, found.ID)
	if err != nil {
		return err
	}

	if payment.State == domain.PaymentStateDispatching {
		// The webhook beat the synchronous answer; record the acknowledgement first.
		r.svc.commitKey(ctx, payment.IdempotencyKey, ledger.OutcomeAccepted)
		payment, err = r.svc.acknowledgeLocked(ctx, payment, chargeRef)
		if err != nil {
			return err
		}
	}
	if result.target == domain.PaymentStateCompleted &&
		(payment.State == domain.PaymentStateDispatchFailed || payment.State == domain.PaymentStateRejected) {
		// Money moved for an attempt recorded as failed; a later attempt may pay again.
		lastError := fmt.Sprintf("processor reported charge %s succeeded after the attempt was marked %s", chargeRef, payment.State)
		if err := r.svc.repo.RecordReconcileAttempt(ctx, payment.ID, store.ReconcileAttempt{LastError: lastError, RequiresAttention: true}); err != nil {
			return err
		}
		r.svc.raiseAlert(ctx, *payment, "charge succeeded for an attempt recorded as failed")
		return nil
	}
	if payment.State != domain.PaymentStateAwaitingConfirmation {
		log.Printf("level=info component=webhook_reconciler msg=\"charge event no longer applies\" milestone_id=%s attempt=%d state=%s target=%s", payment.MilestoneID, payment.Attempt, payment.State, result.target)
		return nil
	}
	if chargeRef != "" && payment.ChargeRef() != "" && payment.ChargeRef() != chargeRef {
		log.Printf("level=warn component=webhook_reconciler msg=\"charge reference mismatch; event ignored\" milestone_id=%s expected=%s got=%s", payment.MilestoneID, payment.ChargeRef(), chargeRef)
		return nil
	}

	params := store.TransitionParams{
		PaymentID: payment.ID,
		From:      domain.PaymentStateAwaitingConfirmation,
		To:        result.target,
	}
	if payment.ChargeRef() == "" && chargeRef != "" {
		params.ProcessorChargeRef = &chargeRef
	}
	outcome := domain.OutcomeCompleted
	if result.target == domain.PaymentStateDeclined {
		outcome = domain.OutcomeDeclined
		params.FailureCategory = result.reason
		params.LastError = &result.message
	}
	snapshot := *payment
	if params.ProcessorChargeRef != nil {
		snapshot.ProcessorChargeRef = params.ProcessorChargeRef
	}
	params.Terminal = r.svc.terminalMessage(snapshot, outcome, result.reason)

	updated, err := r.svc.repo.TransitionPayment(ctx, params)
	if errors.Is(err, store.ErrStaleTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Printf("level=info component=webhook_reconciler msg=\"payment reached terminal state\" milestone_id=%s attempt=%d state=%s charge_ref=%s", updated.MilestoneID, updated.Attempt, updated.State, updated.ChargeRef())
	return nil
}
