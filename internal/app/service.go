/**
 * @description
 * This file contains the payment orchestration logic for the payout-service. The `Service`
 * turns an approved milestone into a payment attempt and drives it through the lifecycle:
 * eligibility gate, idempotency reservation, dispatch and acknowledgement.
 *
 * Key features:
 * - Every state change for a milestone happens while holding that milestone's lock.
 * - The idempotency ledger is reserved before any processor call; a key that is already in
 *   flight or completed is never sent again.
 * - Completion and decline are left to the webhook reconciler. A synchronous processor
 *   answer only ever moves a payment to AwaitingConfirmation.
 * - Terminal outcomes are written to the outbox in the same transaction as the state change.
 *
 * @dependencies
 * - internal/domain, internal/store: Payment model and persistence.
 * - internal/ledger: Idempotency ledger.
 * - internal/dispatch: Processor calls.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payout-service/internal/dispatch"
	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/ledger"
	"github.com/transfa/payout-service/internal/processor"
	"github.com/transfa/payout-service/internal/store"
)

const (
	terminalRoutingKeyPrefix = "payment.terminal."
	operatorAlertRoutingKey  = "payment.alert.operator_attention"
)

var (
	ErrInvalidApproval      = errors.New("invalid milestone approval")
	ErrContractorNotPayable = errors.New("contractor account is not payable")
	ErrRetryNotAllowed      = errors.New("milestone payment cannot be retried in its current state")
)

// AccountGate is the eligibility check in front of dispatch.
type AccountGate interface {
	IsPayable(ctx context.Context, accountRef string) (bool, error)
	Invalidate(accountRef string)
}

// Dispatcher sends payments to their processor.
type Dispatcher interface {
	Send(ctx context.Context, p domain.MilestonePayment) dispatch.Result
	Lookup(ctx context.Context, p domain.MilestonePayment) (*processor.Charge, error)
}

// Router picks the processor for a new payment.
type Router interface {
	ForCurrency(currency string) processor.Client
}

// Config tunes the orchestration.
type Config struct {
	EventsExchange   string
	MaxAttempts      int
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
	LockTimeout      time.Duration
}

// Service orchestrates milestone payments.
type Service struct {
	repo       store.Repository
	ledger     ledger.Ledger
	accounts   AccountGate
	dispatcher Dispatcher
	router     Router
	locks      MilestoneLocker
	cfg        Config
	now        func() time.Time
}

// NewService creates a new payout service instance.
func NewService(repo store.Repository, l ledger.Ledger, accounts AccountGate, dispatcher Dispatcher, router Router, locks MilestoneLocker, cfg Config) *Service {
	if cfg.EventsExchange == "" {
		cfg.EventsExchange = "transfa.events"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = 30 * time.Second
	}
	if cfg.RetryBackoffMax <= 0 {
		cfg.RetryBackoffMax = 30 * time.Minute
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 30 * time.Second
	}
	if locks == nil {
		locks = NewKeyedMutex()
	}
	return &Service{
		repo:       repo,
		ledger:     l,
		accounts:   accounts,
		dispatcher: dispatcher,
		router:     router,
		locks:      locks,
		cfg:        cfg,
		now:        time.Now,
	}
}

// MaxAttempts is the number of automatic attempts per milestone.
func (s *Service) MaxAttempts() int { return s.cfg.MaxAttempts }

func (s *Service) lockMilestone(ctx context.Context, milestoneID string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
	defer cancel()
	return s.locks.Lock(lockCtx, milestoneID)
}

// OnMilestoneApproved starts payment for an approved milestone. A duplicate approval
// returns the milestone's latest attempt unchanged.
func (s *Service) OnMilestoneApproved(ctx context.Context, approval domain.MilestoneApproval) (*domain.MilestonePayment, error) {
	approval = approval.Normalize()
	if approval.MilestoneID == "" {
		return nil, fmt.Errorf("%w: milestone id is required", ErrInvalidApproval)
	}

	unlock, err := s.lockMilestone(ctx, approval.MilestoneID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	latest, err := s.repo.FindLatestPaymentByMilestone(ctx, approval.MilestoneID)
	if err == nil {
		log.Printf("level=info component=payout_service flow=approval msg=\"duplicate approval ignored\" milestone_id=%s attempt=%d state=%s", approval.MilestoneID, latest.Attempt, latest.State)
		return latest, nil
	}
	if !errors.Is(err, store.ErrPaymentNotFound) {
		return nil, fmt.Errorf("load latest payment: %w", err)
	}

	return s.startAttemptLocked(ctx, approval, 1)
}

// RetryPayment starts a fresh attempt for a milestone whose latest attempt failed.
func (s *Service) RetryPayment(ctx context.Context, milestoneID string) (*domain.MilestonePayment, error) {
	unlock, err := s.lockMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	latest, err := s.repo.FindLatestPaymentByMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if !latest.State.IsFinal() || latest.State == domain.PaymentStateCompleted {
		return nil, fmt.Errorf("%w: attempt %d is %s", ErrRetryNotAllowed, latest.Attempt, latest.State)
	}
	log.Printf("level=info component=payout_service flow=operator_retry msg=\"starting new attempt\" milestone_id=%s previous_attempt=%d previous_state=%s", milestoneID, latest.Attempt, latest.State)
	return s.startAttemptLocked(ctx, approvalFrom(*latest), latest.Attempt+1)
}

// RetryDue starts the next attempt for DispatchFailed payments whose backoff has elapsed.
func (s *Service) RetryDue(ctx context.Context, limit int) (int, error) {
	due, err := s.repo.ListDueRetries(ctx, s.now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("list due retries: %w", err)
	}
	started := 0
	for _, p := range due {
		if err := s.retryOne(ctx, p); err != nil {
			log.Printf("level=warn component=payout_service flow=retry msg=\"scheduled retry failed\" milestone_id=%s attempt=%d err=%v", p.MilestoneID, p.Attempt, err)
			continue
		}
		started++
	}
	return started, nil
}

func (s *Service) retryOne(ctx context.Context, due domain.MilestonePayment) error {
	unlock, err := s.lockMilestone(ctx, due.MilestoneID)
	if err != nil {
		return err
	}
	defer unlock()

	latest, err := s.repo.FindLatestPaymentByMilestone(ctx, due.MilestoneID)
	if err != nil {
		return err
	}
	if latest.ID != due.ID || latest.State != domain.PaymentStateDispatchFailed || !latest.Retryable {
		return nil
	}
	_, err = s.startAttemptLocked(ctx, approvalFrom(*latest), latest.Attempt+1)
	if errors.Is(err, ErrContractorNotPayable) {
		return nil
	}
	return err
}

// PaymentStatus returns the user-visible status of a milestone's payment.
func (s *Service) PaymentStatus(ctx context.Context, milestoneID string) (domain.PaymentStatusView, error) {
	attempts, err := s.repo.ListPaymentsByMilestone(ctx, milestoneID)
	if err != nil {
		return domain.PaymentStatusView{}, err
	}
	if len(attempts) == 0 {
		return domain.PaymentStatusView{}, store.ErrPaymentNotFound
	}
	return domain.BuildStatusView(attempts, s.cfg.MaxAttempts), nil
}

func approvalFrom(p domain.MilestonePayment) domain.MilestoneApproval {
	return domain.MilestoneApproval{
		MilestoneID:          p.MilestoneID,
		ContractorAccountRef: p.ContractorAccountRef,
		FundingSourceRef:     p.FundingSourceRef,
		AmountMinorUnits:     p.AmountMinorUnits,
		Currency:             p.Currency,
	}
}

func (s *Service) startAttemptLocked(ctx context.Context, approval domain.MilestoneApproval, attempt int) (*domain.MilestonePayment, error) {
	payment := &domain.MilestonePayment{
		MilestoneID:          approval.MilestoneID,
		Attempt:              attempt,
		ContractorAccountRef: approval.ContractorAccountRef,
		FundingSourceRef:     approval.FundingSourceRef,
		AmountMinorUnits:     approval.AmountMinorUnits,
		Currency:             approval.Currency,
		Processor:            s.router.ForCurrency(approval.Currency).Name(),
		IdempotencyKey:       domain.IdempotencyKeyFor(approval.MilestoneID, attempt),
		State:                domain.PaymentStateRequested,
	}
	if err := s.repo.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("create payment attempt: %w", err)
	}
	log.Printf("level=info component=payout_service msg=\"payment attempt created\" milestone_id=%s attempt=%d processor=%s idempotency_key=%s", payment.MilestoneID, payment.Attempt, payment.Processor, payment.IdempotencyKey)

	if verr := approval.Validate(); verr != nil {
		rejected, err := s.rejectLocked(ctx, payment, domain.ReasonInvalidRequest, verr.Error())
		if err != nil {
			return nil, err
		}
		return rejected, fmt.Errorf("%w: %v", ErrInvalidApproval, verr)
	}
	return s.dispatchLocked(ctx, payment)
}

// dispatchLocked moves a Requested payment forward. The caller holds the milestone lock.
func (s *Service) dispatchLocked(ctx context.Context, p *domain.MilestonePayment) (*domain.MilestonePayment, error) {
	payable, err := s.accounts.IsPayable(ctx, p.ContractorAccountRef)
	if err != nil {
		log.Printf("level=warn component=payout_service msg=\"eligibility check failed; payment stays requested\" milestone_id=%s account_ref=%s err=%v", p.MilestoneID, p.ContractorAccountRef, err)
		return p, fmt.Errorf("check contractor eligibility: %w", err)
	}
	if !payable {
		rejected, err := s.rejectLocked(ctx, p, domain.ReasonContractorNotPayable, "contractor account is not payable")
		if err != nil {
			return nil, err
		}
		return rejected, ErrContractorNotPayable
	}

	reservation, err := s.ledger.Reserve(ctx, p.IdempotencyKey)
	if err != nil {
		return p, fmt.Errorf("reserve idempotency key: %w", err)
	}
	switch reservation.Status {
	case ledger.StatusInFlight:
		log.Printf("level=info component=payout_service msg=\"idempotency key already in flight\" milestone_id=%s idempotency_key=%s", p.MilestoneID, p.IdempotencyKey)
		return p, nil
	case ledger.StatusCompleted:
		dispatching, err := s.transitionLocked(ctx, store.TransitionParams{PaymentID: p.ID, From: domain.PaymentStateRequested, To: domain.PaymentStateDispatching})
		if err != nil {
			return p, err
		}
		return s.resolveDispatchingLocked(ctx, dispatching)
	}

	dispatching, err := s.transitionLocked(ctx, store.TransitionParams{PaymentID: p.ID, From: domain.PaymentStateRequested, To: domain.PaymentStateDispatching})
	if err != nil {
		if relErr := s.ledger.Release(ctx, p.IdempotencyKey); relErr != nil {
			log.Printf("level=warn component=payout_service msg=\"release after failed transition\" idempotency_key=%s err=%v", p.IdempotencyKey, relErr)
		}
		return p, err
	}

	result := s.dispatcher.Send(ctx, *dispatching)
	return s.applyDispatchResultLocked(ctx, dispatching, result)
}

func (s *Service) applyDispatchResultLocked(ctx context.Context, p *domain.MilestonePayment, result dispatch.Result) (*domain.MilestonePayment, error) {
	switch result.Kind {
	case dispatch.ResultAccepted:
		s.commitKey(ctx, p.IdempotencyKey, ledger.OutcomeAccepted)
		return s.acknowledgeLocked(ctx, p, result.ChargeRef)

	case dispatch.ResultRejected:
		s.commitKey(ctx, p.IdempotencyKey, ledger.OutcomeRejected)
		s.accounts.Invalidate(p.ContractorAccountRef)
		reason := result.Reason
		if reason == domain.ReasonNone {
			reason = domain.ReasonProcessorRejected
		}
		lastError := errorText(result.Err)
		updated, err := s.transitionLocked(ctx, store.TransitionParams{
			PaymentID:         p.ID,
			From:              domain.PaymentStateDispatching,
			To:                domain.PaymentStateDispatchFailed,
			LastError:         &lastError,
			FailureCategory:   reason,
			Retryable:         false,
			RequiresAttention: true,
			Terminal:          s.terminalMessage(*p, domain.OutcomeFailedRequiresAction, reason),
		})
		if err != nil {
			return p, err
		}
		log.Printf("level=warn component=payout_service msg=\"payment rejected by processor\" milestone_id=%s attempt=%d reason=%s", p.MilestoneID, p.Attempt, reason)
		return updated, nil

	default:
		// The key stays reserved and the payment stays Dispatching until the sweeper can
		// give an authoritative answer.
		log.Printf("level=warn component=payout_service msg=\"dispatch outcome unknown; left for reconciliation\" milestone_id=%s idempotency_key=%s err=%v", p.MilestoneID, p.IdempotencyKey, result.Err)
		return p, nil
	}
}

// resolveDispatchingLocked settles a Dispatching payment whose outcome is unknown by asking
// the processor for the charge recorded under its idempotency key.
func (s *Service) resolveDispatchingLocked(ctx context.Context, p *domain.MilestonePayment) (*domain.MilestonePayment, error) {
	charge, err := s.dispatcher.Lookup(ctx, *p)
	switch {
	case err == nil:
		s.commitKey(ctx, p.IdempotencyKey, ledger.OutcomeAccepted)
		return s.acknowledgeLocked(ctx, p, charge.Ref)
	case errors.Is(err, processor.ErrChargeNotFound):
		s.releaseKey(ctx, p.IdempotencyKey)
		return s.failTransientLocked(ctx, p, "no charge found at processor for idempotency key")
	default:
		return p, fmt.Errorf("lookup charge %s: %w", p.IdempotencyKey, err)
	}
}

func (s *Service) acknowledgeLocked(ctx context.Context, p *domain.MilestonePayment, chargeRef string) (*domain.MilestonePayment, error) {
	params := store.TransitionParams{
		PaymentID: p.ID,
		From:      domain.PaymentStateDispatching,
		To:        domain.PaymentStateAwaitingConfirmation,
	}
	if chargeRef != "" {
		params.ProcessorChargeRef = &chargeRef
	}
	updated, err := s.transitionLocked(ctx, params)
	if err != nil {
		return p, err
	}
	log.Printf("level=info component=payout_service msg=\"payment acknowledged by processor\" milestone_id=%s attempt=%d charge_ref=%s", p.MilestoneID, p.Attempt, chargeRef)
	return updated, nil
}

func (s *Service) failTransientLocked(ctx context.Context, p *domain.MilestonePayment, lastError string) (*domain.MilestonePayment, error) {
	params := store.TransitionParams{
		PaymentID:       p.ID,
		From:            domain.PaymentStateDispatching,
		To:              domain.PaymentStateDispatchFailed,
		LastError:       &lastError,
		FailureCategory: domain.ReasonProcessorUnavailable,
	}
	exhausted := p.Attempt >= s.cfg.MaxAttempts
	if exhausted {
		params.RequiresAttention = true
		params.Terminal = s.terminalMessage(*p, domain.OutcomeFailedRequiresAction, domain.ReasonProcessorUnavailable)
	} else {
		next := s.now().UTC().Add(s.retryBackoff(p.Attempt))
		params.Retryable = true
		params.NextAttemptAt = &next
	}

	updated, err := s.transitionLocked(ctx, params)
	if err != nil {
		return p, err
	}
	if exhausted {
		log.Printf("level=error component=payout_service alert=operator_attention msg=\"dispatch attempts exhausted\" milestone_id=%s attempt=%d", p.MilestoneID, p.Attempt)
	} else {
		log.Printf("level=warn component=payout_service msg=\"dispatch failed; retry scheduled\" milestone_id=%s attempt=%d next_attempt_at=%s", p.MilestoneID, p.Attempt, params.NextAttemptAt.Format(time.RFC3339))
	}
	return updated, nil
}

func (s *Service) rejectLocked(ctx context.Context, p *domain.MilestonePayment, reason domain.ReasonCategory, message string) (*domain.MilestonePayment, error) {
	updated, err := s.transitionLocked(ctx, store.TransitionParams{
		PaymentID:       p.ID,
		From:            domain.PaymentStateRequested,
		To:              domain.PaymentStateRejected,
		LastError:       &message,
		FailureCategory: reason,
		Terminal:        s.terminalMessage(*p, domain.OutcomeRejected, reason),
	})
	if err != nil {
		return nil, err
	}
	log.Printf("level=warn component=payout_service msg=\"payment rejected\" milestone_id=%s attempt=%d reason=%s", p.MilestoneID, p.Attempt, reason)
	return updated, nil
}

func (s *Service) transitionLocked(ctx context.Context, params store.TransitionParams) (*domain.MilestonePayment, error) {
	updated, err := s.repo.TransitionPayment(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("transition payment %s %s->%s: %w", params.PaymentID, params.From, params.To, err)
	}
	return updated, nil
}

func (s *Service) terminalMessage(p domain.MilestonePayment, outcome domain.PaymentOutcome, reason domain.ReasonCategory) *store.TerminalMessage {
	return &store.TerminalMessage{
		Exchange:   s.cfg.EventsExchange,
		RoutingKey: terminalRoutingKeyPrefix + string(outcome),
		Event:      domain.NewTerminalEvent(p, outcome, reason, s.now()),
	}
}

// raiseAlert publishes an operator alert for p through the outbox.
func (s *Service) raiseAlert(ctx context.Context, p domain.MilestonePayment, reason string) {
	log.Printf("level=error component=payout_service alert=operator_attention msg=\"%s\" milestone_id=%s attempt=%d state=%s charge_ref=%s", reason, p.MilestoneID, p.Attempt, p.State, p.ChargeRef())
	alert := OperatorAlert{
		AlertID:     uuid.New(),
		MilestoneID: p.MilestoneID,
		PaymentID:   p.ID,
		Attempt:     p.Attempt,
		State:       p.State,
		Reason:      reason,
		StaleSince:  p.UpdatedAt,
		RaisedAt:    s.now().UTC(),
	}
	if err := s.repo.EnqueueOutboxMessage(ctx, s.cfg.EventsExchange, operatorAlertRoutingKey, alert); err != nil {
		log.Printf("level=warn component=payout_service msg=\"enqueue operator alert failed\" payment_id=%s err=%v", p.ID, err)
	}
}

func (s *Service) retryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 16 {
		shift = 16
	}
	d := s.cfg.RetryBackoffBase << shift
	if d > s.cfg.RetryBackoffMax || d <= 0 {
		return s.cfg.RetryBackoffMax
	}
	return d
}

func (s *Service) commitKey(ctx context.Context, key string, outcome ledger.Outcome) {
	if err := s.ledger.Commit(ctx, key, outcome); err != nil {
		log.Printf("level=warn component=payout_service msg=\"ledger commit failed; sweeper will retry\" idempotency_key=%s outcome=%s err=%v", key, outcome, err)
	}
}

func (s *Service) releaseKey(ctx context.Context, key string) {
	if err := s.ledger.Release(ctx, key); err != nil && !errors.Is(err, ledger.ErrNotReserved) {
		log.Printf("level=warn component=payout_service msg=\"ledger release failed\" idempotency_key=%s err=%v", key, err)
	}
}

func errorText(err error) string {
	if err == nil {
		return "unknown processor error"
	}
	return err.Error()
}
