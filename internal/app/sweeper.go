package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/ledger"
	"github.com/transfa/payout-service/internal/store"
)

// SweeperConfig tunes the reconciliation sweep.
type SweeperConfig struct {
	// InFlightTimeout is how long a reservation or a Requested/Dispatching payment may sit
	// untouched before the sweeper resolves it.
	InFlightTimeout  time.Duration
	MaxStaleness     time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	BatchSize        int
	WebhookRetention time.Duration
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	KeysResolved      int `json:"keys_resolved"`
	RequestedResumed  int `json:"requested_resumed"`
	DispatchResolved  int `json:"dispatch_resolved"`
	RetriesStarted    int `json:"retries_started"`
	AlertsRaised      int `json:"alerts_raised"`
	WebhooksPurged    int `json:"webhooks_purged"`
	UnresolvedLookups int `json:"unresolved_lookups"`
}

// OperatorAlert is published once when a payment needs a human.
type OperatorAlert struct {
	AlertID     uuid.UUID           `json:"alert_id"`
	MilestoneID string              `json:"milestone_id"`
	PaymentID   uuid.UUID           `json:"payment_id"`
	Attempt     int                 `json:"attempt"`
	State       domain.PaymentState `json:"state"`
	Reason      string              `json:"reason"`
	StaleSince  time.Time           `json:"stale_since"`
	RaisedAt    time.Time           `json:"raised_at"`
}

// Sweeper resolves payments and reservations whose outcome was never recorded.
type Sweeper struct {
	svc    *Service
	ledger ledger.Ledger
	cfg    SweeperConfig
}

func NewSweeper(svc *Service, l ledger.Ledger, cfg SweeperConfig) *Sweeper {
	if cfg.InFlightTimeout <= 0 {
		cfg.InFlightTimeout = 2 * time.Minute
	}
	if cfg.MaxStaleness <= 0 {
		cfg.MaxStaleness = time.Hour
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.WebhookRetention <= 0 {
		cfg.WebhookRetention = 30 * 24 * time.Hour
	}
	return &Sweeper{svc: svc, ledger: l, cfg: cfg}
}

// RunOnce performs one full sweep. Failures of individual payments are logged and do
// not stop the sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	var errs []error

	if err := s.resolveAbandonedKeys(ctx, &report); err != nil {
		errs = append(errs, err)
	}
	if err := s.resumeRequested(ctx, &report); err != nil {
		errs = append(errs, err)
	}
	if err := s.resolveDispatching(ctx, &report); err != nil {
		errs = append(errs, err)
	}
	if err := s.flagStaleConfirmations(ctx, &report); err != nil {
		errs = append(errs, err)
	}
	started, err := s.svc.RetryDue(ctx, s.cfg.BatchSize)
	if err != nil {
		errs = append(errs, err)
	}
	report.RetriesStarted = started
	purged, err := s.PurgeWebhookEvents(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	report.WebhooksPurged = int(purged)

	log.Printf("level=info component=sweeper msg=\"sweep finished\" keys_resolved=%d requested_resumed=%d dispatch_resolved=%d unresolved=%d retries_started=%d alerts=%d webhooks_purged=%d",
		report.KeysResolved, report.RequestedResumed, report.DispatchResolved, report.UnresolvedLookups, report.RetriesStarted, report.AlertsRaised, report.WebhooksPurged)
	return report, errors.Join(errs...)
}

// PurgeWebhookEvents drops processed dedup records older than the retention window.
func (s *Sweeper) PurgeWebhookEvents(ctx context.Context) (int64, error) {
	purged, err := s.svc.repo.PurgeWebhookEvents(ctx, s.svc.now().UTC().Add(-s.cfg.WebhookRetention))
	if err != nil {
		return 0, fmt.Errorf("purge webhook events: %w", err)
	}
	return purged, nil
}

// resolveAbandonedKeys is the only place a reservation is force-released, and only once
// the payment behind it shows the processor call never happened.
func (s *Sweeper) resolveAbandonedKeys(ctx context.Context, report *SweepReport) error {
	keys, err := s.ledger.Abandoned(ctx, s.cfg.InFlightTimeout)
	if err != nil {
		return fmt.Errorf("list abandoned reservations: %w", err)
	}
	for _, key := range keys {
		resolved, err := s.resolveKey(ctx, key)
		if err != nil {
			log.Printf("level=warn component=sweeper msg=\"abandoned reservation unresolved\" idempotency_key=%s err=%v", key, err)
			continue
		}
		if resolved {
			report.KeysResolved++
		}
	}
	return nil
}

func (s *Sweeper) resolveKey(ctx context.Context, key string) (bool, error) {
	found, err := s.svc.repo.FindPaymentByIdempotencyKey(ctx, key)
	if errors.Is(err, store.ErrPaymentNotFound) {
		// Keys are reserved only after the attempt row exists.
		return true, s.ledger.Release(ctx, key)
	}
	if err != nil {
		return false, err
	}

	unlock, err := s.svc.lockMilestone(ctx, found.MilestoneID)
	if err != nil {
		return false, err
	}
	defer unlock()

	payment, err := s.svc.repo.FindPaymentByID(ctx, found.ID)
	if err != nil {
		return false, err
	}
	switch {
	case payment.ChargeRef() != "",
		payment.State == domain.PaymentStateAwaitingConfirmation,
		payment.State == domain.PaymentStateCompleted,
		payment.State == domain.PaymentStateDeclined:
		return true, s.ledger.Commit(ctx, key, ledger.OutcomeAccepted)
	case payment.State == domain.PaymentStateRejected, payment.State == domain.PaymentStateDispatchFailed:
		return true, s.ledger.Commit(ctx, key, ledger.OutcomeRejected)
	case payment.State == domain.PaymentStateRequested:
		// Requested always precedes the processor call.
		return true, s.ledger.Release(ctx, key)
	default:
		if s.svc.now().Sub(payment.UpdatedAt) < s.cfg.InFlightTimeout {
			return false, nil
		}
		if _, err := s.svc.resolveDispatchingLocked(ctx, payment); err != nil {
			return false, err
		}
		return true, nil
	}
}

func (s *Sweeper) resumeRequested(ctx context.Context, report *SweepReport) error {
	now := s.svc.now().UTC()
	stale, err := s.svc.repo.ListPaymentsInStates(ctx, store.PaymentFilter{
		States:         []domain.PaymentState{domain.PaymentStateRequested},
		UpdatedBefore:  now.Add(-s.cfg.InFlightTimeout),
		ReconcileDueBy: &now,
		Limit:          s.cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("list requested payments: %w", err)
	}
	for _, p := range stale {
		if err := s.resumeOne(ctx, p); err != nil {
			log.Printf("level=warn component=sweeper msg=\"resume requested payment failed\" milestone_id=%s attempt=%d err=%v", p.MilestoneID, p.Attempt, err)
			s.recordAttempt(ctx, p, now, err.Error(), false)
			continue
		}
		report.RequestedResumed++
	}
	return nil
}

func (s *Sweeper) resumeOne(ctx context.Context, stale domain.MilestonePayment) error {
	unlock, err := s.svc.lockMilestone(ctx, stale.MilestoneID)
	if err != nil {
		return err
	}
	defer unlock()

	payment, err := s.svc.repo.FindPaymentByID(ctx, stale.ID)
	if err != nil {
		return err
	}
	if payment.State != domain.PaymentStateRequested {
		return nil
	}
	_, err = s.svc.dispatchLocked(ctx, payment)
	if errors.Is(err, ErrContractorNotPayable) {
		return nil
	}
	return err
}

// resolveDispatching queries the processor for Dispatching payments older than the
// in-flight timeout. Only rows whose reconciliation backoff elapsed are listed, so rows
// that keep failing never crowd out the rest of the batch.
func (s *Sweeper) resolveDispatching(ctx context.Context, report *SweepReport) error {
	now := s.svc.now().UTC()
	stale, err := s.svc.repo.ListPaymentsInStates(ctx, store.PaymentFilter{
		States:         []domain.PaymentState{domain.PaymentStateDispatching},
		UpdatedBefore:  now.Add(-s.cfg.InFlightTimeout),
		ReconcileDueBy: &now,
		Limit:          s.cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("list dispatching payments: %w", err)
	}
	for _, p := range stale {
		resolved, err := s.resolveDispatchingOne(ctx, p)
		if err == nil && resolved {
			report.DispatchResolved++
			continue
		}
		if err == nil {
			continue
		}
		report.UnresolvedLookups++
		raise := !p.RequiresAttention && now.Sub(p.UpdatedAt) > s.cfg.MaxStaleness
		if !s.recordAttempt(ctx, p, now, err.Error(), raise) {
			continue
		}
		if raise {
			s.svc.raiseAlert(ctx, p, "dispatch outcome unknown past staleness threshold")
			report.AlertsRaised++
		}
	}
	return nil
}

// recordAttempt stores a failed reconciliation pass and schedules the next one.
func (s *Sweeper) recordAttempt(ctx context.Context, p domain.MilestonePayment, now time.Time, lastError string, requiresAttention bool) bool {
	next := now.Add(s.reconcileBackoff(p.ReconcileAttempts + 1))
	err := s.svc.repo.RecordReconcileAttempt(ctx, p.ID, store.ReconcileAttempt{
		LastError:         lastError,
		RequiresAttention: requiresAttention,
		NextReconcileAt:   &next,
	})
	if err != nil {
		log.Printf("level=warn component=sweeper msg=\"record reconcile attempt failed\" payment_id=%s err=%v", p.ID, err)
		return false
	}
	return true
}

// reconcileBackoff is the wait after the given number of reconciliation passes.
func (s *Sweeper) reconcileBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	shift := attempts - 1
	if shift > 16 {
		shift = 16
	}
	wait := s.cfg.BackoffBase << shift
	if wait > s.cfg.BackoffMax || wait <= 0 {
		wait = s.cfg.BackoffMax
	}
	return wait
}

func (s *Sweeper) resolveDispatchingOne(ctx context.Context, stale domain.MilestonePayment) (bool, error) {
	unlock, err := s.svc.lockMilestone(ctx, stale.MilestoneID)
	if err != nil {
		return false, err
	}
	defer unlock()

	payment, err := s.svc.repo.FindPaymentByID(ctx, stale.ID)
	if err != nil {
		return false, err
	}
	if payment.State != domain.PaymentStateDispatching {
		return false, nil
	}
	if _, err := s.svc.resolveDispatchingLocked(ctx, payment); err != nil {
		return false, err
	}
	return true, nil
}

// flagStaleConfirmations reports acknowledged payments that never received a webhook.
// They are never moved to a terminal state from here.
func (s *Sweeper) flagStaleConfirmations(ctx context.Context, report *SweepReport) error {
	now := s.svc.now().UTC()
	stale, err := s.svc.repo.ListPaymentsInStates(ctx, store.PaymentFilter{
		States:         []domain.PaymentState{domain.PaymentStateAwaitingConfirmation},
		UpdatedBefore:  now.Add(-s.cfg.MaxStaleness),
		ExcludeFlagged: true,
		Limit:          s.cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("list awaiting confirmation payments: %w", err)
	}
	for _, p := range stale {
		if !s.recordAttempt(ctx, p, now, "no processor confirmation received", true) {
			continue
		}
		s.svc.raiseAlert(ctx, p, "awaiting processor confirmation past staleness threshold")
		report.AlertsRaised++
	}
	return nil
}
