package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/transfa/payout-service/internal/domain"
)

func newPayment(milestoneID string, attempt int) *domain.MilestonePayment {
	return &domain.MilestonePayment{
		MilestoneID:          milestoneID,
		Attempt:              attempt,
		ContractorAccountRef: "acct_1",
		AmountMinorUnits:     5000,
		Currency:             "USD",
		Processor:            "stripe",
		IdempotencyKey:       domain.IdempotencyKeyFor(milestoneID, attempt),
		State:                domain.PaymentStateRequested,
	}
}

func TestMemoryRepository_OneActiveAttemptPerMilestone(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first := newPayment("M1", 1)
	if err := repo.CreatePayment(ctx, first); err != nil {
		t.Fatalf("create returned error: %v", err)
	}
	if err := repo.CreatePayment(ctx, newPayment("M1", 2)); !errors.Is(err, ErrActivePaymentExists) {
		t.Fatalf("expected ErrActivePaymentExists, got %v", err)
	}

	if _, err := repo.TransitionPayment(ctx, TransitionParams{PaymentID: first.ID, From: domain.PaymentStateRequested, To: domain.PaymentStateRejected}); err != nil {
		t.Fatalf("transition returned error: %v", err)
	}
	if err := repo.CreatePayment(ctx, newPayment("M1", 2)); err != nil {
		t.Fatalf("expected new attempt after final state, got %v", err)
	}
}

func TestMemoryRepository_TransitionIsCompareAndSet(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	p := newPayment("M1", 1)
	_ = repo.CreatePayment(ctx, p)

	if _, err := repo.TransitionPayment(ctx, TransitionParams{PaymentID: p.ID, From: domain.PaymentStateRequested, To: domain.PaymentStateDispatching}); err != nil {
		t.Fatalf("transition returned error: %v", err)
	}
	_, err := repo.TransitionPayment(ctx, TransitionParams{PaymentID: p.ID, From: domain.PaymentStateRequested, To: domain.PaymentStateDispatching})
	if !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}
	_, err = repo.TransitionPayment(ctx, TransitionParams{PaymentID: p.ID, From: domain.PaymentStateDispatching, To: domain.PaymentStateCompleted})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestMemoryRepository_TerminalEventEnqueuedOncePerPayment(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	p := newPayment("M1", 1)
	_ = repo.CreatePayment(ctx, p)

	ref := "ch_123"
	_, _ = repo.TransitionPayment(ctx, TransitionParams{PaymentID: p.ID, From: domain.PaymentStateRequested, To: domain.PaymentStateDispatching})
	_, _ = repo.TransitionPayment(ctx, TransitionParams{PaymentID: p.ID, From: domain.PaymentStateDispatching, To: domain.PaymentStateAwaitingConfirmation, ProcessorChargeRef: &ref})

	terminal := &TerminalMessage{Exchange: "transfa.events", RoutingKey: "payment.terminal.completed", Event: domain.NewTerminalEvent(*p, domain.OutcomeCompleted, domain.ReasonNone, time.Now())}
	updated, err := repo.TransitionPayment(ctx, TransitionParams{PaymentID: p.ID, From: domain.PaymentStateAwaitingConfirmation, To: domain.PaymentStateCompleted, Terminal: terminal})
	if err != nil {
		t.Fatalf("transition returned error: %v", err)
	}
	if updated.ChargeRef() != "ch_123" {
		t.Fatalf("expected charge ref to persist, got %q", updated.ChargeRef())
	}
	if _, err := repo.TransitionPayment(ctx, TransitionParams{PaymentID: p.ID, From: domain.PaymentStateAwaitingConfirmation, To: domain.PaymentStateCompleted, Terminal: terminal}); !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("expected replayed transition to be stale, got %v", err)
	}

	messages := repo.OutboxMessages()
	if len(messages) != 1 {
		t.Fatalf("expected one terminal outbox message, got %d", len(messages))
	}
	if messages[0].RoutingKey != "payment.terminal.completed" {
		t.Fatalf("unexpected routing key %q", messages[0].RoutingKey)
	}
}

func TestMemoryRepository_WebhookClaimLifecycle(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return base })

	event := domain.WebhookEvent{EventID: "evt_1", Provider: "stripe", EventType: "payment_intent.succeeded"}
	if status, _ := repo.ClaimWebhookEvent(ctx, event, time.Minute); status != ClaimAcquired {
		t.Fatalf("expected first claim to be acquired, got %s", status)
	}
	if status, _ := repo.ClaimWebhookEvent(ctx, event, time.Minute); status != ClaimBusy {
		t.Fatalf("expected concurrent claim to be busy, got %s", status)
	}

	repo.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	if status, _ := repo.ClaimWebhookEvent(ctx, event, time.Minute); status != ClaimAcquired {
		t.Fatalf("expected expired lease to be reclaimable, got %s", status)
	}
	if err := repo.MarkWebhookEventProcessed(ctx, "evt_1"); err != nil {
		t.Fatalf("mark processed returned error: %v", err)
	}
	if status, _ := repo.ClaimWebhookEvent(ctx, event, time.Minute); status != ClaimProcessed {
		t.Fatalf("expected processed event to report duplicate, got %s", status)
	}

	repo.SetClock(func() time.Time { return base.Add(48 * time.Hour) })
	purged, _ := repo.PurgeWebhookEvents(ctx, base.Add(time.Hour))
	if purged != 1 {
		t.Fatalf("expected one purged event, got %d", purged)
	}
}

func TestMemoryRepository_ListDueRetriesSkipsSupersededAttempts(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	due := now.Add(-time.Minute)

	for _, milestone := range []string{"M1", "M2"} {
		p := newPayment(milestone, 1)
		_ = repo.CreatePayment(ctx, p)
		_, _ = repo.TransitionPayment(ctx, TransitionParams{PaymentID: p.ID, From: domain.PaymentStateRequested, To: domain.PaymentStateDispatching})
		_, _ = repo.TransitionPayment(ctx, TransitionParams{PaymentID: p.ID, From: domain.PaymentStateDispatching, To: domain.PaymentStateDispatchFailed, Retryable: true, NextAttemptAt: &due})
	}
	_ = repo.CreatePayment(ctx, newPayment("M2", 2))

	retries, err := repo.ListDueRetries(ctx, now, 10)
	if err != nil {
		t.Fatalf("list due retries returned error: %v", err)
	}
	if len(retries) != 1 || retries[0].MilestoneID != "M1" {
		t.Fatalf("expected only M1 to be due, got %+v", retries)
	}
}

func TestMemoryRepository_UpsertContractorAccountIgnoresOlderObservations(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	newer := time.Now().UTC()

	_ = repo.UpsertContractorAccount(ctx, domain.ContractorAccount{AccountRef: "acct_1", PayableState: domain.PayableStateRestricted, LastSyncedAt: newer})
	_ = repo.UpsertContractorAccount(ctx, domain.ContractorAccount{AccountRef: "acct_1", PayableState: domain.PayableStatePayable, LastSyncedAt: newer.Add(-time.Minute)})

	acct, err := repo.GetContractorAccount(ctx, "acct_1")
	if err != nil {
		t.Fatalf("get account returned error: %v", err)
	}
	if acct.PayableState != domain.PayableStateRestricted {
		t.Fatalf("expected newer restriction to win, got %s", acct.PayableState)
	}
}

func TestMemoryRepository_ListPaymentsInStatesSkipsFlaggedAndBackedOffRows(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	repo.SetClock(func() time.Time { return now.Add(-time.Hour) })

	flagged, backedOff, due := newPayment("M1", 1), newPayment("M2", 1), newPayment("M3", 1)
	for _, p := range []*domain.MilestonePayment{flagged, backedOff, due} {
		if err := repo.CreatePayment(ctx, p); err != nil {
			t.Fatalf("create returned error: %v", err)
		}
	}
	later := now.Add(time.Hour)
	if err := repo.RecordReconcileAttempt(ctx, flagged.ID, ReconcileAttempt{LastError: "stale", RequiresAttention: true}); err != nil {
		t.Fatalf("record returned error: %v", err)
	}
	if err := repo.RecordReconcileAttempt(ctx, backedOff.ID, ReconcileAttempt{LastError: "lookup failed", NextReconcileAt: &later}); err != nil {
		t.Fatalf("record returned error: %v", err)
	}

	got, err := repo.ListPaymentsInStates(ctx, PaymentFilter{
		States:         []domain.PaymentState{domain.PaymentStateRequested},
		UpdatedBefore:  now,
		ReconcileDueBy: &now,
		ExcludeFlagged: true,
		Limit:          1,
	})
	if err != nil {
		t.Fatalf("list returned error: %v", err)
	}
	if len(got) != 1 || got[0].MilestoneID != "M3" {
		t.Fatalf("expected only the due, unflagged row, got %+v", got)
	}
}
