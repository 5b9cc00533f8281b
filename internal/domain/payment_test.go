package domain

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from PaymentState
		to   PaymentState
		want bool
	}{
		{PaymentStateRequested, PaymentStateDispatching, true},
		{PaymentStateRequested, PaymentStateRejected, true},
		{PaymentStateDispatching, PaymentStateAwaitingConfirmation, true},
		{PaymentStateDispatching, PaymentStateDispatchFailed, true},
		{PaymentStateAwaitingConfirmation, PaymentStateCompleted, true},
		{PaymentStateAwaitingConfirmation, PaymentStateDeclined, true},
		{PaymentStateRequested, PaymentStateCompleted, false},
		{PaymentStateDispatching, PaymentStateCompleted, false},
		{PaymentStateCompleted, PaymentStateDeclined, false},
		{PaymentStateDeclined, PaymentStateCompleted, false},
		{PaymentStateDispatchFailed, PaymentStateDispatching, false},
		{PaymentStateRejected, PaymentStateDispatching, false},
	}

	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %t, want %t", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestPaymentStateFinality(t *testing.T) {
	final := []PaymentState{PaymentStateCompleted, PaymentStateRejected, PaymentStateDeclined, PaymentStateDispatchFailed}
	for _, s := range final {
		if !s.IsFinal() {
			t.Fatalf("expected %s to be final", s)
		}
	}
	open := []PaymentState{PaymentStateRequested, PaymentStateDispatching, PaymentStateAwaitingConfirmation}
	for _, s := range open {
		if s.IsFinal() {
			t.Fatalf("expected %s to be non-final", s)
		}
	}
	if PaymentStateDispatchFailed.IsTerminal() {
		t.Fatal("dispatch_failed must allow a follow-up attempt")
	}
}

func TestIdempotencyKeyForIsDeterministic(t *testing.T) {
	first := IdempotencyKeyFor("M1", 1)
	if first != IdempotencyKeyFor(" M1 ", 1) {
		t.Fatalf("expected whitespace-insensitive key, got %q", first)
	}
	if first == IdempotencyKeyFor("M1", 2) {
		t.Fatal("expected a different key for a new attempt")
	}
}

func TestViewStatus(t *testing.T) {
	tests := []struct {
		name       string
		payment    MilestonePayment
		wantStatus UserStatus
		wantReason ReasonCategory
	}{
		{
			name:       "awaiting confirmation stays pending",
			payment:    MilestonePayment{State: PaymentStateAwaitingConfirmation, Attempt: 1},
			wantStatus: UserStatusPending,
			wantReason: ReasonAwaitingConfirmation,
		},
		{
			name:       "retryable failure with attempts left",
			payment:    MilestonePayment{State: PaymentStateDispatchFailed, Attempt: 1, Retryable: true, FailureCategory: ReasonProcessorUnavailable},
			wantStatus: UserStatusPending,
			wantReason: ReasonRetryScheduled,
		},
		{
			name:       "retries exhausted",
			payment:    MilestonePayment{State: PaymentStateDispatchFailed, Attempt: 3, Retryable: true, FailureCategory: ReasonProcessorUnavailable},
			wantStatus: UserStatusFailedRequiresAction,
			wantReason: ReasonProcessorUnavailable,
		},
		{
			name:       "rejected for onboarding",
			payment:    MilestonePayment{State: PaymentStateRejected, Attempt: 1, FailureCategory: ReasonContractorNotPayable},
			wantStatus: UserStatusFailedRequiresAction,
			wantReason: ReasonContractorNotPayable,
		},
		{
			name:       "completed",
			payment:    MilestonePayment{State: PaymentStateCompleted, Attempt: 1},
			wantStatus: UserStatusCompleted,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, reason := ViewStatus(tc.payment, 3)
			if status != tc.wantStatus || reason != tc.wantReason {
				t.Fatalf("got (%s, %s), want (%s, %s)", status, reason, tc.wantStatus, tc.wantReason)
			}
		})
	}
}

func TestMilestoneApprovalValidate(t *testing.T) {
	valid := MilestoneApproval{MilestoneID: "M1", ContractorAccountRef: "acct_1", AmountMinorUnits: 5000, Currency: "usd"}.Normalize()
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid approval, got %v", err)
	}
	if valid.Currency != "USD" {
		t.Fatalf("expected upper-cased currency, got %q", valid.Currency)
	}

	invalid := valid
	invalid.AmountMinorUnits = 0
	if err := invalid.Validate(); err == nil {
		t.Fatal("expected zero amount to be rejected")
	}
}

func TestProcessorEventValidate(t *testing.T) {
	ok := ProcessorEvent{ID: "evt_1", Payload: ChargeSucceeded{ChargeRef: "ch_123"}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid event, got %v", err)
	}
	missing := ProcessorEvent{ID: "evt_2", Payload: ChargeFailed{}}
	if err := missing.Validate(); err == nil {
		t.Fatal("expected charge event without references to be invalid")
	}
	noPayload := ProcessorEvent{ID: "evt_3"}
	if err := noPayload.Validate(); err == nil {
		t.Fatal("expected event without payload to be invalid")
	}
}
