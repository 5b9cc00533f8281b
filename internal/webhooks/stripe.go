package webhooks

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/processor"
)

// StripeAdapter verifies the `Stripe-Signature` header and decodes Stripe events.
type StripeAdapter struct {
	secret    string
	tolerance time.Duration
}

func NewStripeAdapter(secret string, tolerance time.Duration) *StripeAdapter {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeAdapter{secret: strings.TrimSpace(secret), tolerance: tolerance}
}

func (s *StripeAdapter) Provider() string        { return processor.StripeName }
func (s *StripeAdapter) SignatureHeader() string { return "Stripe-Signature" }

func (s *StripeAdapter) Authenticate(payload []byte, signature string) error {
	if s.secret == "" {
		return fmt.Errorf("%w: stripe webhook secret is not configured", ErrInvalidSignature)
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, signature, s.secret, s.tolerance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

func (s *StripeAdapter) Translate(payload []byte) (domain.ProcessorEvent, error) {
	var evt stripe.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return domain.ProcessorEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	event := domain.ProcessorEvent{
		ID:         evt.ID,
		Provider:   processor.StripeName,
		Type:       string(evt.Type),
		OccurredAt: time.Unix(evt.Created, 0).UTC(),
		Payload:    domain.Unrecognized{},
	}
	if evt.Data == nil {
		return domain.ProcessorEvent{}, fmt.Errorf("%w: event %s has no data", ErrMalformedPayload, evt.ID)
	}
	raw := evt.Data.Raw

	switch event.Type {
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw, &pi); err != nil {
			return domain.ProcessorEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		event.Payload = domain.ChargeSucceeded{ChargeRef: pi.ID, IdempotencyKey: pi.Metadata[processor.IdempotencyMetadataKey]}
	case "payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw, &pi); err != nil {
			return domain.ProcessorEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		failed := domain.ChargeFailed{ChargeRef: pi.ID, IdempotencyKey: pi.Metadata[processor.IdempotencyMetadataKey], FailureCode: event.Type}
		if pi.LastPaymentError != nil {
			failed.FailureCode = string(pi.LastPaymentError.Code)
			failed.FailureMessage = pi.LastPaymentError.Msg
		}
		event.Payload = failed
	case "charge.succeeded", "charge.failed":
		var ch stripe.Charge
		if err := json.Unmarshal(raw, &ch); err != nil {
			return domain.ProcessorEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		// Payments are tracked by PaymentIntent; a bare charge id is used only when the
		// charge was created without one.
		ref := ch.ID
		if ch.PaymentIntent != nil && ch.PaymentIntent.ID != "" {
			ref = ch.PaymentIntent.ID
		}
		key := ch.Metadata[processor.IdempotencyMetadataKey]
		if event.Type == "charge.succeeded" {
			event.Payload = domain.ChargeSucceeded{ChargeRef: ref, IdempotencyKey: key}
		} else {
			event.Payload = domain.ChargeFailed{ChargeRef: ref, IdempotencyKey: key, FailureCode: ch.FailureCode, FailureMessage: ch.FailureMessage}
		}
	case "account.updated":
		var acct stripe.Account
		if err := json.Unmarshal(raw, &acct); err != nil {
			return domain.ProcessorEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		state, requirements := processor.StripePayableState(&acct)
		event.Payload = domain.AccountUpdated{AccountRef: acct.ID, PayableState: state, Requirements: requirements}
	}

	if err := event.Validate(); err != nil {
		return domain.ProcessorEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return event, nil
}
