package domain

import (
	"errors"
	"strings"
	"time"
)

// WebhookEvent is the dedup record for one processor notification.
// `event_id` is unique at the storage layer; a row with ProcessedAt set is never applied again.
type WebhookEvent struct {
	EventID       string     `json:"event_id"`
	Provider      string     `json:"provider"`
	EventType     string     `json:"event_type"`
	PayloadDigest string     `json:"payload_digest"`
	ReceivedAt    time.Time  `json:"received_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

// ProcessorEvent is the processor-agnostic shape every webhook adapter translates into.
type ProcessorEvent struct {
	ID         string
	Provider   string
	Type       string
	OccurredAt time.Time
	Payload    EventPayload
}

// EventPayload is the closed set of event variants the reconciler understands.
type EventPayload interface {
	eventPayload()
}

// ChargeSucceeded reports that the processor settled a charge.
type ChargeSucceeded struct {
	ChargeRef      string
	IdempotencyKey string
}

// ChargeFailed reports that the processor declined or reversed a charge.
type ChargeFailed struct {
	ChargeRef      string
	IdempotencyKey string
	FailureCode    string
	FailureMessage string
}

// AccountUpdated carries a verified change of a contractor account's payable state.
type AccountUpdated struct {
	AccountRef   string
	PayableState PayableState
	Requirements []string
}

// Unrecognized is any event type the service does not act on.
type Unrecognized struct{}

func (ChargeSucceeded) eventPayload() {}
func (ChargeFailed) eventPayload()    {}
func (AccountUpdated) eventPayload()  {}
func (Unrecognized) eventPayload()    {}

var ErrInvalidProcessorEvent = errors.New("invalid processor event")

// Validate rejects events whose variant is missing the fields needed to apply it.
func (e ProcessorEvent) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.Join(ErrInvalidProcessorEvent, errors.New("event id is required"))
	}
	switch p := e.Payload.(type) {
	case ChargeSucceeded:
		if p.ChargeRef == "" && p.IdempotencyKey == "" {
			return errors.Join(ErrInvalidProcessorEvent, errors.New("charge reference or idempotency key is required"))
		}
	case ChargeFailed:
		if p.ChargeRef == "" && p.IdempotencyKey == "" {
			return errors.Join(ErrInvalidProcessorEvent, errors.New("charge reference or idempotency key is required"))
		}
	case AccountUpdated:
		if p.AccountRef == "" {
			return errors.Join(ErrInvalidProcessorEvent, errors.New("account reference is required"))
		}
	case Unrecognized:
	default:
		return errors.Join(ErrInvalidProcessorEvent, errors.New("missing payload"))
	}
	return nil
}
