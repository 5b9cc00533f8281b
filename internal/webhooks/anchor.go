package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/processor"
)

// AnchorWebhook mirrors the JSON:API envelope Anchor posts.
type AnchorWebhook struct {
	ID        string         `json:"id"`
	Event     string         `json:"event"`
	Data      AnchorResource `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

// AnchorResource is the resource an Anchor event refers to.
type AnchorResource struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// AnchorAdapter verifies `x-anchor-signature` (HMAC-SHA256 of the raw body, hex or base64).
type AnchorAdapter struct {
	secret []byte
}

func NewAnchorAdapter(secret string) *AnchorAdapter {
	return &AnchorAdapter{secret: []byte(strings.TrimSpace(secret))}
}

func (a *AnchorAdapter) Provider() string        { return processor.AnchorName }
func (a *AnchorAdapter) SignatureHeader() string { return "x-anchor-signature" }

func (a *AnchorAdapter) Authenticate(payload []byte, signature string) error {
	if len(a.secret) == 0 {
		return fmt.Errorf("%w: anchor webhook secret is not configured", ErrInvalidSignature)
	}
	header := strings.TrimSpace(signature)
	if header == "" {
		return fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, a.secret)
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(strings.TrimPrefix(candidate, "sha256="), "SHA256=")
		if decoded, err := hex.DecodeString(candidate); err == nil && hmac.Equal(decoded, expected) {
			return nil
		}
		if decoded, err := base64.StdEncoding.DecodeString(candidate); err == nil && hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func (a *AnchorAdapter) Translate(payload []byte) (domain.ProcessorEvent, error) {
	var hook AnchorWebhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return domain.ProcessorEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	eventID := strings.TrimSpace(hook.ID)
	if eventID == "" && hook.Data.ID != "" {
		// Anchor redelivers the same resource/event pair for one notification.
		eventID = hook.Data.ID + ":" + hook.Event
	}
	event := domain.ProcessorEvent{
		ID:         eventID,
		Provider:   processor.AnchorName,
		Type:       hook.Event,
		OccurredAt: hook.CreatedAt,
		Payload:    domain.Unrecognized{},
	}

	attrs := hook.Data.Attributes
	switch hook.Event {
	case "book.transfer.successful", "nip.transfer.successful":
		event.Payload = domain.ChargeSucceeded{
			ChargeRef:      hook.Data.ID,
			IdempotencyKey: stringAttr(attrs, "reference"),
		}
	case "book.transfer.failed", "nip.transfer.failed", "book.transfer.reversed", "nip.transfer.reversed":
		event.Payload = domain.ChargeFailed{
			ChargeRef:      hook.Data.ID,
			IdempotencyKey: stringAttr(attrs, "reference"),
			FailureCode:    hook.Event,
			FailureMessage: stringAttr(attrs, "failureReason"),
		}
	case "account.frozen", "account.unfrozen", "account.closed", "account.opened", "account.updated":
		status := stringAttr(attrs, "status")
		frozen := hook.Event == "account.frozen"
		if v, ok := attrs["frozen"].(bool); ok {
			frozen = v
		}
		if status == "" {
			switch hook.Event {
			case "account.closed":
				status = "CLOSED"
			case "account.unfrozen", "account.opened":
				status = "ACTIVE"
			}
		}
		requirements := stringSliceAttr(attrs, "requirements")
		event.Payload = domain.AccountUpdated{
			AccountRef:   hook.Data.ID,
			PayableState: processor.AnchorPayableState(status, frozen, requirements),
			Requirements: requirements,
		}
	}

	if err := event.Validate(); err != nil {
		return domain.ProcessorEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return event, nil
}

func stringAttr(attrs map[string]interface{}, key string) string {
	if v, ok := attrs[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func stringSliceAttr(attrs map[string]interface{}, key string) []string {
	raw, ok := attrs[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
