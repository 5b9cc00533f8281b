/**
 * @description
 * This package turns raw processor webhooks into the processor-agnostic event shape.
 * Each processor has an adapter that first authenticates the payload against its shared
 * secret and only then decodes it into one of the closed event variants.
 *
 * @notes
 * - Unknown event types translate to domain.Unrecognized; they are acknowledged and logged
 *   but never applied.
 */

package webhooks

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/transfa/payout-service/internal/domain"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnknownProvider  = errors.New("unknown webhook provider")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Adapter authenticates and translates one processor's webhooks.
type Adapter interface {
	Provider() string
	// SignatureHeader is the HTTP header carrying the signature.
	SignatureHeader() string
	Authenticate(payload []byte, signature string) error
	Translate(payload []byte) (domain.ProcessorEvent, error)
}

// Registry looks adapters up by provider name.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if a != nil {
			r.adapters[strings.ToLower(a.Provider())] = a
		}
	}
	return r
}

// Adapter returns the adapter for provider or ErrUnknownProvider.
func (r *Registry) Adapter(provider string) (Adapter, error) {
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return a, nil
}

// Digest fingerprints a payload for the dedup record.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
