package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/transfa/payout-service/internal/domain"
)

// Registry routes payments to a processor by currency and accounts by reference shape.
type Registry struct {
	clients        map[string]Client
	routes         map[string]string
	defaultClient  string
	registeredList []string
}

// NewRegistry builds a registry. routes maps an ISO currency code to a processor name.
func NewRegistry(defaultProcessor string, routes map[string]string, clients ...Client) (*Registry, error) {
	r := &Registry{
		clients:       make(map[string]Client, len(clients)),
		routes:        make(map[string]string, len(routes)),
		defaultClient: strings.ToLower(strings.TrimSpace(defaultProcessor)),
	}
	for _, c := range clients {
		if c == nil {
			continue
		}
		name := strings.ToLower(c.Name())
		r.clients[name] = c
		r.registeredList = append(r.registeredList, name)
	}
	if len(r.clients) == 0 {
		return nil, fmt.Errorf("no processors configured")
	}
	if _, ok := r.clients[r.defaultClient]; !ok {
		return nil, fmt.Errorf("default processor %q is not configured", defaultProcessor)
	}
	for currency, name := range routes {
		name = strings.ToLower(strings.TrimSpace(name))
		if _, ok := r.clients[name]; !ok {
			return nil, fmt.Errorf("route %s references unconfigured processor %q", currency, name)
		}
		r.routes[strings.ToUpper(strings.TrimSpace(currency))] = name
	}
	return r, nil
}

// ParseRoutes parses "USD=stripe,NGN=anchor" into a currency to processor map.
func ParseRoutes(raw string) (map[string]string, error) {
	routes := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		currency, name, ok := strings.Cut(part, "=")
		currency = strings.ToUpper(strings.TrimSpace(currency))
		name = strings.ToLower(strings.TrimSpace(name))
		if !ok || currency == "" || name == "" {
			return nil, fmt.Errorf("invalid processor route %q", part)
		}
		routes[currency] = name
	}
	return routes, nil
}

// ForCurrency returns the processor that settles payments in currency.
func (r *Registry) ForCurrency(currency string) Client {
	if name, ok := r.routes[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return r.clients[name]
	}
	return r.clients[r.defaultClient]
}

// ByName returns a processor by name.
func (r *Registry) ByName(name string) (Client, bool) {
	c, ok := r.clients[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// ForAccount returns the processor that owns accountRef, falling back to the default.
func (r *Registry) ForAccount(accountRef string) Client {
	for _, name := range r.registeredList {
		if c := r.clients[name]; c.OwnsAccount(accountRef) {
			return c
		}
	}
	return r.clients[r.defaultClient]
}

// FetchAccount performs an authoritative account poll at the owning processor.
func (r *Registry) FetchAccount(ctx context.Context, accountRef string) (domain.ContractorAccount, error) {
	return r.ForAccount(accountRef).FetchAccount(ctx, accountRef)
}

// Names lists the configured processors in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.registeredList...)
}
