package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payout-service/internal/domain"
)

type memoryWebhookEvent struct {
	event      domain.WebhookEvent
	leaseUntil *time.Time
}

type memoryOutboxMessage struct {
	msg               OutboxMessage
	status            string
	nextAttemptAt     time.Time
	processingStarted *time.Time
	lastError         string
	createdAt         time.Time
}

// MemoryRepository implements Repository in process memory. It enforces the same
// uniqueness rules as the PostgreSQL schema and is used by tests and local runs.
type MemoryRepository struct {
	mu       sync.Mutex
	payments map[uuid.UUID]domain.MilestonePayment
	accounts map[string]domain.ContractorAccount
	events   map[string]*memoryWebhookEvent
	outbox   []*memoryOutboxMessage
	terminal map[uuid.UUID]bool
	nextID   int64
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		payments: make(map[uuid.UUID]domain.MilestonePayment),
		accounts: make(map[string]domain.ContractorAccount),
		events:   make(map[string]*memoryWebhookEvent),
		terminal: make(map[uuid.UUID]bool),
		now:      time.Now,
	}
}

// SetClock replaces the repository clock.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func clonePayment(p domain.MilestonePayment) *domain.MilestonePayment {
	out := p
	if p.ProcessorChargeRef != nil {
		ref := *p.ProcessorChargeRef
		out.ProcessorChargeRef = &ref
	}
	if p.LastError != nil {
		msg := *p.LastError
		out.LastError = &msg
	}
	if p.NextAttemptAt != nil {
		at := *p.NextAttemptAt
		out.NextAttemptAt = &at
	}
	if p.LastReconciledAt != nil {
		at := *p.LastReconciledAt
		out.LastReconciledAt = &at
	}
	if p.NextReconcileAt != nil {
		at := *p.NextReconcileAt
		out.NextReconcileAt = &at
	}
	return &out
}

func (r *MemoryRepository) CreatePayment(ctx context.Context, p *domain.MilestonePayment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.payments {
		if existing.MilestoneID == p.MilestoneID && !existing.State.IsFinal() && !p.State.IsFinal() {
			return ErrActivePaymentExists
		}
		if existing.MilestoneID == p.MilestoneID && existing.Attempt == p.Attempt {
			return ErrDuplicateAttempt
		}
		if existing.IdempotencyKey == p.IdempotencyKey {
			return ErrDuplicateAttempt
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := r.now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	r.payments[p.ID] = *clonePayment(*p)
	return nil
}

func (r *MemoryRepository) FindPaymentByID(ctx context.Context, id uuid.UUID) (*domain.MilestonePayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (r *MemoryRepository) milestonePaymentsLocked(milestoneID string) []domain.MilestonePayment {
	var out []domain.MilestonePayment
	for _, p := range r.payments {
		if p.MilestoneID == milestoneID {
			out = append(out, *clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out
}

func (r *MemoryRepository) FindLatestPaymentByMilestone(ctx context.Context, milestoneID string) (*domain.MilestonePayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payments := r.milestonePaymentsLocked(milestoneID)
	if len(payments) == 0 {
		return nil, ErrPaymentNotFound
	}
	return &payments[len(payments)-1], nil
}

func (r *MemoryRepository) ListPaymentsByMilestone(ctx context.Context, milestoneID string) ([]domain.MilestonePayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.milestonePaymentsLocked(milestoneID), nil
}

func (r *MemoryRepository) FindPaymentByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.MilestonePayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.IdempotencyKey == idempotencyKey {
			return clonePayment(p), nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (r *MemoryRepository) FindPaymentByChargeRef(ctx context.Context, processor string, chargeRef string) (*domain.MilestonePayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.Processor == processor && p.ChargeRef() == chargeRef {
			return clonePayment(p), nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (r *MemoryRepository) TransitionPayment(ctx context.Context, params TransitionParams) (*domain.MilestonePayment, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[params.PaymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if p.State != params.From {
		return nil, ErrStaleTransition
	}

	p.State = params.To
	if params.ProcessorChargeRef != nil {
		ref := *params.ProcessorChargeRef
		p.ProcessorChargeRef = &ref
	}
	if params.LastError != nil {
		msg := *params.LastError
		p.LastError = &msg
	}
	if params.FailureCategory != domain.ReasonNone {
		p.FailureCategory = params.FailureCategory
	}
	p.Retryable = params.Retryable
	p.NextAttemptAt = params.NextAttemptAt
	p.RequiresAttention = p.RequiresAttention || params.RequiresAttention
	p.UpdatedAt = r.now().UTC()
	r.payments[p.ID] = p

	if params.Terminal != nil && !r.terminal[p.ID] {
		event := params.Terminal.Event
		if event.ProcessorChargeRef == "" {
			event.ProcessorChargeRef = p.ChargeRef()
		}
		r.terminal[p.ID] = true
		r.enqueueLocked(params.Terminal.Exchange, params.Terminal.RoutingKey, event)
	}
	return clonePayment(p), nil
}

func (r *MemoryRepository) RecordReconcileAttempt(ctx context.Context, paymentID uuid.UUID, attempt ReconcileAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[paymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	p.ReconcileAttempts++
	now := r.now().UTC()
	p.LastReconciledAt = &now
	if attempt.LastError != "" {
		msg := attempt.LastError
		p.LastError = &msg
	}
	if attempt.NextReconcileAt != nil {
		next := attempt.NextReconcileAt.UTC()
		p.NextReconcileAt = &next
	}
	p.RequiresAttention = p.RequiresAttention || attempt.RequiresAttention
	r.payments[paymentID] = p
	return nil
}

func (r *MemoryRepository) ListPaymentsInStates(ctx context.Context, filter PaymentFilter) ([]domain.MilestonePayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wanted := make(map[domain.PaymentState]bool, len(filter.States))
	for _, s := range filter.States {
		wanted[s] = true
	}
	var out []domain.MilestonePayment
	for _, p := range r.payments {
		if !wanted[p.State] || !p.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		if filter.ExcludeFlagged && p.RequiresAttention {
			continue
		}
		if filter.ReconcileDueBy != nil && p.NextReconcileAt != nil && p.NextReconcileAt.After(*filter.ReconcileDueBy) {
			continue
		}
		out = append(out, *clonePayment(p))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].NextReconcileAt, out[j].NextReconcileAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.MilestonePayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	latest := make(map[string]int)
	for _, p := range r.payments {
		if p.Attempt > latest[p.MilestoneID] {
			latest[p.MilestoneID] = p.Attempt
		}
	}
	var out []domain.MilestonePayment
	for _, p := range r.payments {
		if p.State != domain.PaymentStateDispatchFailed || !p.Retryable || p.RequiresAttention {
			continue
		}
		if p.NextAttemptAt == nil || p.NextAttemptAt.After(now) || latest[p.MilestoneID] != p.Attempt {
			continue
		}
		out = append(out, *clonePayment(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(*out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) GetContractorAccount(ctx context.Context, accountRef string) (*domain.ContractorAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[accountRef]
	if !ok {
		return nil, ErrAccountNotFound
	}
	acct.RequirementsOutstanding = append([]string(nil), acct.RequirementsOutstanding...)
	return &acct, nil
}

func (r *MemoryRepository) UpsertContractorAccount(ctx context.Context, acct domain.ContractorAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.accounts[acct.AccountRef]; ok && existing.LastSyncedAt.After(acct.LastSyncedAt) {
		return nil
	}
	acct.RequirementsOutstanding = append([]string(nil), acct.RequirementsOutstanding...)
	r.accounts[acct.AccountRef] = acct
	return nil
}

func (r *MemoryRepository) ClaimWebhookEvent(ctx context.Context, event domain.WebhookEvent, lease time.Duration) (ClaimStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	leaseUntil := now.Add(lease)

	existing, ok := r.events[event.EventID]
	if !ok {
		event.ReceivedAt = now
		event.ProcessedAt = nil
		r.events[event.EventID] = &memoryWebhookEvent{event: event, leaseUntil: &leaseUntil}
		return ClaimAcquired, nil
	}
	if existing.event.ProcessedAt != nil {
		return ClaimProcessed, nil
	}
	if existing.leaseUntil != nil && existing.leaseUntil.After(now) {
		return ClaimBusy, nil
	}
	existing.leaseUntil = &leaseUntil
	return ClaimAcquired, nil
}

func (r *MemoryRepository) MarkWebhookEventProcessed(ctx context.Context, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.events[eventID]
	if !ok {
		return ErrWebhookEventNotFound
	}
	now := r.now().UTC()
	existing.event.ProcessedAt = &now
	existing.leaseUntil = nil
	return nil
}

func (r *MemoryRepository) ReleaseWebhookEvent(ctx context.Context, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.events[eventID]; ok && existing.event.ProcessedAt == nil {
		existing.leaseUntil = nil
	}
	return nil
}

func (r *MemoryRepository) PurgeWebhookEvents(ctx context.Context, processedBefore time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var purged int64
	for id, e := range r.events {
		if e.event.ProcessedAt != nil && e.event.ProcessedAt.Before(processedBefore) {
			delete(r.events, id)
			purged++
		}
	}
	return purged, nil
}

// WebhookEvent returns the stored dedup record for an event.
func (r *MemoryRepository) WebhookEvent(eventID string) (domain.WebhookEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[eventID]
	if !ok {
		return domain.WebhookEvent{}, false
	}
	return e.event, true
}

func (r *MemoryRepository) enqueueLocked(exchange, routingKey string, payload interface{}) {
	blob, err := json.Marshal(payload)
	if err != nil {
		blob = []byte("null")
	}
	r.nextID++
	now := r.now().UTC()
	r.outbox = append(r.outbox, &memoryOutboxMessage{
		msg: OutboxMessage{
			ID:         r.nextID,
			Exchange:   strings.TrimSpace(exchange),
			RoutingKey: strings.TrimSpace(routingKey),
			Payload:    blob,
		},
		status:        "pending",
		nextAttemptAt: now,
		createdAt:     now,
	})
}

func (r *MemoryRepository) EnqueueOutboxMessage(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	if _, err := json.Marshal(payload); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enqueueLocked(exchange, routingKey, payload)
	return nil
}

func (r *MemoryRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	staleBefore := now.Add(-time.Duration(staleAfterSeconds) * time.Second)

	var claimed []OutboxMessage
	for _, m := range r.outbox {
		if len(claimed) >= limit {
			break
		}
		due := m.status == "pending" && !m.nextAttemptAt.After(now)
		stale := m.status == "processing" && m.processingStarted != nil && m.processingStarted.Before(staleBefore)
		if !due && !stale {
			continue
		}
		m.status = "processing"
		m.processingStarted = &now
		m.msg.Attempts++
		claimed = append(claimed, m.msg)
	}
	return claimed, nil
}

func (r *MemoryRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.outbox {
		if m.msg.ID == id {
			m.status = "published"
			m.processingStarted = nil
			m.lastError = ""
		}
	}
	return nil
}

func (r *MemoryRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.outbox {
		if m.msg.ID == id {
			m.status = "pending"
			m.nextAttemptAt = r.now().UTC().Add(time.Duration(retryAfterSeconds) * time.Second)
			m.processingStarted = nil
			m.lastError = reason
		}
	}
	return nil
}

// OutboxMessages returns every stored outbox message, in insertion order.
func (r *MemoryRepository) OutboxMessages() []OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]OutboxMessage, 0, len(r.outbox))
	for _, m := range r.outbox {
		out = append(out, m.msg)
	}
	return out
}
