package app

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
	"github.com/transfa/payout-service/internal/accounts"
	"github.com/transfa/payout-service/internal/dispatch"
	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/ledger"
	"github.com/transfa/payout-service/internal/processor"
	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/internal/webhooks"
)

const testWebhookSecret = "whsec_test"

// fakeProcessor honours idempotency keys the way a real processor does: a repeated key
// returns the charge created the first time.
type fakeProcessor struct {
	processor.Client

	mu           sync.Mutex
	calls        int
	charges      map[string]string
	nextRef      string
	createErrs   []error
	lookupErr    error
	accountState domain.PayableState

	// landOnError records the charge even when a queued create error is returned, as when
	// the response is lost after the processor accepted the request.
	landOnError bool
	// searchLag hides charges from lookups until the processor's search index catches up.
	searchLag bool
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{charges: make(map[string]string), accountState: domain.PayableStatePayable}
}

func (f *fakeProcessor) Name() string                 { return processor.StripeName }
func (f *fakeProcessor) OwnsAccount(ref string) bool { return true }

func (f *fakeProcessor) CreateCharge(ctx context.Context, req processor.ChargeRequest) (*processor.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			if f.landOnError {
				f.recordLocked(req.IdempotencyKey)
			}
			return nil, err
		}
	}
	if ref, ok := f.charges[req.IdempotencyKey]; ok {
		return &processor.Charge{Ref: ref}, nil
	}
	return &processor.Charge{Ref: f.recordLocked(req.IdempotencyKey), Status: "processing"}, nil
}

func (f *fakeProcessor) recordLocked(key string) string {
	if ref, ok := f.charges[key]; ok {
		return ref
	}
	ref := f.nextRef
	if ref == "" {
		ref = fmt.Sprintf("pi_%d", len(f.charges)+1)
	}
	f.nextRef = ""
	f.charges[key] = ref
	return ref
}

// landCharge records a charge without a visible answer, as after a timed-out request.
func (f *fakeProcessor) landCharge(key, ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charges[key] = ref
}

func (f *fakeProcessor) FindChargeByIdempotencyKey(ctx context.Context, key string) (*processor.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if f.searchLag {
		return nil, processor.ErrChargeNotFound
	}
	if ref, ok := f.charges[key]; ok {
		return &processor.Charge{Ref: ref}, nil
	}
	return nil, processor.ErrChargeNotFound
}

func (f *fakeProcessor) FetchAccount(ctx context.Context, ref string) (domain.ContractorAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.ContractorAccount{AccountRef: ref, PayableState: f.accountState}, nil
}

func (f *fakeProcessor) set(fn func(f *fakeProcessor)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeProcessor) stats() (calls int, distinct int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, len(f.charges)
}

func (f *fakeProcessor) chargeKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.charges))
	for key := range f.charges {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

type harness struct {
	repo       *store.MemoryRepository
	ledger     *ledger.MemoryLedger
	proc       *fakeProcessor
	cache      *accounts.Cache
	svc        *Service
	reconciler *Reconciler
	sweeper    *Sweeper

	mu     sync.Mutex
	offset time.Duration
}

func newHarness(t *testing.T, cfg Config, sweeperCfg SweeperConfig) *harness {
	t.Helper()
	h := &harness{
		repo:   store.NewMemoryRepository(),
		ledger: ledger.NewMemoryLedger(),
		proc:   newFakeProcessor(),
	}
	h.repo.SetClock(h.now)

	registry, err := processor.NewRegistry(processor.StripeName, nil, h.proc)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	h.cache = accounts.NewCache(h.repo, registry, time.Hour)
	dispatcher := dispatch.NewClient(registry, dispatch.Config{Timeout: time.Second})
	h.svc = NewService(h.repo, h.ledger, h.cache, dispatcher, registry, NewKeyedMutex(), cfg)
	h.svc.now = h.now
	h.reconciler = NewReconciler(h.svc, webhooks.NewRegistry(webhooks.NewStripeAdapter(testWebhookSecret, 0)), h.cache, time.Minute)
	h.sweeper = NewSweeper(h.svc, h.ledger, sweeperCfg)
	return h
}

func (h *harness) now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Now().Add(h.offset)
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.offset += d
}

func (h *harness) latest(t *testing.T, milestoneID string) *domain.MilestonePayment {
	t.Helper()
	p, err := h.repo.FindLatestPaymentByMilestone(context.Background(), milestoneID)
	if err != nil {
		t.Fatalf("load latest payment for %s: %v", milestoneID, err)
	}
	return p
}

func (h *harness) terminalMessages(routingKey string) []store.OutboxMessage {
	var out []store.OutboxMessage
	for _, m := range h.repo.OutboxMessages() {
		if m.RoutingKey == routingKey {
			out = append(out, m)
		}
	}
	return out
}

func approval(milestoneID string, amount int64) domain.MilestoneApproval {
	return approvalFor(milestoneID, "acct_contractor", amount)
}

func approvalFor(milestoneID, accountRef string, amount int64) domain.MilestoneApproval {
	return domain.MilestoneApproval{
		MilestoneID:          milestoneID,
		ContractorAccountRef: accountRef,
		FundingSourceRef:     "pm_business",
		AmountMinorUnits:     amount,
		Currency:             "USD",
	}
}

func stripeEvent(id, eventType, object string) []byte {
	return stripeEventAt(id, eventType, object, time.Now())
}

func stripeEventAt(id, eventType, object string, created time.Time) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":%d,"data":{"object":%s}}`, id, eventType, created.Unix(), object))
}

func chargeObject(ref, idempotencyKey string) string {
	return fmt.Sprintf(`{"id":%q,"object":"charge","metadata":{"idempotency_key":%q}}`, ref, idempotencyKey)
}

func signStripe(payload []byte) string {
	now := time.Now()
	return fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(webhook.ComputeSignature(now, payload, testWebhookSecret)))
}

func (h *harness) deliver(t *testing.T, payload []byte) WebhookOutcome {
	t.Helper()
	outcome, err := h.reconciler.Handle(context.Background(), "stripe", payload, signStripe(payload))
	if err != nil {
		t.Fatalf("webhook handling returned error: %v", err)
	}
	return outcome
}
