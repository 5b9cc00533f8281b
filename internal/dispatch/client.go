/**
 * @description
 * This package sends payment instructions to the processor that owns a payment. It owns
 * the per-call deadline, the outbound rate limit and the retry policy for transient
 * failures, and reports every call as accepted, rejected or transient.
 *
 * @notes
 * - The idempotency key is always sent as the processor-level idempotency token, so a
 *   resend after an unknown outcome can never create a second charge.
 * - Before each resend the processor is asked whether it already holds a charge for the
 *   key. A timeout is treated as "outcome unknown", never as "not sent".
 * - A transient result always means "outcome unknown". Processor search can lag behind
 *   charge creation, so "not found" right after a send proves nothing; only the sweeper,
 *   past the in-flight timeout, may conclude a charge never landed.
 *
 * @dependencies
 * - golang.org/x/time/rate: Outbound request pacing.
 * - internal/processor: Processor adapters and error classification.
 */

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/processor"
	"golang.org/x/time/rate"
)

// ResultKind classifies a dispatch.
type ResultKind string

const (
	ResultAccepted  ResultKind = "accepted"
	ResultRejected  ResultKind = "rejected"
	ResultTransient ResultKind = "transient"
)

// Result is the outcome of Send.
type Result struct {
	Kind      ResultKind
	ChargeRef string
	Reason    domain.ReasonCategory
	Err       error
}

// Processors resolves the processor recorded on a payment.
type Processors interface {
	ByName(name string) (processor.Client, bool)
}

// Config tunes the dispatch client.
type Config struct {
	Timeout       time.Duration
	MaxRetries    int
	BaseBackoff   time.Duration
	RatePerSecond float64
	Burst         int
}

// Client dispatches payments.
type Client struct {
	processors Processors
	limiter    *rate.Limiter
	cfg        Config
	sleep      func(ctx context.Context, d time.Duration) error
	jitter     func(d time.Duration) time.Duration
}

// NewClient builds a dispatch client.
func NewClient(processors Processors, cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 250 * time.Millisecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Client{
		processors: processors,
		limiter:    rate.NewLimiter(limit, cfg.Burst),
		cfg:        cfg,
		sleep:      sleepContext,
		jitter: func(d time.Duration) time.Duration {
			return time.Duration(rand.Int63n(int64(d)/2 + 1))
		},
	}
}

// Send creates the charge for p at its processor.
func (c *Client) Send(ctx context.Context, p domain.MilestonePayment) Result {
	proc, ok := c.processors.ByName(p.Processor)
	if !ok {
		return Result{Kind: ResultRejected, Reason: domain.ReasonInvalidRequest, Err: fmt.Errorf("processor %q is not configured", p.Processor)}
	}
	req := processor.ChargeRequest{
		IdempotencyKey:       p.IdempotencyKey,
		MilestoneID:          p.MilestoneID,
		ContractorAccountRef: p.ContractorAccountRef,
		FundingSourceRef:     p.FundingSourceRef,
		AmountMinorUnits:     p.AmountMinorUnits,
		Currency:             p.Currency,
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				lastErr = err
				break
			}
			// The previous call may have landed even though we never saw the answer.
			charge, err := c.lookup(ctx, proc, p.IdempotencyKey)
			if err == nil {
				log.Printf("level=info component=dispatch msg=\"previous attempt found at processor\" milestone_id=%s idempotency_key=%s charge_ref=%s", p.MilestoneID, p.IdempotencyKey, charge.Ref)
				return Result{Kind: ResultAccepted, ChargeRef: charge.Ref}
			}
			if !errors.Is(err, processor.ErrChargeNotFound) {
				log.Printf("level=warn component=dispatch msg=\"lookup before resend failed\" milestone_id=%s idempotency_key=%s err=%v", p.MilestoneID, p.IdempotencyKey, err)
			}
		}

		charge, err := c.create(ctx, proc, req)
		if err == nil {
			log.Printf("level=info component=dispatch msg=\"charge accepted\" milestone_id=%s processor=%s idempotency_key=%s charge_ref=%s", p.MilestoneID, proc.Name(), p.IdempotencyKey, charge.Ref)
			return Result{Kind: ResultAccepted, ChargeRef: charge.Ref}
		}
		if processor.IsRejected(err) {
			log.Printf("level=warn component=dispatch msg=\"charge rejected\" milestone_id=%s processor=%s idempotency_key=%s err=%v", p.MilestoneID, proc.Name(), p.IdempotencyKey, err)
			return Result{Kind: ResultRejected, Reason: RejectionReason(err), Err: err}
		}
		if !processor.IsTransient(err) {
			lastErr = err
			break
		}
		lastErr = err
		log.Printf("level=warn component=dispatch msg=\"transient dispatch failure\" milestone_id=%s processor=%s idempotency_key=%s attempt=%d err=%v", p.MilestoneID, proc.Name(), p.IdempotencyKey, attempt+1, err)
	}

	result := Result{Kind: ResultTransient, Reason: domain.ReasonProcessorUnavailable, Err: lastErr}
	if ctx.Err() != nil {
		return result
	}
	charge, err := c.lookup(ctx, proc, p.IdempotencyKey)
	if err == nil {
		return Result{Kind: ResultAccepted, ChargeRef: charge.Ref}
	}
	log.Printf("level=warn component=dispatch msg=\"outcome unknown after retries\" milestone_id=%s idempotency_key=%s err=%v", p.MilestoneID, p.IdempotencyKey, err)
	return result
}

// Lookup asks the payment's processor for the charge created under its idempotency key.
// It returns processor.ErrChargeNotFound when the processor has none.
func (c *Client) Lookup(ctx context.Context, p domain.MilestonePayment) (*processor.Charge, error) {
	proc, ok := c.processors.ByName(p.Processor)
	if !ok {
		return nil, fmt.Errorf("processor %q is not configured", p.Processor)
	}
	return c.lookup(ctx, proc, p.IdempotencyKey)
}

// create and lookup wait for the rate limiter inside the per-call deadline, so each call
// takes at most Timeout.
func (c *Client) create(ctx context.Context, proc processor.Client, req processor.ChargeRequest) (*processor.Charge, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if err := c.limiter.Wait(callCtx); err != nil {
		return nil, processor.Transient(err)
	}
	return proc.CreateCharge(callCtx, req)
}

func (c *Client) lookup(ctx context.Context, proc processor.Client, key string) (*processor.Charge, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if err := c.limiter.Wait(callCtx); err != nil {
		return nil, err
	}
	return proc.FindChargeByIdempotencyKey(callCtx, key)
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BaseBackoff << (attempt - 1)
	return d + c.jitter(d)
}

// RejectionReason translates a processor rejection into the user-facing category.
func RejectionReason(err error) domain.ReasonCategory {
	var perr *processor.Error
	if !errors.As(err, &perr) {
		return domain.ReasonProcessorRejected
	}
	code := strings.ToLower(perr.Code)
	switch {
	case code == "card_declined", code == "insufficient_funds", code == "expired_card",
		code == "funding_source_missing", strings.Contains(code, "balance"):
		return domain.ReasonFundingDeclined
	case strings.Contains(code, "account"), strings.Contains(code, "destination"):
		return domain.ReasonContractorNotPayable
	default:
		return domain.ReasonProcessorRejected
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
