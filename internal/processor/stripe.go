package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/account"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/transfa/payout-service/internal/domain"
)

// StripeName is the registry name of the international processor.
const StripeName = "stripe"

// IdempotencyMetadataKey is the PaymentIntent metadata field holding our idempotency key.
const IdempotencyMetadataKey = "idempotency_key"

// StripeConfig configures the Stripe adapter.
type StripeConfig struct {
	SecretKey string
	// BaseURL overrides the API host; empty means api.stripe.com.
	BaseURL    string
	HTTPClient *http.Client
}

// Stripe settles payments as destination-charge PaymentIntents on the platform account,
// transferring the amount to the contractor's connected account.
type Stripe struct {
	intents  *paymentintent.Client
	accounts *account.Client
	now      func() time.Time
}

// NewStripe builds the Stripe adapter with its own backend; it never touches stripe.Key.
func NewStripe(cfg StripeConfig) *Stripe {
	backendCfg := &stripe.BackendConfig{
		// Retries are owned by the dispatch client.
		MaxNetworkRetries: stripe.Int64(0),
		HTTPClient:        cfg.HTTPClient,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		backendCfg.URL = stripe.String(strings.TrimSuffix(cfg.BaseURL, "/"))
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	return &Stripe{
		intents:  &paymentintent.Client{B: backend, Key: cfg.SecretKey},
		accounts: &account.Client{B: backend, Key: cfg.SecretKey},
		now:      time.Now,
	}
}

func (s *Stripe) Name() string { return StripeName }

// OwnsAccount matches Stripe connected account ids.
func (s *Stripe) OwnsAccount(accountRef string) bool {
	return strings.HasPrefix(accountRef, "acct_")
}

func (s *Stripe) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if req.FundingSourceRef == "" {
		return nil, &Error{Kind: KindRejected, Code: "funding_source_missing", Message: "payment method is required"}
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountMinorUnits),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripe.String(req.FundingSourceRef),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		Description:   stripe.String("Milestone " + req.MilestoneID),
		TransferData: &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(req.ContractorAccountRef),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata(IdempotencyMetadataKey, req.IdempotencyKey)
	params.AddMetadata("milestone_id", req.MilestoneID)

	pi, err := s.intents.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return &Charge{Ref: pi.ID, Status: string(pi.Status)}, nil
}

// FindChargeByIdempotencyKey searches PaymentIntents by the idempotency metadata.
// Stripe search is eventually consistent, so a just-created intent can be missing for
// up to a minute; callers only treat "not found" as final after the in-flight timeout.
func (s *Stripe) FindChargeByIdempotencyKey(ctx context.Context, idempotencyKey string) (*Charge, error) {
	params := &stripe.PaymentIntentSearchParams{}
	params.Context = ctx
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", IdempotencyMetadataKey, strings.ReplaceAll(idempotencyKey, "'", ""))

	iter := s.intents.Search(params)
	for iter.Next() {
		pi := iter.PaymentIntent()
		if pi != nil && pi.Metadata[IdempotencyMetadataKey] == idempotencyKey {
			return &Charge{Ref: pi.ID, Status: string(pi.Status)}, nil
		}
	}
	if err := iter.Err(); err != nil {
		return nil, classifyStripeError(err)
	}
	return nil, ErrChargeNotFound
}

func (s *Stripe) FetchAccount(ctx context.Context, accountRef string) (domain.ContractorAccount, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx
	acct, err := s.accounts.GetByID(accountRef, params)
	if err != nil {
		return domain.ContractorAccount{}, classifyStripeError(err)
	}
	state, requirements := StripePayableState(acct)
	return domain.ContractorAccount{
		AccountRef:              accountRef,
		PayableState:            state,
		RequirementsOutstanding: requirements,
		LastSyncedAt:            s.now().UTC(),
	}, nil
}

// StripePayableState maps a connected account onto the local payable state.
func StripePayableState(acct *stripe.Account) (domain.PayableState, []string) {
	if acct == nil {
		return domain.PayableStateUnverified, nil
	}
	var requirements []string
	var disabledReason string
	if acct.Requirements != nil {
		requirements = append(requirements, acct.Requirements.PastDue...)
		requirements = append(requirements, acct.Requirements.CurrentlyDue...)
		disabledReason = string(acct.Requirements.DisabledReason)
	}

	switch {
	case acct.ChargesEnabled && acct.PayoutsEnabled && disabledReason == "":
		return domain.PayableStatePayable, requirements
	case disabledReason != "" && !strings.HasPrefix(disabledReason, "requirements."):
		return domain.PayableStateRestricted, requirements
	case len(requirements) > 0 || acct.DetailsSubmitted:
		return domain.PayableStatePending, requirements
	default:
		return domain.PayableStateUnverified, requirements
	}
}

func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return &Error{
			Kind:       KindForStatus(stripeErr.HTTPStatusCode),
			Code:       string(stripeErr.Code),
			Message:    stripeErr.Msg,
			StatusCode: stripeErr.HTTPStatusCode,
			Err:        err,
		}
	}
	return Transient(err)
}
