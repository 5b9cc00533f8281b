package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/pkg/anchorclient"
)

// AnchorName is the registry name of the domestic processor.
const AnchorName = "anchor"

// Anchor settles payments as Anchor book transfers.
type Anchor struct {
	client          *anchorclient.Client
	fundingAccount  string
	transferPurpose string
	now             func() time.Time
}

// NewAnchor builds the Anchor adapter. fundingAccount is used when an approval carries no
// funding source of its own.
func NewAnchor(client *anchorclient.Client, fundingAccount string) *Anchor {
	return &Anchor{
		client:          client,
		fundingAccount:  strings.TrimSpace(fundingAccount),
		transferPurpose: "milestone payment",
		now:             time.Now,
	}
}

func (a *Anchor) Name() string { return AnchorName }

// OwnsAccount matches Anchor deposit account ids such as "17568857819889-anc_acc".
func (a *Anchor) OwnsAccount(accountRef string) bool {
	return strings.Contains(accountRef, "anc_")
}

func (a *Anchor) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	source := req.FundingSourceRef
	if source == "" {
		source = a.fundingAccount
	}
	if source == "" {
		return nil, &Error{Kind: KindRejected, Code: "funding_source_missing", Message: "no funding account configured"}
	}

	resp, err := a.client.InitiateBookTransfer(ctx, anchorclient.TransferParams{
		SourceAccountID:      source,
		DestinationAccountID: req.ContractorAccountRef,
		Amount:               req.AmountMinorUnits,
		Currency:             req.Currency,
		Reason:               fmt.Sprintf("%s %s", a.transferPurpose, req.MilestoneID),
		IdempotencyKey:       req.IdempotencyKey,
	})
	if err != nil {
		return nil, classifyAnchorError(err)
	}
	if resp.Data.ID == "" {
		return nil, &Error{Kind: KindTransient, Message: "anchor accepted transfer without an id"}
	}
	return &Charge{Ref: resp.Data.ID, Status: resp.Data.Attributes.Status}, nil
}

func (a *Anchor) FindChargeByIdempotencyKey(ctx context.Context, idempotencyKey string) (*Charge, error) {
	transfer, err := a.client.FindTransferByReference(ctx, idempotencyKey)
	if err != nil {
		return nil, classifyAnchorError(err)
	}
	if transfer == nil {
		return nil, ErrChargeNotFound
	}
	return &Charge{Ref: transfer.ID, Status: transfer.Attributes.Status}, nil
}

func (a *Anchor) FetchAccount(ctx context.Context, accountRef string) (domain.ContractorAccount, error) {
	account, err := a.client.GetAccount(ctx, accountRef)
	if err != nil {
		return domain.ContractorAccount{}, classifyAnchorError(err)
	}
	return domain.ContractorAccount{
		AccountRef:              accountRef,
		PayableState:            AnchorPayableState(account.Attributes.Status, account.Attributes.Frozen, account.Attributes.Requirements),
		RequirementsOutstanding: account.Attributes.Requirements,
		LastSyncedAt:            a.now().UTC(),
	}, nil
}

// AnchorPayableState maps an Anchor account status onto the local payable state.
func AnchorPayableState(status string, frozen bool, requirements []string) domain.PayableState {
	if frozen {
		return domain.PayableStateRestricted
	}
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "ACTIVE":
		if len(requirements) > 0 {
			return domain.PayableStatePending
		}
		return domain.PayableStatePayable
	case "FROZEN", "CLOSED", "SUSPENDED", "RESTRICTED":
		return domain.PayableStateRestricted
	case "PENDING", "INACTIVE", "AWAITING_DOCUMENT":
		return domain.PayableStatePending
	default:
		return domain.PayableStateUnverified
	}
}

func classifyAnchorError(err error) error {
	var errResp *anchorclient.ErrorResponse
	if errors.As(err, &errResp) {
		return &Error{
			Kind:       KindForStatus(errResp.StatusCode),
			Code:       errResp.Title(),
			Message:    errResp.Error(),
			StatusCode: errResp.StatusCode,
			Err:        err,
		}
	}
	return Transient(err)
}
