package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/transfa/payout-service/internal/domain"
)

// MilestoneApprovedEvent is published by the contract subsystem when a business approves
// a milestone.
type MilestoneApprovedEvent struct {
	MilestoneID          string `json:"milestone_id"`
	ContractorAccountRef string `json:"contractor_account_ref"`
	FundingSourceRef     string `json:"funding_source_ref,omitempty"`
	AmountMinorUnits     int64  `json:"amount_minor_units"`
	Currency             string `json:"currency"`
}

func (e MilestoneApprovedEvent) Approval() domain.MilestoneApproval {
	return domain.MilestoneApproval{
		MilestoneID:          e.MilestoneID,
		ContractorAccountRef: e.ContractorAccountRef,
		FundingSourceRef:     e.FundingSourceRef,
		AmountMinorUnits:     e.AmountMinorUnits,
		Currency:             e.Currency,
	}
}

// ApprovalHandler starts payment for approved milestones.
type ApprovalHandler interface {
	OnMilestoneApproved(ctx context.Context, approval domain.MilestoneApproval) (*domain.MilestonePayment, error)
}

// MilestoneApprovedConsumer feeds `milestone.approved` messages into the service.
type MilestoneApprovedConsumer struct {
	handler ApprovalHandler
	timeout time.Duration
}

func NewMilestoneApprovedConsumer(handler ApprovalHandler) *MilestoneApprovedConsumer {
	return &MilestoneApprovedConsumer{handler: handler, timeout: 45 * time.Second}
}

// HandleMessage returns false only for failures worth redelivering.
func (c *MilestoneApprovedConsumer) HandleMessage(body []byte) bool {
	var event MilestoneApprovedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=approval_consumer msg=\"failed to unmarshal payload; dropping\" err=%v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	payment, err := c.handler.OnMilestoneApproved(ctx, event.Approval())
	switch {
	case err == nil:
		log.Printf("level=info component=approval_consumer msg=\"approval handled\" milestone_id=%s attempt=%d state=%s", payment.MilestoneID, payment.Attempt, payment.State)
		return true
	case errors.Is(err, ErrInvalidApproval), errors.Is(err, ErrContractorNotPayable):
		// Recorded as a rejected payment; redelivery would not change the outcome.
		log.Printf("level=warn component=approval_consumer msg=\"approval rejected\" milestone_id=%s err=%v", event.MilestoneID, err)
		return true
	default:
		log.Printf("level=error component=approval_consumer msg=\"approval processing failed; requeuing\" milestone_id=%s err=%v", event.MilestoneID, err)
		return false
	}
}
