package domain

import (
	"strings"
	"time"
)

// PayableState describes whether a contractor account can receive funds.
type PayableState string

const (
	PayableStateUnverified PayableState = "unverified"
	PayableStatePending    PayableState = "pending"
	PayableStatePayable    PayableState = "payable"
	PayableStateRestricted PayableState = "restricted"
)

// ParsePayableState normalizes a stored or configured value. Unknown values map to unverified.
func ParsePayableState(raw string) PayableState {
	switch PayableState(strings.ToLower(strings.TrimSpace(raw))) {
	case PayableStatePending:
		return PayableStatePending
	case PayableStatePayable:
		return PayableStatePayable
	case PayableStateRestricted:
		return PayableStateRestricted
	default:
		return PayableStateUnverified
	}
}

// ContractorAccount is the locally cached view of a contractor's processor account.
// It maps to the `contractor_accounts` table.
type ContractorAccount struct {
	AccountRef              string       `json:"account_ref"`
	PayableState            PayableState `json:"payable_state"`
	RequirementsOutstanding []string     `json:"requirements_outstanding"`
	LastSyncedAt            time.Time    `json:"last_synced_at"`
}

// IsPayable reports whether funds may be dispatched to the account.
func (a ContractorAccount) IsPayable() bool {
	return a.PayableState == PayableStatePayable
}
