/**
 * @description
 * This package defines the contract every payment processor adapter implements and the
 * error classification the dispatch path relies on. Adapters are built once in main and
 * injected; nothing in this package keeps global SDK state.
 *
 * @dependencies
 * - context, errors, net: Standard Go libraries.
 * - internal/domain: Account state types.
 */

package processor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/transfa/payout-service/internal/domain"
)

// ErrChargeNotFound is returned by FindChargeByIdempotencyKey when the processor has no
// charge for the key, i.e. the original request never reached it.
var ErrChargeNotFound = errors.New("processor charge not found")

// ChargeRequest moves funds from a business funding source to a contractor account.
type ChargeRequest struct {
	IdempotencyKey       string
	MilestoneID          string
	ContractorAccountRef string
	FundingSourceRef     string
	AmountMinorUnits     int64
	Currency             string
}

// Charge is the processor's view of a charge created for an idempotency key.
type Charge struct {
	Ref    string
	Status string
}

// Client is implemented by each processor adapter.
type Client interface {
	Name() string
	// OwnsAccount reports whether an account reference belongs to this processor.
	OwnsAccount(accountRef string) bool
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	FindChargeByIdempotencyKey(ctx context.Context, idempotencyKey string) (*Charge, error)
	FetchAccount(ctx context.Context, accountRef string) (domain.ContractorAccount, error)
}

// ErrorKind separates errors the processor answered definitively from errors whose
// outcome is unknown.
type ErrorKind string

const (
	KindRejected  ErrorKind = "rejected"
	KindTransient ErrorKind = "transient"
)

// Error is a classified processor failure.
type Error struct {
	Kind       ErrorKind
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("processor %s error (status %d, code %s): %s", e.Kind, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("processor %s error (status %d): %s", e.Kind, e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindForStatus classifies an HTTP status returned by a processor.
// 408, 409 (idempotent request in progress), 429 and 5xx are transient; other 4xx are rejections.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusConflict,
		status == http.StatusTooManyRequests,
		status >= 500:
		return KindTransient
	case status >= 400:
		return KindRejected
	default:
		return KindTransient
	}
}

// IsRejected reports whether err is a definitive processor rejection.
func IsRejected(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Kind == KindRejected
}

// IsTransient reports whether err leaves the outcome unknown: network failures, timeouts,
// throttling and processor-side errors. Unclassified errors are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind == KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return !errors.Is(err, context.Canceled)
}

// Transient wraps err as a transient processor error.
func Transient(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Message: err.Error(), Err: err}
}
