/**
 * @description
 * This file contains the HTTP handlers for the payout-service. Handlers parse the request,
 * call the payment service, reconciler or sweeper, and map their errors onto status codes.
 * Raw processor errors never reach a response body; callers see reason categories.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/payout-service/internal/app"
	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/internal/webhooks"
)

const maxWebhookBodyBytes = 1 << 20

// PaymentService is the part of the payment state machine exposed over HTTP.
type PaymentService interface {
	OnMilestoneApproved(ctx context.Context, approval domain.MilestoneApproval) (*domain.MilestonePayment, error)
	RetryPayment(ctx context.Context, milestoneID string) (*domain.MilestonePayment, error)
	PaymentStatus(ctx context.Context, milestoneID string) (domain.PaymentStatusView, error)
}

// WebhookReconciler applies processor webhooks.
type WebhookReconciler interface {
	Handle(ctx context.Context, provider string, payload []byte, signature string) (app.WebhookOutcome, error)
}

// SignatureHeaders tells the webhook route which header carries a provider's signature.
type SignatureHeaders interface {
	Adapter(provider string) (webhooks.Adapter, error)
}

// Sweeper runs one reconciliation sweep on demand.
type Sweeper interface {
	RunOnce(ctx context.Context) (app.SweepReport, error)
}

// Handlers holds the services the HTTP handlers call.
type Handlers struct {
	payments   PaymentService
	reconciler WebhookReconciler
	headers    SignatureHeaders
	sweeper    Sweeper
}

// NewHandlers creates the handler set.
func NewHandlers(payments PaymentService, reconciler WebhookReconciler, headers SignatureHeaders, sweeper Sweeper) *Handlers {
	return &Handlers{payments: payments, reconciler: reconciler, headers: headers, sweeper: sweeper}
}

type paymentResponse struct {
	MilestoneID        string                `json:"milestone_id"`
	Attempt            int                   `json:"attempt"`
	State              domain.PaymentState   `json:"state"`
	Reason             domain.ReasonCategory `json:"reason,omitempty"`
	ProcessorChargeRef string                `json:"processor_charge_ref,omitempty"`
	IdempotencyKey     string                `json:"idempotency_key"`
}

func buildPaymentResponse(p *domain.MilestonePayment) paymentResponse {
	return paymentResponse{
		MilestoneID:        p.MilestoneID,
		Attempt:            p.Attempt,
		State:              p.State,
		Reason:             p.FailureCategory,
		ProcessorChargeRef: p.ChargeRef(),
		IdempotencyKey:     p.IdempotencyKey,
	}
}

// WebhookHandler receives processor webhooks at /webhooks/{provider}.
func (h *Handlers) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(chi.URLParam(r, "provider"))
	adapter, err := h.headers.Adapter(provider)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "unknown webhook provider")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "webhook body too large")
		return
	}

	outcome, err := h.reconciler.Handle(r.Context(), provider, payload, r.Header.Get(adapter.SignatureHeader()))
	switch {
	case err == nil && outcome == app.WebhookRejectedSignature:
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"status": string(outcome)})
	case err == nil:
		h.writeJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
	case errors.Is(err, webhooks.ErrUnknownProvider):
		h.writeError(w, http.StatusNotFound, "unknown webhook provider")
	case errors.Is(err, webhooks.ErrMalformedPayload):
		h.writeError(w, http.StatusBadRequest, "malformed webhook payload")
	case errors.Is(err, app.ErrEventInProgress):
		h.writeError(w, http.StatusConflict, "event is being processed")
	default:
		log.Printf("level=error component=api flow=webhook msg=\"webhook processing failed\" provider=%s err=%v", provider, err)
		h.writeError(w, http.StatusInternalServerError, "webhook processing failed")
	}
}

// MilestoneApprovedHandler starts payment for an approved milestone.
func (h *Handlers) MilestoneApprovedHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.MilestoneApproval
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	payment, err := h.payments.OnMilestoneApproved(r.Context(), req)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusAccepted, buildPaymentResponse(payment))
	case errors.Is(err, app.ErrInvalidApproval):
		if payment != nil {
			h.writeJSON(w, http.StatusBadRequest, buildPaymentResponse(payment))
			return
		}
		h.writeError(w, http.StatusBadRequest, string(domain.ReasonInvalidRequest))
	case errors.Is(err, app.ErrContractorNotPayable):
		h.writeJSON(w, http.StatusUnprocessableEntity, buildPaymentResponse(payment))
	case errors.Is(err, app.ErrLockTimeout):
		h.writeError(w, http.StatusConflict, "milestone is being processed")
	default:
		log.Printf("level=error component=api flow=approval msg=\"approval failed\" milestone_id=%s err=%v", req.MilestoneID, err)
		h.writeError(w, http.StatusInternalServerError, "failed to start payment")
	}
}

// PaymentStatusHandler returns the user-visible payment status of a milestone.
func (h *Handlers) PaymentStatusHandler(w http.ResponseWriter, r *http.Request) {
	milestoneID := chi.URLParam(r, "milestoneID")
	view, err := h.payments.PaymentStatus(r.Context(), milestoneID)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			h.writeError(w, http.StatusNotFound, "no payment for milestone")
			return
		}
		log.Printf("level=error component=api flow=status msg=\"status lookup failed\" milestone_id=%s err=%v", milestoneID, err)
		h.writeError(w, http.StatusInternalServerError, "failed to load payment status")
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// RetryPaymentHandler starts a new attempt for a milestone after operator review.
func (h *Handlers) RetryPaymentHandler(w http.ResponseWriter, r *http.Request) {
	milestoneID := chi.URLParam(r, "milestoneID")
	operatorID, _ := GetOperatorID(r.Context())
	log.Printf("level=info component=api flow=operator_retry msg=\"retry requested\" milestone_id=%s operator_id=%s", milestoneID, operatorID)

	payment, err := h.payments.RetryPayment(r.Context(), milestoneID)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusAccepted, buildPaymentResponse(payment))
	case errors.Is(err, store.ErrPaymentNotFound):
		h.writeError(w, http.StatusNotFound, "no payment for milestone")
	case errors.Is(err, app.ErrRetryNotAllowed):
		h.writeError(w, http.StatusConflict, "latest attempt is still in progress or completed")
	case errors.Is(err, app.ErrContractorNotPayable):
		h.writeJSON(w, http.StatusUnprocessableEntity, buildPaymentResponse(payment))
	case errors.Is(err, app.ErrLockTimeout):
		h.writeError(w, http.StatusConflict, "milestone is being processed")
	default:
		log.Printf("level=error component=api flow=operator_retry msg=\"retry failed\" milestone_id=%s err=%v", milestoneID, err)
		h.writeError(w, http.StatusInternalServerError, "failed to retry payment")
	}
}

// ReconcileHandler runs one reconciliation sweep immediately.
func (h *Handlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeper.RunOnce(r.Context())
	if err != nil {
		log.Printf("level=warn component=api flow=reconcile msg=\"sweep finished with errors\" err=%v", err)
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"report": report, "error": "sweep finished with errors"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"report": report})
}

// writeJSON is a helper for writing JSON responses.
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
