package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/transfa/payout-service/internal/app"
	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/internal/webhooks"
)

const (
	testInternalKey    = "internal-key"
	testOperatorSecret = "operator-secret"
)

type stubPayments struct {
	PaymentService

	approvalErr error
	retryErr    error
	statusErr   error
	approved    []domain.MilestoneApproval
}

func (s *stubPayments) OnMilestoneApproved(ctx context.Context, approval domain.MilestoneApproval) (*domain.MilestonePayment, error) {
	s.approved = append(s.approved, approval)
	p := &domain.MilestonePayment{MilestoneID: approval.MilestoneID, Attempt: 1, IdempotencyKey: "mp-" + approval.MilestoneID + "-1", State: domain.PaymentStateAwaitingConfirmation}
	if errors.Is(s.approvalErr, app.ErrContractorNotPayable) {
		p.State = domain.PaymentStateRejected
		p.FailureCategory = domain.ReasonContractorNotPayable
	}
	return p, s.approvalErr
}

func (s *stubPayments) RetryPayment(ctx context.Context, milestoneID string) (*domain.MilestonePayment, error) {
	if s.retryErr != nil {
		return nil, s.retryErr
	}
	return &domain.MilestonePayment{MilestoneID: milestoneID, Attempt: 2, State: domain.PaymentStateAwaitingConfirmation}, nil
}

func (s *stubPayments) PaymentStatus(ctx context.Context, milestoneID string) (domain.PaymentStatusView, error) {
	if s.statusErr != nil {
		return domain.PaymentStatusView{}, s.statusErr
	}
	return domain.PaymentStatusView{MilestoneID: milestoneID, Status: domain.UserStatusPending, Reason: domain.ReasonAwaitingConfirmation}, nil
}

type stubReconciler struct {
	outcome   app.WebhookOutcome
	err       error
	signature string
}

func (s *stubReconciler) Handle(ctx context.Context, provider string, payload []byte, signature string) (app.WebhookOutcome, error) {
	s.signature = signature
	return s.outcome, s.err
}

type stubSweeper struct{}

func (stubSweeper) RunOnce(ctx context.Context) (app.SweepReport, error) {
	return app.SweepReport{DispatchResolved: 2}, nil
}

func newTestRouter(payments *stubPayments, reconciler *stubReconciler) http.Handler {
	registry := webhooks.NewRegistry(webhooks.NewStripeAdapter("whsec_test", 0), webhooks.NewAnchorAdapter("anchor"))
	h := NewHandlers(payments, reconciler, registry, stubSweeper{})
	return NewRouter(h, RouterConfig{InternalAPIKey: testInternalKey, OperatorJWTSecret: testOperatorSecret, DashboardOrigins: []string{"https://dashboard.transfa.app"}})
}

func operatorToken(t *testing.T, role string, expiresIn time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "op_1",
		"role": role,
		"exp":  time.Now().Add(expiresIn).Unix(),
	})
	signed, err := token.SignedString([]byte(testOperatorSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestWebhookHandler_StatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		provider   string
		outcome    app.WebhookOutcome
		err        error
		wantStatus int
	}{
		{name: "accepted", provider: "stripe", outcome: app.WebhookAccepted, wantStatus: http.StatusOK},
		{name: "duplicate", provider: "stripe", outcome: app.WebhookDuplicate, wantStatus: http.StatusOK},
		{name: "bad signature", provider: "stripe", outcome: app.WebhookRejectedSignature, wantStatus: http.StatusUnauthorized},
		{name: "unknown provider", provider: "paypal", wantStatus: http.StatusNotFound},
		{name: "malformed payload", provider: "anchor", err: webhooks.ErrMalformedPayload, wantStatus: http.StatusBadRequest},
		{name: "claimed elsewhere", provider: "stripe", err: app.ErrEventInProgress, wantStatus: http.StatusConflict},
		{name: "processing failure", provider: "stripe", err: errors.New("database unavailable"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reconciler := &stubReconciler{outcome: tt.outcome, err: tt.err}
			router := newTestRouter(&stubPayments{}, reconciler)

			req := httptest.NewRequest(http.MethodPost, "/webhooks/"+tt.provider, strings.NewReader(`{"id":"evt_1"}`))
			req.Header.Set("Stripe-Signature", "t=1,v1=abc")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d (%s)", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.provider == "stripe" && reconciler.signature != "t=1,v1=abc" {
				t.Fatalf("expected signature header to be forwarded, got %q", reconciler.signature)
			}
		})
	}
}

func TestMilestoneApprovedHandler(t *testing.T) {
	body := `{"milestone_id":"M1","contractor_account_ref":"acct_1","amount_minor_units":5000,"currency":"USD"}`

	tests := []struct {
		name       string
		key        string
		err        error
		wantStatus int
	}{
		{name: "accepted", key: testInternalKey, wantStatus: http.StatusAccepted},
		{name: "missing key", key: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong key", key: "nope", wantStatus: http.StatusUnauthorized},
		{name: "ineligible contractor", key: testInternalKey, err: app.ErrContractorNotPayable, wantStatus: http.StatusUnprocessableEntity},
		{name: "invalid approval", key: testInternalKey, err: app.ErrInvalidApproval, wantStatus: http.StatusBadRequest},
		{name: "infrastructure failure", key: testInternalKey, err: errors.New("boom"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payments := &stubPayments{approvalErr: tt.err}
			router := newTestRouter(payments, &stubReconciler{})

			req := httptest.NewRequest(http.MethodPost, "/internal/milestones/approved", strings.NewReader(body))
			if tt.key != "" {
				req.Header.Set("X-Internal-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d (%s)", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if rec.Code == http.StatusAccepted {
				var resp paymentResponse
				if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
					t.Fatalf("decode response: %v", err)
				}
				if resp.IdempotencyKey != "mp-M1-1" || resp.State != domain.PaymentStateAwaitingConfirmation {
					t.Fatalf("unexpected response %+v", resp)
				}
			}
		})
	}
}

func TestPaymentStatusHandler(t *testing.T) {
	router := newTestRouter(&stubPayments{}, &stubReconciler{})
	req := httptest.NewRequest(http.MethodGet, "/internal/milestones/M1/payment", nil)
	req.Header.Set("X-Internal-API-Key", testInternalKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var view domain.PaymentStatusView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.MilestoneID != "M1" || view.Status != domain.UserStatusPending {
		t.Fatalf("unexpected view %+v", view)
	}

	missing := newTestRouter(&stubPayments{statusErr: store.ErrPaymentNotFound}, &stubReconciler{})
	rec = httptest.NewRecorder()
	missing.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestPaymentStatusHandler_CORSPreflight(t *testing.T) {
	router := newTestRouter(&stubPayments{}, &stubReconciler{})
	req := httptest.NewRequest(http.MethodOptions, "/internal/milestones/M1/payment", nil)
	req.Header.Set("Origin", "https://dashboard.transfa.app")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://dashboard.transfa.app" {
		t.Fatalf("expected dashboard origin to be allowed, got %q", got)
	}
}

func TestRetryPaymentHandler_OperatorAuth(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		retryErr   error
		wantStatus int
	}{
		{name: "operator", token: operatorToken(t, operatorRole, time.Hour), wantStatus: http.StatusAccepted},
		{name: "no token", wantStatus: http.StatusUnauthorized},
		{name: "expired token", token: operatorToken(t, operatorRole, -time.Hour), wantStatus: http.StatusUnauthorized},
		{name: "wrong role", token: operatorToken(t, "support", time.Hour), wantStatus: http.StatusForbidden},
		{name: "retry refused", token: operatorToken(t, operatorRole, time.Hour), retryErr: app.ErrRetryNotAllowed, wantStatus: http.StatusConflict},
		{name: "unknown milestone", token: operatorToken(t, operatorRole, time.Hour), retryErr: store.ErrPaymentNotFound, wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&stubPayments{retryErr: tt.retryErr}, &stubReconciler{})
			req := httptest.NewRequest(http.MethodPost, "/internal/milestones/M1/payment/retry", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d (%s)", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestOperatorAuthMiddleware_RejectsOtherAlgorithms(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{"sub": "op_1", "role": operatorRole, "exp": time.Now().Add(time.Hour).Unix()})
	signed, err := token.SignedString([]byte(testOperatorSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	router := newTestRouter(&stubPayments{}, &stubReconciler{})
	req := httptest.NewRequest(http.MethodPost, "/internal/reconcile", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestReconcileHandler(t *testing.T) {
	router := newTestRouter(&stubPayments{}, &stubReconciler{})
	req := httptest.NewRequest(http.MethodPost, "/internal/reconcile", nil)
	req.Header.Set("Authorization", "Bearer "+operatorToken(t, operatorRole, time.Hour))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Report app.SweepReport `json:"report"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Report.DispatchResolved != 2 {
		t.Fatalf("unexpected report %+v", body.Report)
	}
}
