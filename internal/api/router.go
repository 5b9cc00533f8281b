/**
 * @description
 * This file sets up the HTTP router for the payout-service: processor webhook ingress,
 * the internal milestone routes called by the contract subsystem and the dashboard, and
 * the operator routes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: Router and standard middleware.
 * - github.com/go-chi/cors: CORS for the dashboard origins.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the credentials and origins the routes are guarded with.
type RouterConfig struct {
	InternalAPIKey    string
	OperatorJWTSecret string
	DashboardOrigins  []string
}

// NewRouter creates the chi router and registers the payout routes.
func NewRouter(h *Handlers, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if len(cfg.DashboardOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.DashboardOrigins,
			AllowedMethods:   []string{"GET", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Internal-API-Key"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("payout service is healthy"))
	})

	// Processors authenticate with their own signatures.
	r.Post("/webhooks/{provider}", h.WebhookHandler)

	r.Route("/internal", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
			r.Post("/milestones/approved", h.MilestoneApprovedHandler)
			r.Get("/milestones/{milestoneID}/payment", h.PaymentStatusHandler)
		})

		r.Group(func(r chi.Router) {
			r.Use(OperatorAuthMiddleware(cfg.OperatorJWTSecret))
			r.Post("/milestones/{milestoneID}/payment/retry", h.RetryPaymentHandler)
			r.Post("/reconcile", h.ReconcileHandler)
		})
	})

	return r
}
