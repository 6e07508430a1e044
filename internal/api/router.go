/**
 * @description
 * HTTP router setup for the refund-service using go-chi/chi.
 */
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers refund routes.
func NewRouter(h *Handler, jwksURL string, internalKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.handleHealth)

	r.Route("/internal/refunds", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/requests", h.handleCreateRefundRequest)
		r.Get("/requests", h.handleListRefundRequests)
		r.Get("/requests/{id}", h.handleGetRefundRequest)
		r.Post("/requests/{id}/process", h.handleProcessRefundRequest)
		r.Post("/decisions/{id}/retry", h.handleRetryDecision)
		r.Get("/stats", h.handleGetRefundStats)
		r.Post("/sweep", h.handleRunDeadlineSweep)
	})

	r.Group(func(r chi.Router) {
		r.Use(ClerkAuthMiddleware(jwksURL))
		r.Post("/fees/quote", h.handleQuoteDonation)
		r.Get("/refunds/decisions/pending", h.handleGetPendingDecisions)
		r.Post("/refunds/decisions/{id}", h.handleSubmitDecision)
		r.Get("/refunds/campaigns/eligible", h.handleListEligibleCampaigns)
	})

	return r
}
