/**
 * @description
 * This file sets up the HTTP router for the entitlement service. It defines
 * the API endpoints, associates them with their corresponding handlers, and
 * applies any necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for chi.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Routes creates and returns the router for the entitlement service.
func Routes(h *Handlers, secretKey, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	// Inference calls dominate request latency, so the timeout is generous.
	r.Use(middleware.Timeout(150 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Stripe calls this directly; authentication is the webhook signature.
	r.Post("/webhooks/stripe", h.StripeWebhookHandler)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(secretKey))

		r.Post("/swap", h.SwapHandler)
		r.Get("/entitlement", h.EntitlementHandler)
		r.Post("/payments/usdt/initiate", h.InitiateUSDTPaymentHandler)
	})

	// Operator-only endpoints for deferred deposit resolution.
	r.Group(func(r chi.Router) {
		r.Use(InternalKeyMiddleware(internalAPIKey))

		r.Get("/internal/unmatched-deposits", h.ListUnmatchedDepositsHandler)
		r.Post("/internal/unmatched-deposits/resolve", h.ResolveUnmatchedDepositHandler)
	})

	return r
}
