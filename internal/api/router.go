/**
 * @description
 * This file sets up the HTTP router for the settlement-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 * - github.com/prometheus/client_golang: The /metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates the settlement-service router. authenticate resolves the caller identity
// for the public routes; internal routes are guarded by the internal API key instead.
func NewRouter(h *PoolHandlers, authenticate func(http.Handler) http.Handler, internalKey string) *chi.Mux {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	// Callers authenticate with bearer tokens or the internal key header, never cookies, so
	// browsers are not asked to send credentials cross-origin.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/wallets/{wallet}/deposits", h.DepositHandler)
		r.Post("/sweeps/run", h.RunSweepsHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(authenticate)

		r.Get("/wallets/me", h.GetMyWalletHandler)

		r.Route("/pools", func(r chi.Router) {
			r.Post("/", h.CreatePoolHandler)
			r.Get("/", h.ListPoolsHandler)

			r.Route("/{pool_id}", func(r chi.Router) {
				r.Get("/", h.GetPoolHandler)
				r.Post("/join", h.JoinPoolHandler)
				r.Post("/close", h.ClosePoolHandler)
				r.Post("/settle", h.SettleHandler)
				r.Get("/settlement", h.GetSettlementHandler)
				r.Get("/participants", h.ListParticipantsHandler)
				r.Get("/participants/{wallet}", h.GetParticipantHandler)
				r.Post("/participants/{wallet}/forfeit", h.ForfeitHandler)
				r.Post("/participants/{wallet}/outcomes", h.RecordOutcomeHandler)
			})
		})
	})

	return r
}
