/**
 * @description
 * This file sets up the HTTP router for the ledger-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies
 * the authentication middleware for each caller class: the gateway (signed
 * callbacks), the messaging layer (internal API key) and the admin frontend
 * (JWT).
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS for the admin frontend.
 * - github.com/prometheus/client_golang/prometheus/promhttp: Metrics endpoint.
 */

package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig holds the credentials and origins the router enforces.
type RouterConfig struct {
	InternalAPIKey string
	AdminJWTSecret string
	AllowedOrigins []string
}

// NewRouter creates a new Chi router and registers the ledger-service routes.
func NewRouter(h *Handlers, cfg RouterConfig, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger.With("component", "http")))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Signed by the gateway; authenticated inside the handler.
	r.Post("/callbacks/gateway", h.GatewayCallbackHandler)

	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(cfg.InternalAPIKey))

		r.Route("/groups/{groupID}", func(r chi.Router) {
			r.Post("/contributions", h.ContributionHandler)
			r.Get("/members/{userID}/balance", h.BalanceHandler)
			r.Get("/members/{userID}/transactions", h.HistoryHandler)
			r.Get("/rotation", h.RotationScheduleHandler)
			r.Post("/overdrafts", h.RequestOverdraftHandler)
		})
		r.Get("/overdrafts/{overdraftID}", h.GetOverdraftHandler)
		r.Post("/overdrafts/{overdraftID}/repayments", h.RepayOverdraftHandler)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(cfg.AdminJWTSecret))

		r.Route("/overdrafts/{overdraftID}", func(r chi.Router) {
			r.Post("/approve", h.ApproveOverdraftHandler())
			r.Post("/reject", h.RejectOverdraftHandler())
			r.Post("/activate", h.ActivateOverdraftHandler())
			r.Post("/default", h.DefaultOverdraftHandler())
		})

		r.Route("/groups/{groupID}", func(r chi.Router) {
			r.Use(RequireGroupScope)
			r.Get("/rotation", h.RotationScheduleHandler)
			r.Post("/rotation/advance", h.AdvanceRotationHandler)
			r.Put("/rotation", h.ReorderRotationHandler)
			r.Delete("/members/{userID}", h.RemoveMemberHandler)
		})

		// Admin role only.
		r.With(RequireRole(RoleAdmin)).Post("/transactions/{transactionID}/settle", h.SettleTransactionHandler)
	})

	return r
}
