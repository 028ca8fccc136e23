package rest

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/dkruthoff/membership-billing/internal/transport/middleware"
	"github.com/dkruthoff/membership-billing/internal/transport/swagger"
	"github.com/dkruthoff/membership-billing/internal/webhook"
	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"
)

func RegisterAllRoutes(router *chi.Mux, db *sql.DB, webhookHandler *webhook.Handler, opsHandler *OpsHandler, allowedOrigins string, logger *slog.Logger) {
	healthHandler := NewHealthHandler(db)

	// Apply global middleware
	router.Use(middleware.CORS(allowedOrigins))
	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.RequestID)
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.RecoveryMiddleware(logger))

	// Serve the OpenAPI document at root (outside API prefix)
	router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, "./api/openapi.yml")
	})
	// Swagger UI route at root
	router.Handle("/swagger/*", swagger.Handler())

	// Mount API under /api/v1 to match OpenAPI basePath
	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		if webhookHandler != nil {
			r.Post("/webhooks/processor", webhookHandler.HandleWebhook)
		}

		if opsHandler != nil {
			r.Get("/transactions/lookup", opsHandler.LookupTransaction)

			r.Post("/organisations/{id}/checkout", opsHandler.StartOrganisationCheckout)
			r.Post("/members/{id}/autopay", opsHandler.StartMemberAutopay)

			r.Route("/reconcile", func(sr chi.Router) {
				sr.Post("/incomplete", opsHandler.SyncIncomplete)
				sr.Post("/transactions", opsHandler.SyncTransactions)
				sr.Post("/payments/{identifier}", opsHandler.SyncPayment)
				sr.Post("/accounts", opsHandler.SyncAccounts)
				sr.Post("/member-subscriptions", opsHandler.SyncMemberSubscriptions)
			})
		}
	})
}
