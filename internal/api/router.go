/**
 * @description
 * This file sets up the HTTP router for the bank node's operator API. It defines the
 * endpoints, associates them with their handlers and applies the middleware stack.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// TransferRoutes creates and returns the router for the operator API.
func TransferRoutes(h *TransferHandlers, jwtSecret string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Group(func(r chi.Router) {
		r.Use(OperatorAuthMiddleware(jwtSecret))

		r.Post("/transfers", h.CreateTransferHandler)
		r.Get("/accounts/{number}", h.GetAccountHandler)
		r.Get("/accounts/{number}/transactions", h.GetAccountTransactionsHandler)
		r.Get("/phones/{phone}", h.GetPhoneHandler)
		r.Get("/transactions/{transactionID}", h.GetTransactionHandler)
		r.Post("/transactions/{transactionID}/release", h.ReleaseReservationHandler)
		r.Post("/reconciliation/run", h.RunReconciliationHandler)
	})

	return r
}
