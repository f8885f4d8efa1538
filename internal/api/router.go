package api

import (
	"net/http"

	"keybridge/internal/auth"
	"keybridge/internal/logger"
	"keybridge/internal/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler, authn *auth.Authenticator, limiter *middleware.RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(logger.RequestIDMiddleware)
	r.Use(logger.LoggingMiddleware)
	r.Use(chimw.Recoverer)

	r.Get("/health", h.Health)
	r.With(limiter.Strict).Post("/oauth/token", h.IssueToken)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireClient(authn))
		r.Use(limiter.General)

		r.Post("/reservation", h.CreateReservation)
		r.Delete("/reservation/{id}", h.DeleteReservation)
		r.Post("/order", h.ConfirmOrder)
		r.Get("/order/{id}/inventory", h.GetInventory)
		r.Post("/webhook/new-order", h.NewOrderWebhook)
		r.Get("/products", h.ListProducts)
		r.Get("/products/{id}", h.GetProduct)
	})

	return r
}
