package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/ndmitriev/metroshop-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware магазина.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger.Sugar()))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/cart", h.GetCart)
			r.Post("/cart", h.AddToCart)
			r.Put("/cart", h.SetQuantity)
			r.Delete("/cart", h.ClearCart)

			r.Post("/orders", h.Checkout)
			r.Get("/orders", h.GetOrders)
			r.Post("/orders/payment", h.SubmitPaymentProof)

			r.Get("/profile", h.GetProfile)
		})
	})

	r.Route("/api/worker", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/orders/{id}/claim", h.ClaimOrder)
		r.Post("/orders/{id}/status", h.AdvanceStatus)
		r.Get("/payouts", h.GetPayouts)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)
		r.Use(h.authMiddleware.RequireAdmin(h.cfg.IsAdmin))

		r.Get("/orders", h.ListOrders)
		r.Get("/orders/{id}", h.GetOrder)
		r.Post("/orders/{id}/confirm", h.ConfirmOrder)
		r.Post("/orders/{id}/reject", h.RejectOrder)
		r.Post("/payouts/{id}", h.ResolvePayout)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
