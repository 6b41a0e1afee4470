package api

import (
	"net/http"

	"github.com/Ishan3450/complete-stock-exchange/internal/auth"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Routes mounts every endpoint. hub and metrics may be nil.
func Routes(h *Handler, admin *auth.AdminAuth, hub http.Handler, metrics http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if hub != nil {
		r.Get("/ws", hub.ServeHTTP)
	}
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/orders", h.PlaceOrder)
		r.Delete("/orders", h.CancelOrder)
		r.Get("/depth/{market}", h.GetDepth)
		r.Get("/trades/{market}", h.GetTrades)
		r.Get("/ticker/{market}", h.GetTicker)

		r.Post("/users", h.CreateUser)
		r.Get("/users/{id}/portfolio", h.GetPortfolio)
		r.Get("/users/{id}/orders", h.GetOpenOrders)

		r.Get("/markets", h.GetMarkets)
		r.Get("/markets/stats", h.GetMarketStats)

		if h.Users != nil {
			r.Post("/auth/signup", h.Signup)
			r.Post("/auth/signin", h.Signin)

			// Signed-in users act on their own account only
			r.Group(func(r chi.Router) {
				r.Use(h.Users.Middleware)
				r.Get("/me/portfolio", h.GetPortfolio)
				r.Get("/me/orders", h.GetOpenOrders)
				r.Post("/me/orders", h.PlaceOrder)
				r.Delete("/me/orders", h.CancelOrder)
			})
		}

		// Admin endpoints (require JWT)
		r.Group(func(r chi.Router) {
			r.Use(admin.Middleware)
			r.Post("/admin/markets", h.AddMarket)
			r.Delete("/admin/markets/{market}", h.RemoveMarket)
			r.Post("/admin/balance", h.AddBalance)
			r.Post("/admin/holdings", h.AddHoldings)
		})
	})
	return r
}
