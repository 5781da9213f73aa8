package http

import (
	"crypto/rsa"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/cinema-booking-engine/internal/observability"
)

type RouterConfig struct {
	JWTKey        *rsa.PublicKey
	RateLimitUser int
	RateLimitIP   int
}

func SetupRouter(h *Handlers, logger observability.Logger, rl Limiter, idemp Replayer, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware)

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	if len(h.webhookSecret) > 0 {
		r.With(RateLimitMiddleware(rl, cfg.RateLimitUser, cfg.RateLimitIP)).
			Post("/v1/payments/webhook", h.PaymentWebhook)
	}

	r.Group(func(r chi.Router) {
		r.Use(JWTMiddleware(cfg.JWTKey))
		r.Use(RateLimitMiddleware(rl, cfg.RateLimitUser, cfg.RateLimitIP))
		r.Use(IdempotencyMiddleware(idemp))

		r.Get("/v1/showtimes/{id}/seats", h.SeatMap)
		r.Post("/v1/showtimes/{id}/seats", h.LoadSeats)
		r.Get("/v1/stock/{sku}", h.GetStock)
		r.Put("/v1/stock/{sku}", h.SetStock)

		r.Route("/v1/bookings", func(r chi.Router) {
			r.Post("/", h.CreateBooking)
			r.Get("/", h.ListBookings)
			r.Get("/code/{code}", h.GetBookingByCode)
			r.Get("/{id}", h.GetBooking)
			r.Post("/{id}/cancel", h.CancelBooking)
			r.Post("/{id}/confirm", h.ConfirmBooking)
		})

		r.Route("/v1/cart", func(r chi.Router) {
			r.Get("/", h.GetCart)
			r.Delete("/", h.ClearCart)
			r.Post("/items", h.AddCartItem)
			r.Put("/items/{sku}", h.UpdateCartItem)
			r.Delete("/items/{sku}", h.RemoveCartItem)
			r.Post("/checkout", h.Checkout)
		})

		r.Get("/v1/orders", h.ListOrders)
		r.Get("/v1/orders/{id}", h.GetOrder)

		r.Route("/v1/payments", func(r chi.Router) {
			r.Post("/", h.CreatePayment)
			r.Get("/{id}", h.GetPayment)
			r.Post("/{id}/initiate", h.InitiatePayment)
			r.Post("/{id}/refund", h.RefundPayment)
			r.Post("/{id}/reconcile", h.ReconcilePayment)
		})
	})

	return r
}
