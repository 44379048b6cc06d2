package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/cinema-seat-booking/internal/idempotency"
	"github.com/robertarktes/cinema-seat-booking/internal/observability"
	"github.com/robertarktes/cinema-seat-booking/internal/rateLimit"
)

type RouterConfig struct {
	JWTSecret   string
	RateLimiter *rateLimit.RateLimiter
	Idempotency *idempotency.Idempotency
	// Requests per minute; zero picks the defaults.
	PerUserLimit int
	PerIPLimit   int
}

func SetupRouter(h *Handlers, logger observability.Logger, cfg RouterConfig) *chi.Mux {
	if cfg.PerUserLimit == 0 {
		cfg.PerUserLimit = 120
	}
	if cfg.PerIPLimit == 0 {
		cfg.PerIPLimit = 600
	}

	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Post("/v1/payments/callback", h.PaymentCallback)

	r.Group(func(r chi.Router) {
		r.Use(JWTMiddleware([]byte(cfg.JWTSecret)))
		r.Use(RateLimitMiddleware(cfg.RateLimiter, cfg.PerUserLimit, cfg.PerIPLimit))
		r.Use(IdempotencyMiddleware(cfg.Idempotency))

		r.Post("/v1/locks", h.RequestLock)
		r.Delete("/v1/locks/{id}", h.ReleaseLock)
		r.Get("/v1/showtimes/{id}", h.Showtime)
		r.Get("/v1/showtimes/{id}/seats", h.SeatStatuses)
		r.Get("/v1/combos", h.Combos)

		r.Post("/v1/bookings/confirm", h.ConfirmBooking)
		r.Get("/v1/bookings/me", h.MyBookings)
		r.Get("/v1/bookings/{id}", h.GetBooking)
		r.Post("/v1/bookings/{id}/cancel", h.CancelBooking)

		r.Route("/v1/admin", func(r chi.Router) {
			r.Use(RequireRole(RoleAdmin))
			r.Get("/bookings", h.AdminListBookings)
			r.Post("/showtimes/{id}/resume", h.AdminResumeShowtime)
		})
	})

	return r
}
