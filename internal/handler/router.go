package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fitcoach/coach-messaging/internal/middleware"
	"github.com/fitcoach/coach-messaging/pkg/logger"
)

// RouterConfig carries the handlers and settings of the HTTP surface.
type RouterConfig struct {
	Health        *HealthHandler
	Conversations *ConversationHandler
	Messages      *MessageHandler
	Stream        *StreamHandler
	Presence      *PresenceHandler

	JWTSecret         string
	CORSOrigins       []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	Logger            *logger.Logger
}

// NewRouter builds the chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", cfg.Conversations.List)
			r.Post("/direct", cfg.Conversations.ResolveDirect)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/messages", cfg.Messages.List)
				r.Post("/messages", cfg.Messages.Send)
				r.Post("/read", cfg.Conversations.MarkRead)
				r.Get("/stream", cfg.Stream.Stream)
			})
		})

		r.Get("/presence", cfg.Presence.List)
		r.Get("/presence/ws", cfg.Presence.Connect)
	})

	return r
}
