package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/casework/messaging/internal/auth"
	"github.com/casework/messaging/internal/middleware"
	"github.com/casework/messaging/pkg/logger"
)

// RouterConfig collects what the router mounts.
type RouterConfig struct {
	Gate              *auth.Gate
	Logger            *logger.Logger
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration

	Health        *HealthHandler
	Conversations *ConversationHandler
	Messages      *MessageHandler
	WebSocket     *WebSocketHandler
}

// NewRouter builds the HTTP routes.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)

	r.Handle("/metrics", promhttp.Handler())

	// The socket authenticates itself so it can answer with close codes.
	r.Get("/ws", cfg.WebSocket.Serve)

	r.Route("/api/messages", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Gate))
		r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Get("/users", cfg.Conversations.Users)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", cfg.Conversations.List)
			r.Post("/", cfg.Conversations.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/messages", cfg.Messages.List)
				r.Post("/messages", cfg.Messages.Send)
				r.Get("/participants", cfg.Conversations.Participants)
				r.Post("/users", cfg.Conversations.AddUsers)
				r.Get("/events", cfg.Conversations.Events)
			})
		})
	})

	return r
}
