package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/meeting-coordinator/internal/middleware"
	"github.com/capitalize-ai/meeting-coordinator/internal/service"
	"github.com/capitalize-ai/meeting-coordinator/pkg/logger"
)

// RouterConfig holds the dependencies and settings of the HTTP router.
type RouterConfig struct {
	Service *service.SchedulingService
	Logger  *logger.Logger

	// Events backs the thread event stream. The route is not mounted when nil.
	Events EventSource
	// Checks are pinged by /ready.
	Checks map[string]Pinger

	AppEnv             string
	CORSAllowedOrigins []string

	JWTSecret     string
	JWTIssuer     string
	JWTExpiration time.Duration

	RateLimitRequests       int
	RateLimitWindow         time.Duration
	InviteRateLimitRequests int
}

// NewRouter builds the HTTP handler for the API.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	window := cfg.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}

	healthHandler := NewHealthHandler(cfg.Checks)
	threadHandler := NewThreadHandler(cfg.Service, log)
	inviteHandler := NewInviteHandler(cfg.Service, log)
	notificationHandler := NewNotificationHandler(cfg.Service, log)
	devTokenHandler := NewDevTokenHandler(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTExpiration)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	r.Handle("/metrics", promhttp.Handler())

	// Organizer API
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret, cfg.JWTIssuer))
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, window))
		}

		r.Route("/threads", func(r chi.Router) {
			r.Post("/", threadHandler.Create)
			r.Get("/", threadHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", threadHandler.Get)
				r.Get("/summary", threadHandler.Summary)
				r.Post("/send", threadHandler.Send)
				r.Post("/finalize", threadHandler.Finalize)
				r.Post("/repropose", threadHandler.Repropose)
				r.Post("/cancel", threadHandler.Cancel)

				if cfg.Events != nil {
					r.Get("/events", NewStreamHandler(cfg.Service, cfg.Events, log).Stream)
				}
			})
		})

		r.Get("/notifications", notificationHandler.List)
		r.Post("/notifications/{id}/read", notificationHandler.MarkRead)
	})

	// Invitee endpoints, authenticated by the token in the path
	r.Route("/g/{token}", func(r chi.Router) {
		if cfg.InviteRateLimitRequests > 0 {
			r.Use(middleware.InviteRateLimit(cfg.InviteRateLimitRequests, window))
		}
		r.Get("/", inviteHandler.View)
		r.Post("/respond", inviteHandler.Respond)
	})

	r.Route("/test", func(r chi.Router) {
		r.Use(middleware.NonProduction(cfg.AppEnv))
		r.Post("/organizer-token", devTokenHandler.Issue)
	})

	return r
}
