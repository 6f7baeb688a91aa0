package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	corslib "github.com/rs/cors"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/albapepper/pushgate/internal/api/handler"
	"github.com/albapepper/pushgate/internal/config"
)

// NewRouter creates and configures the Chi router with all middleware and routes.
func NewRouter(queue handler.Queue, senders handler.SenderQueues, db handler.Pinger, cfg *config.Config, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// --- Middleware stack ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(middleware.Compress(5)) // gzip

	// CORS
	c := corslib.New(corslib.Options{
		AllowedOrigins:   cfg.CORSAllowOrigins,
		AllowedMethods:   []string{"GET", "POST", "HEAD", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Encoding", "Content-Type", "Cache-Control"},
		AllowCredentials: false,
	})
	r.Use(c.Handler)

	// Rate limiting
	if cfg.RateLimitEnabled {
		r.Use(RateLimitMiddleware(cfg.RateLimitRequests, cfg.RateLimitWindow))
	}

	// --- Handler dependencies ---
	h := handler.New(queue, senders, db, logger)

	// --- Routes ---

	r.Get("/", h.Root)

	// Health checks
	r.Route("/health", func(r chi.Router) {
		r.Get("/", h.HealthCheck)
		r.Get("/db", h.HealthCheckDB)
	})

	// Ingestion
	r.Post(cfg.EventsPath, h.PostEvents)
	r.Post(cfg.NotificationsPath, h.PostNotifications)

	// Queue monitoring
	r.Route(cfg.MonitorPath, func(r chi.Router) {
		r.Get("/", h.MonitorQueues)
		r.Get("/requests", h.MonitorRequests)
		r.Get("/senders/{name}", h.MonitorSender)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("/docs/doc.json"),
	))

	return r
}
