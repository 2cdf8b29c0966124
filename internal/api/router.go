package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tokenmeter-platform/tokenmeter/internal/database"
	mw "github.com/tokenmeter-platform/tokenmeter/internal/middleware"
	inats "github.com/tokenmeter-platform/tokenmeter/internal/nats"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Token status handlers
	GetTokenStatus    http.HandlerFunc
	GetTokenUsage     http.HandlerFunc
	GetTokenAnalytics http.HandlerFunc
	Calculate         http.HandlerFunc

	// Admin handlers
	ListUsers      http.HandlerFunc
	UpdateLimit    http.HandlerFunc
	ToggleQuota    http.HandlerFunc
	GetSystemStats http.HandlerFunc
	ResetPeriod    http.HandlerFunc
	ResetSweep     http.HandlerFunc

	// Auth middleware
	AuthMiddleware  func(http.Handler) http.Handler
	AdminMiddleware func(http.Handler) http.Handler

	// Metering pipeline stages, wrapped around the AI proxy surface
	Interceptor  func(http.Handler) http.Handler
	AlertHeaders func(http.Handler) http.Handler

	// Downstream AI proxy handler the pipeline wraps
	AIProxy http.Handler
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	AdminRateLimiter   func(http.Handler) http.Handler
}

func NewRouter(pool *pgxpool.Pool, natsClient *inats.Client, cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe — always 200, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	// Readiness probe — checks DB and NATS
	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{
			"status":   "healthy",
			"database": "healthy",
			"nats":     "healthy",
		}

		status := http.StatusOK

		if err := database.HealthCheck(r.Context(), pool); err != nil {
			health["database"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		if natsClient != nil && !natsClient.Healthy() {
			health["nats"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		} else if natsClient == nil {
			health["nats"] = "not configured"
		}

		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Token status routes
		r.Route("/tokens", func(r chi.Router) {
			r.Use(h.AuthMiddleware)
			r.Get("/status", h.GetTokenStatus)
			r.Get("/usage", h.GetTokenUsage)
			r.Get("/analytics", h.GetTokenAnalytics)
			r.Get("/calculator", h.Calculate)
		})

		// Admin token management
		r.Route("/admin/tokens", func(r chi.Router) {
			r.Use(h.AuthMiddleware)
			r.Use(h.AdminMiddleware)
			if cfg.AdminRateLimiter != nil {
				r.Use(cfg.AdminRateLimiter)
			}
			r.Get("/users", h.ListUsers)
			r.Put("/limit", h.UpdateLimit)
			r.Put("/toggle", h.ToggleQuota)
			r.Get("/stats", h.GetSystemStats)
			r.Post("/reset-period", h.ResetPeriod)
			r.Post("/reset-sweep", h.ResetSweep)
		})
	})

	// Metered AI proxy surface: every request under /api/ai goes through
	// the interception pipeline before reaching the downstream handler.
	if h.AIProxy != nil {
		r.Route("/api/ai", func(r chi.Router) {
			r.Use(h.AuthMiddleware)
			r.Use(h.AlertHeaders)
			r.Use(h.Interceptor)
			r.Handle("/*", h.AIProxy)
		})
	}

	return r
}
