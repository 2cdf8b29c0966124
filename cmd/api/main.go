package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"

	"github.com/tokenmeter-platform/tokenmeter/internal/api"
	"github.com/tokenmeter-platform/tokenmeter/internal/auth"
	"github.com/tokenmeter-platform/tokenmeter/internal/classifier"
	"github.com/tokenmeter-platform/tokenmeter/internal/config"
	"github.com/tokenmeter-platform/tokenmeter/internal/database"
	"github.com/tokenmeter-platform/tokenmeter/internal/estimator"
	"github.com/tokenmeter-platform/tokenmeter/internal/metering"
	"github.com/tokenmeter-platform/tokenmeter/internal/middleware"
	inats "github.com/tokenmeter-platform/tokenmeter/internal/nats"
	"github.com/tokenmeter-platform/tokenmeter/internal/quota"
	iredis "github.com/tokenmeter-platform/tokenmeter/internal/redis"
	"github.com/tokenmeter-platform/tokenmeter/internal/server"
	"github.com/tokenmeter-platform/tokenmeter/internal/users"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// PostgreSQL
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := database.RunMigrations(cfg.DB.DSN(), "migrations"); err != nil {
		slog.Error("running migrations", "error", err)
		os.Exit(1)
	}

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// NATS (optional)
	var natsClient *inats.Client
	var publisher *inats.Publisher
	if cfg.NATS.Enabled {
		natsClient, err = inats.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Error("connecting to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()
		publisher = inats.NewPublisher(natsClient.JetStream())

		consumerMgr := inats.NewConsumerManager(natsClient.JetStream())
		stop, err := consumerMgr.StartThresholdConsumer(ctx)
		if err != nil {
			slog.Error("starting threshold consumer", "error", err)
			os.Exit(1)
		}
		defer stop()
	}

	// Auth
	jwtManager := auth.NewJWTManager(cfg.JWT.AccessSecret, cfg.JWT.AccessExpiry)

	// Quota ledger
	quotaRepo := quota.NewRepository(pool)
	quotaSvc := quota.NewService(quotaRepo, cfg.Metering)
	userRepo := users.NewRepository(pool)

	// Classification and estimation
	clf := classifier.New()
	est := estimator.New(nil)

	// Interception pipeline
	pipeline := metering.NewPipeline(clf, est, quotaSvc, publisher, cfg.Metering.ReservationTokens)

	quotaHandler := quota.NewHandler(quotaSvc, est, userRepo, publisher)

	// Background sweeper
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	sweeper := quota.NewSweeper(quotaSvc, cfg.Metering.SweepInterval)
	go sweeper.Run(sweepCtx)

	// Admin burst protection
	adminLimiter := middleware.NewRateLimiter(redisClient, "admin",
		cfg.Metering.AdminRateLimit, cfg.Metering.AdminRateWindowSec)

	// Router
	router := api.NewRouter(pool, natsClient, api.RouterConfig{
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
		AdminRateLimiter:   adminLimiter.Middleware,
	}, api.HandlerSet{
		GetTokenStatus:    quotaHandler.GetStatus,
		GetTokenUsage:     quotaHandler.GetUsage,
		GetTokenAnalytics: quotaHandler.GetAnalytics,
		Calculate:         quotaHandler.Calculate,

		ListUsers:      quotaHandler.ListUsers,
		UpdateLimit:    quotaHandler.UpdateLimit,
		ToggleQuota:    quotaHandler.Toggle,
		GetSystemStats: quotaHandler.GetSystemStats,
		ResetPeriod:    quotaHandler.ResetPeriod,
		ResetSweep:     quotaHandler.ResetSweep,

		AuthMiddleware:  auth.Middleware(jwtManager),
		AdminMiddleware: auth.RequireAdmin,

		Interceptor:  pipeline.Interceptor,
		AlertHeaders: pipeline.AlertHeaders,
		AIProxy:      aiProxy(cfg.Metering.UpstreamURL),
	})

	// Start server, draining in-flight usage recording on shutdown
	srv := server.New(cfg.Server, router)
	srv.OnShutdown(pipeline.Drain)
	if err := srv.Start(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// aiProxy forwards metered AI traffic to the upstream backend. Returns nil
// when no upstream is configured, which leaves the /api/ai surface unmounted.
func aiProxy(upstream string) http.Handler {
	if upstream == "" {
		return nil
	}
	target, err := url.Parse(upstream)
	if err != nil {
		slog.Error("invalid AI upstream URL", "url", upstream, "error", err)
		os.Exit(1)
	}
	slog.Info("proxying AI traffic", "upstream", target.String())
	return httputil.NewSingleHostReverseProxy(target)
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
