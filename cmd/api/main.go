package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/eversaid/wrapper/internal/api"
	"github.com/eversaid/wrapper/internal/config"
	"github.com/eversaid/wrapper/internal/coreapi"
	"github.com/eversaid/wrapper/internal/database"
	inats "github.com/eversaid/wrapper/internal/nats"
	"github.com/eversaid/wrapper/internal/ratelimit"
	iredis "github.com/eversaid/wrapper/internal/redis"
	"github.com/eversaid/wrapper/internal/server"
	"github.com/eversaid/wrapper/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// PostgreSQL
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := database.Migrate(cfg.DB); err != nil {
		slog.Error("migrating database", "error", err)
		os.Exit(1)
	}

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	checks := map[string]api.Check{
		"database": func(ctx context.Context) error { return database.HealthCheck(ctx, pool) },
		"redis":    func(ctx context.Context) error { return iredis.HealthCheck(ctx, redisClient) },
	}

	// NATS (optional)
	var sessionOpts []session.Option
	var publisher *inats.Publisher
	if cfg.NATS.URL != "" {
		natsClient, err := inats.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Error("connecting to nats", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()

		publisher = inats.NewPublisher(natsClient.JetStream())
		checks["nats"] = natsClient.Ping
		sessionOpts = append(sessionOpts, session.WithEvents(publisher))
	}

	// Sessions
	issueLimiter := iredis.NewIssueLimiter(redisClient, "session", cfg.AuthLimit.MaxRequests, cfg.AuthLimit.WindowSec)
	sessionOpts = append(sessionOpts, session.WithIssueGate(issueLimiter))

	core := coreapi.NewClient(cfg.CoreAPI)
	sessions := session.NewManager(
		session.NewPostgresRepository(pool, cfg.DB.QueryTimeout),
		core,
		session.NewRedisLocker(redisClient),
		cfg.Session,
		sessionOpts...,
	)

	// Rate limits
	store := ratelimit.NewPostgresStore(pool, cfg.DB.QueryTimeout)
	limits := ratelimit.LimitsFromConfig(cfg.RateLimit)
	engine, err := ratelimit.NewEngine(store, limits, ratelimit.CommitPolicy(cfg.RateLimit.CommitPolicy))
	if err != nil {
		slog.Error("building rate limiter", "error", err)
		os.Exit(1)
	}
	go ratelimit.PruneLoop(ctx, store, ratelimit.MaxWindow(limits), cfg.RateLimit.PruneInterval)

	handler := api.NewHandler(sessions, engine, core, cfg.Session)
	if publisher != nil {
		handler = handler.WithQuotaEvents(publisher)
	}

	router := api.NewRouter(api.RouterConfig{
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
		Checks:             checks,
	}, handler)

	slog.Info("wrapper configured",
		"core_api", cfg.CoreAPI.URL,
		"commit_policy", engine.Policy(),
		"events", publisher != nil,
	)

	srv := server.New(cfg.Server, router)
	if err := srv.Start(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
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
