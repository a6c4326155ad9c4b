package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kioskshop/pairing-server-go/internal/config"
	"github.com/kioskshop/pairing-server-go/internal/database"
	"github.com/kioskshop/pairing-server-go/internal/handler"
	"github.com/kioskshop/pairing-server-go/internal/idgen"
	"github.com/kioskshop/pairing-server-go/internal/jobs"
	"github.com/kioskshop/pairing-server-go/internal/middleware"
	"github.com/kioskshop/pairing-server-go/internal/pairing"
	"github.com/kioskshop/pairing-server-go/internal/poller"
	"github.com/kioskshop/pairing-server-go/internal/realtime"
	"github.com/kioskshop/pairing-server-go/internal/redis"
	"github.com/kioskshop/pairing-server-go/internal/repository"
	"github.com/kioskshop/pairing-server-go/internal/service"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("APP_ENV") == "production"
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected")
	}

	feed, err := newFeed(cfg, db, redisClient)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.RealtimeBackend).Msg("failed to start realtime feed")
	}
	defer feed.Close()
	log.Info().Str("backend", cfg.RealtimeBackend).Msg("realtime feed ready")

	sessionRepo := repository.NewDeviceSessionRepository(db.DB)
	lifecycle := service.NewLifecycleManager(sessionRepo, feed, service.LifecycleConfigFrom(cfg))

	notifier := realtime.NewNotifier(feed, lifecycle, realtime.NotifierConfig{
		RetryDelay:  cfg.NotifierRetryDelay,
		HardTimeout: cfg.NotifierHardTimeout,
	})
	orch := pairing.New(lifecycle, notifier, poller.New(lifecycle), pairing.Options{
		PollInterval:  cfg.PollInterval,
		App:           pairing.AppContext{KioskMode: cfg.KioskMode, DeviceLabel: cfg.DeviceLabel},
		CodeGenerator: idgen.ForFormat(cfg.CodeFormat),
	})

	scheduler := jobs.NewCleanupScheduler(lifecycle)
	if err := scheduler.Initialize(jobs.SchedulerConfigFrom(cfg)); err != nil {
		log.Fatal().Err(err).Msg("failed to start cleanup scheduler")
	}
	defer scheduler.Shutdown()

	var limiter service.Limiter
	if redisClient != nil {
		limiter = service.NewRateLimiter(redisClient)
	} else {
		limiter = service.NewMemoryRateLimiter()
		log.Warn().Msg("REDIS_URL not set: rate limits are per instance")
	}

	completeLimit := middleware.NewIPRateLimitMiddleware(
		limiter, cfg.CompleteRateLimit, config.CompleteRateLimitWindow, "pairing",
	)
	adminAuthMiddleware := middleware.NewAdminAuthMiddleware(cfg.AdminTokenHash)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)

	eventsHandler := handler.NewEventsHandler(orch, handler.DefaultHeartbeatInterval)
	pairingHandler := handler.NewPairingHandler(orch, lifecycle, eventsHandler, cfg.PairingURL)
	lifecycleHandler := handler.NewLifecycleHandler(scheduler)
	opsHandler := handler.NewOpsHandler(scheduler)
	healthHandler := handler.NewHealthHandler(db)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", healthHandler.ServeHTTP)

	// No request timeout here: the events stream stays open until the pairing settles.
	r.Mount("/v1/pairing", pairingHandler.Routes(completeLimit.Handler))

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

		r.Mount("/v1/lifecycle", lifecycleHandler.Routes())

		r.Route("/v1/ops", func(r chi.Router) {
			r.Use(adminAuthMiddleware.Handler)
			r.Mount("/", opsHandler.Routes())
		})
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}
	// Settling every open pairing ends the event streams so Shutdown can drain.
	server.RegisterOnShutdown(orch.Close)

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func newFeed(cfg *config.Config, db *database.DB, redisClient *redis.Client) (realtime.Feed, error) {
	switch cfg.RealtimeBackend {
	case config.BackendRedis:
		return realtime.NewRedisFeed(redisClient), nil
	case config.BackendNATS:
		feed, err := realtime.NewNATSFeed(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		return feed, nil
	case config.BackendPostgres:
		feed, err := realtime.NewPostgresFeed(db.DB, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return feed, nil
	default:
		return realtime.NewMemoryFeed(), nil
	}
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
