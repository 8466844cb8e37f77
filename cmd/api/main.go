package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/pulsehq/notify-api/internal/bridge"
	"github.com/pulsehq/notify-api/internal/config"
	healthHandler "github.com/pulsehq/notify-api/internal/handler/health"
	notificationHandler "github.com/pulsehq/notify-api/internal/handler/notification"
	"github.com/pulsehq/notify-api/internal/middleware"
	"github.com/pulsehq/notify-api/internal/registry"
	"github.com/pulsehq/notify-api/internal/repository/postgres"
	"github.com/pulsehq/notify-api/internal/router"
	notificationService "github.com/pulsehq/notify-api/internal/service/notification"
	"github.com/pulsehq/notify-api/internal/worker"
	"github.com/pulsehq/notify-api/pkg/auth"
	"github.com/pulsehq/notify-api/pkg/logger"
	"github.com/pulsehq/notify-api/pkg/messaging/redis"
	"github.com/pulsehq/notify-api/pkg/metrics"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.New(nil)

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	brokerLogger := logger.With(appLogger, "broker")
	broker, err := redis.NewRedisBroker(redis.Config{
		URL:          cfg.Redis.URL,
		MaxRetries:   cfg.Redis.MaxRetries,
		RetryBackoff: cfg.Redis.RetryBackoff,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, &brokerLogger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer broker.Close()

	appMetrics := metrics.NewMetrics("notify", "api")

	reg := registry.New(cfg.Notifier.StreamBuffer, logger.With(appLogger, "registry"), appMetrics)
	busBridge := bridge.New(broker, reg, cfg.Notifier.Channel, logger.With(appLogger, "bridge"), appMetrics)

	notificationRepo := postgres.NewNotificationRepository(db)
	notificationSvc := notificationService.NewService(
		notificationRepo,
		busBridge,
		reg,
		cfg.Notifier.DefaultExpiry,
		logger.With(appLogger, "notification"),
		appMetrics,
	)

	authMiddleware := middleware.NewAuthMiddleware(auth.NewValidator(cfg.JWT.Secret))

	notificationH := notificationHandler.NewHandler(notificationSvc, reg, logger.With(appLogger, "handler"))
	healthH := healthHandler.NewHandler(db)

	r := router.NewRouter(authMiddleware, notificationH, healthH, router.RouterConfig{
		RateLimit:  rate.Limit(cfg.Server.RateLimit),
		RateBurst:  cfg.Server.RateBurst,
		CORSConfig: middleware.DefaultCORSConfig(),
	})
	if err := r.Setup(); err != nil {
		appLogger.Fatal().Err(err).Msg("failed to set up router")
	}

	srv := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        r.Engine(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscriber loop: each process receives every envelope once and pushes
	// to whatever connections it holds locally.
	go func() {
		if err := busBridge.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("bus bridge stopped, cross-process delivery degraded")
		}
	}()

	sweeper := worker.NewSweeper(reg, worker.SweeperConfig{
		HeartbeatInterval: cfg.Notifier.HeartbeatInterval,
		ConnectionTimeout: cfg.Notifier.ConnectionTimeout,
	}, logger.With(appLogger, "sweeper"))
	go sweeper.Start(ctx)

	cleanup := worker.NewCleanup(notificationRepo, worker.CleanupConfig{
		PollInterval: cfg.Cleanup.PollInterval,
	}, logger.With(appLogger, "cleanup"), appMetrics)
	go cleanup.Start(ctx)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Server.Port).Msg("server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server...")

	cancel()
	reg.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited properly")
}
