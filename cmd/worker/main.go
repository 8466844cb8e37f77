package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/pulsehq/notify-api/internal/config"
	"github.com/pulsehq/notify-api/internal/repository/postgres"
	"github.com/pulsehq/notify-api/internal/worker"
	"github.com/pulsehq/notify-api/pkg/logger"
	"github.com/pulsehq/notify-api/pkg/metrics"
)

// Standalone expiry cleanup. With many API processes behind a balancer only
// one cleanup needs to run; deploying it separately avoids N processes
// racing on the same DELETE.
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

	appMetrics := metrics.NewMetrics("notify", "worker")

	cleanup := worker.NewCleanup(
		postgres.NewNotificationRepository(db),
		worker.CleanupConfig{PollInterval: cfg.Cleanup.PollInterval},
		logger.With(appLogger, "cleanup"),
		appMetrics,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cleanup.Start(ctx)

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port+1)
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down worker")
	cancel()
}
