package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsehq/notify-api/internal/repository"
	"github.com/pulsehq/notify-api/pkg/metrics"
)

type CleanupConfig struct {
	PollInterval time.Duration
}

// Cleanup deletes expired notifications from the store. Expiry is deletion,
// never mutation: an expired row simply stops existing.
type Cleanup struct {
	repo    repository.NotificationRepository
	config  CleanupConfig
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewCleanup(repo repository.NotificationRepository, config CleanupConfig, logger zerolog.Logger, m *metrics.Metrics) *Cleanup {
	if config.PollInterval <= 0 {
		panic("PollInterval must be greater than 0")
	}
	return &Cleanup{
		repo:    repo,
		config:  config,
		logger:  logger,
		metrics: m,
	}
}

func (c *Cleanup) Start(ctx context.Context) {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	c.logger.Info().Dur("poll_interval", c.config.PollInterval).Msg("starting expiry cleanup")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("shutting down expiry cleanup")
			return
		case <-ticker.C:
			if err := c.runOnce(ctx); err != nil {
				c.logger.Error().Err(err).Msg("expiry cleanup pass failed")
			}
		}
	}
}

func (c *Cleanup) runOnce(ctx context.Context) error {
	deleted, err := c.repo.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if deleted > 0 {
		if c.metrics != nil {
			c.metrics.ExpiredDeleted.Add(float64(deleted))
		}
		c.logger.Info().Int64("deleted", deleted).Msg("removed expired notifications")
	}
	return nil
}
