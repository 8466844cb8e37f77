package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsehq/notify-api/internal/registry"
)

type SweeperConfig struct {
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
}

// Sweeper periodically runs the registry's liveness sweep: stale or dead
// connections are evicted and survivors get a heartbeat frame.
type Sweeper struct {
	registry *registry.Registry
	config   SweeperConfig
	logger   zerolog.Logger
}

func NewSweeper(reg *registry.Registry, config SweeperConfig, logger zerolog.Logger) *Sweeper {
	if config.HeartbeatInterval <= 0 {
		panic("HeartbeatInterval must be greater than 0")
	}
	if config.ConnectionTimeout <= 0 {
		panic("ConnectionTimeout must be greater than 0")
	}
	return &Sweeper{
		registry: reg,
		config:   config,
		logger:   logger,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("heartbeat_interval", s.config.HeartbeatInterval).
		Dur("connection_timeout", s.config.ConnectionTimeout).
		Msg("starting connection sweeper")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("shutting down connection sweeper")
			return
		case now := <-ticker.C:
			if evicted := s.registry.Sweep(now, s.config.ConnectionTimeout); evicted > 0 {
				s.logger.Info().Int("evicted", evicted).Msg("sweep evicted stale connections")
			}
		}
	}
}
