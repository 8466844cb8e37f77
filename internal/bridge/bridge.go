// Package bridge fans notification envelopes out across independent server
// processes through a shared publish/subscribe bus. Every process runs one
// subscriber loop; whichever process holds a target's live connection is the
// one whose local registry performs the actual push.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pulsehq/notify-api/internal/model"
	"github.com/pulsehq/notify-api/internal/registry"
	"github.com/pulsehq/notify-api/internal/sse"
	"github.com/pulsehq/notify-api/pkg/messaging"
	"github.com/pulsehq/notify-api/pkg/metrics"
)

type Bridge struct {
	broker   messaging.Broker
	registry *registry.Registry
	channel  string
	origin   uuid.UUID
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

func New(broker messaging.Broker, reg *registry.Registry, channel string, logger zerolog.Logger, m *metrics.Metrics) *Bridge {
	return &Bridge{
		broker:   broker,
		registry: reg,
		channel:  channel,
		origin:   uuid.New(),
		logger:   logger,
		metrics:  m,
	}
}

// Publish sends the envelope on the well-known channel. An error here only
// degrades cross-process real-time delivery; the notification is already
// durable, so callers log and continue.
func (b *Bridge) Publish(ctx context.Context, env *model.Envelope) error {
	env.Origin = b.origin
	start := time.Now()
	err := b.broker.Publish(ctx, b.channel, env)
	if b.metrics != nil {
		b.metrics.PublishLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			b.metrics.PublishFailures.Inc()
		} else {
			b.metrics.EnvelopesPublished.Inc()
		}
	}
	if err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	return nil
}

// Run subscribes to the bus and dispatches every received envelope to the
// local registry until the context is cancelled. Each process receives each
// envelope at most once; decode failures are logged and skipped, never fatal
// to the loop.
func (b *Bridge) Run(ctx context.Context) error {
	msgs, err := b.broker.Subscribe(ctx, b.channel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	b.logger.Info().Str("channel", b.channel).Msg("bus bridge subscribed")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-msgs:
			if !ok {
				return fmt.Errorf("bus subscription closed")
			}
			b.handle(payload)
		}
	}
}

func (b *Bridge) handle(payload []byte) {
	if b.metrics != nil {
		b.metrics.EnvelopesReceived.Inc()
	}

	var env model.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.logger.Error().Err(err).Msg("failed to decode envelope, skipping")
		return
	}
	if env.Origin == b.origin {
		// Already pushed locally by the coordinator.
		return
	}
	if env.Notification == nil {
		b.logger.Warn().Int("version", env.Version).Msg("envelope without notification, skipping")
		return
	}
	if env.Version > model.EnvelopeVersion {
		b.logger.Warn().
			Int("version", env.Version).
			Int("supported", model.EnvelopeVersion).
			Msg("envelope from newer code version, skipping")
		return
	}

	n := env.Notification
	ev := sse.Message(n)

	var delivered int
	if n.IsBroadcast() {
		delivered = b.registry.BroadcastToTenant(n.TenantID, ev)
	} else {
		delivered = b.registry.SendToUser(n.TenantID, *n.UserID, ev)
	}

	b.logger.Debug().
		Str("notification_id", n.ID.String()).
		Str("tenant_id", n.TenantID.String()).
		Bool("broadcast", n.IsBroadcast()).
		Int("delivered", delivered).
		Msg("envelope dispatched to local registry")
}
