package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pulsehq/notify-api/pkg/circuitbreaker"
	"github.com/pulsehq/notify-api/pkg/messaging"
)

// RedisBroker implements messaging.Broker over Redis pub/sub. It holds two
// independent clients: a connection in subscribe mode cannot issue further
// commands, so publishing through the subscriber connection causes protocol
// errors under load.
type RedisBroker struct {
	publisher  *redis.Client
	subscriber *redis.Client
	cb         *circuitbreaker.CircuitBreaker
	logger     *zerolog.Logger
}

type Config struct {
	URL          string
	MaxRetries   int
	RetryBackoff time.Duration
	PoolSize     int
	MinIdleConns int
}

func NewRedisBroker(config Config, logger *zerolog.Logger) (messaging.Broker, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.MaxRetries = config.MaxRetries
	opts.MinRetryBackoff = config.RetryBackoff
	opts.PoolSize = config.PoolSize
	opts.MinIdleConns = config.MinIdleConns

	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:        "redis-broker",
		MaxRequests: 100,
		Interval:    10 * time.Second,
		Timeout:     5 * time.Second,
	})

	publisher := redis.NewClient(opts)
	if err := publisher.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	subOpts := *opts
	subscriber := redis.NewClient(&subOpts)
	if err := subscriber.Ping(context.Background()).Err(); err != nil {
		publisher.Close()
		return nil, fmt.Errorf("failed to connect subscriber to Redis: %w", err)
	}

	return &RedisBroker{
		publisher:  publisher,
		subscriber: subscriber,
		cb:         cb,
		logger:     logger,
	}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, message interface{}) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return b.cb.Execute(func() error {
		return b.publisher.Publish(ctx, channel, payload).Err()
	})
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := b.subscriber.Subscribe(ctx, channel)

	// Force the subscription before returning so the caller never publishes
	// into a channel nobody listens on yet.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	msgChan := make(chan []byte, 100)

	go func() {
		defer func() {
			pubsub.Close()
			close(msgChan)
		}()

		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Warn().Err(err).Str("channel", channel).Msg("subscriber receive failed, retrying")
				continue
			}
			select {
			case msgChan <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()

	return msgChan, nil
}

func (b *RedisBroker) Close() error {
	if err := b.subscriber.Close(); err != nil {
		b.publisher.Close()
		return err
	}
	return b.publisher.Close()
}
