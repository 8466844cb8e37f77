package messaging

import (
	"context"
)

// Broker defines the interface for message brokers. Delivery is best-effort,
// at-most-once per subscribing process, with no cross-process ordering
// guarantee.
type Broker interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}
