package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsehq/notify-api/internal/bridge"
	"github.com/pulsehq/notify-api/internal/model"
	"github.com/pulsehq/notify-api/internal/registry"
	"github.com/pulsehq/notify-api/internal/sse"
)

// fakeBroker is an in-memory bus: Publish marshals onto a channel that
// Subscribe hands out, so a bridge can hear its own publishes, just like a
// real pub/sub subscriber does.
type fakeBroker struct {
	mu         sync.Mutex
	msgs       chan []byte
	publishErr error
	published  [][]byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{msgs: make(chan []byte, 16)}
}

func (b *fakeBroker) Publish(_ context.Context, _ string, message interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	b.published = append(b.published, data)
	b.msgs <- data
	return nil
}

func (b *fakeBroker) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.msgs, nil
}

func (b *fakeBroker) Close() error { return nil }

// inject delivers a raw payload as if another process had published it.
func (b *fakeBroker) inject(t *testing.T, env *model.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	b.msgs <- data
}

func newTestBridge(t *testing.T, broker *fakeBroker) (*bridge.Bridge, *registry.Registry) {
	t.Helper()
	reg := registry.New(8, zerolog.Nop(), nil)
	return bridge.New(broker, reg, "notifications", zerolog.Nop(), nil), reg
}

func runBridge(t *testing.T, b *bridge.Bridge) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = b.Run(ctx) }()
	return cancel
}

func waitForEvent(t *testing.T, conn *registry.Connection, name string) sse.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-conn.Events():
			require.True(t, ok, "events channel closed")
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", name)
		}
	}
}

func assertNoMessage(t *testing.T, conn *registry.Connection) {
	t.Helper()
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case ev := <-conn.Events():
			if ev.Name == sse.EventMessage {
				t.Fatalf("unexpected message event: %+v", ev.Data)
			}
		case <-deadline:
			return
		}
	}
}

func userEnvelope(tenantID, userID uuid.UUID) *model.Envelope {
	return model.NewEnvelope(&model.Notification{
		ID:       uuid.New(),
		TenantID: tenantID,
		UserID:   &userID,
		Type:     model.NotificationTypeDirect,
		Title:    "hello",
		Message:  "body",
		Priority: model.PriorityNormal,
	})
}

func broadcastEnvelope(tenantID uuid.UUID) *model.Envelope {
	return model.NewEnvelope(&model.Notification{
		ID:       uuid.New(),
		TenantID: tenantID,
		Type:     model.NotificationTypeSystem,
		Title:    "maintenance",
		Message:  "tonight",
		Priority: model.PriorityHigh,
	})
}

func TestRun_DispatchesUserEnvelope(t *testing.T) {
	broker := newFakeBroker()
	b, reg := newTestBridge(t, broker)
	defer runBridge(t, b)()

	tenantID, userID := uuid.New(), uuid.New()
	conn := reg.Register(tenantID, userID)
	other := reg.Register(tenantID, uuid.New())

	broker.inject(t, userEnvelope(tenantID, userID))

	ev := waitForEvent(t, conn, sse.EventMessage)
	payload, ok := ev.Data.(*model.Notification)
	require.True(t, ok)
	assert.Equal(t, "hello", payload.Title)

	assertNoMessage(t, other)
}

func TestRun_DispatchesBroadcastEnvelope(t *testing.T) {
	broker := newFakeBroker()
	b, reg := newTestBridge(t, broker)
	defer runBridge(t, b)()

	tenantID := uuid.New()
	first := reg.Register(tenantID, uuid.New())
	second := reg.Register(tenantID, uuid.New())
	foreign := reg.Register(uuid.New(), uuid.New())

	broker.inject(t, broadcastEnvelope(tenantID))

	waitForEvent(t, first, sse.EventMessage)
	waitForEvent(t, second, sse.EventMessage)
	assertNoMessage(t, foreign)
}

func TestRun_SkipsOwnPublishes(t *testing.T) {
	broker := newFakeBroker()
	b, reg := newTestBridge(t, broker)
	defer runBridge(t, b)()

	tenantID, userID := uuid.New(), uuid.New()
	conn := reg.Register(tenantID, userID)

	// Publishing stamps the bridge's own origin; the subscriber loop hears
	// the same payload back and must not deliver it a second time.
	require.NoError(t, b.Publish(context.Background(), userEnvelope(tenantID, userID)))

	assertNoMessage(t, conn)
}

func TestRun_SkipsNewerEnvelopeVersion(t *testing.T) {
	broker := newFakeBroker()
	b, reg := newTestBridge(t, broker)
	defer runBridge(t, b)()

	tenantID, userID := uuid.New(), uuid.New()
	conn := reg.Register(tenantID, userID)

	env := userEnvelope(tenantID, userID)
	env.Version = model.EnvelopeVersion + 1
	broker.inject(t, env)

	assertNoMessage(t, conn)
}

func TestRun_SkipsMalformedPayload(t *testing.T) {
	broker := newFakeBroker()
	b, reg := newTestBridge(t, broker)
	defer runBridge(t, b)()

	tenantID, userID := uuid.New(), uuid.New()
	conn := reg.Register(tenantID, userID)

	broker.msgs <- []byte("{not json")
	broker.inject(t, userEnvelope(tenantID, userID))

	// The loop survives the bad payload and still handles the next one.
	waitForEvent(t, conn, sse.EventMessage)
}

func TestRun_SkipsEnvelopeWithoutNotification(t *testing.T) {
	broker := newFakeBroker()
	b, reg := newTestBridge(t, broker)
	defer runBridge(t, b)()

	conn := reg.Register(uuid.New(), uuid.New())

	broker.msgs <- []byte(`{"version":1,"origin":"` + uuid.NewString() + `"}`)

	assertNoMessage(t, conn)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	broker := newFakeBroker()
	b, _ := newTestBridge(t, broker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("bridge did not stop on cancel")
	}
}

func TestPublish_PropagatesBrokerError(t *testing.T) {
	broker := newFakeBroker()
	broker.publishErr = errors.New("bus down")
	b, _ := newTestBridge(t, broker)

	err := b.Publish(context.Background(), userEnvelope(uuid.New(), uuid.New()))
	assert.Error(t, err)
}
