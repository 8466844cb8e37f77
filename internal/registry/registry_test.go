package registry

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsehq/notify-api/internal/sse"
)

func newTestRegistry(bufSize int) *Registry {
	return New(bufSize, zerolog.Nop(), nil)
}

func drain(t *testing.T, conn *Connection) sse.Event {
	t.Helper()
	select {
	case ev, ok := <-conn.Events():
		require.True(t, ok, "events channel closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("expected an event")
		return sse.Event{}
	}
}

func TestRegister_ConnectedIsFirstEvent(t *testing.T) {
	r := newTestRegistry(8)
	tenantID, userID := uuid.New(), uuid.New()

	conn := r.Register(tenantID, userID)
	require.NotNil(t, conn)

	count := r.SendToUser(tenantID, userID, sse.Message("hello"))
	assert.Equal(t, 1, count)

	first := drain(t, conn)
	assert.Equal(t, sse.EventConnected, first.Name)

	second := drain(t, conn)
	assert.Equal(t, sse.EventMessage, second.Name)
}

func TestSendToUser_NoConnections(t *testing.T) {
	r := newTestRegistry(8)
	count := r.SendToUser(uuid.New(), uuid.New(), sse.Message("x"))
	assert.Equal(t, 0, count)
}

func TestSendToUser_MultiDevice(t *testing.T) {
	r := newTestRegistry(8)
	tenantID, userID := uuid.New(), uuid.New()

	first := r.Register(tenantID, userID)
	second := r.Register(tenantID, userID)

	count := r.SendToUser(tenantID, userID, sse.Message("x"))
	assert.Equal(t, 2, count)

	for _, conn := range []*Connection{first, second} {
		assert.Equal(t, sse.EventConnected, drain(t, conn).Name)
		assert.Equal(t, sse.EventMessage, drain(t, conn).Name)
	}
}

func TestSendToUser_FIFOPerConnection(t *testing.T) {
	r := newTestRegistry(8)
	tenantID, userID := uuid.New(), uuid.New()
	conn := r.Register(tenantID, userID)

	r.SendToUser(tenantID, userID, sse.Message("first"))
	r.SendToUser(tenantID, userID, sse.Message("second"))

	assert.Equal(t, sse.EventConnected, drain(t, conn).Name)
	assert.Equal(t, "first", drain(t, conn).Data)
	assert.Equal(t, "second", drain(t, conn).Data)
}

func TestBroadcastToTenant_Isolation(t *testing.T) {
	r := newTestRegistry(8)
	tenantA, tenantB := uuid.New(), uuid.New()

	a1 := r.Register(tenantA, uuid.New())
	a2 := r.Register(tenantA, uuid.New())
	b1 := r.Register(tenantB, uuid.New())

	count := r.BroadcastToTenant(tenantA, sse.Message("for A"))
	assert.Equal(t, 2, count)

	for _, conn := range []*Connection{a1, a2} {
		assert.Equal(t, sse.EventConnected, drain(t, conn).Name)
		assert.Equal(t, "for A", drain(t, conn).Data)
	}

	assert.Equal(t, sse.EventConnected, drain(t, b1).Name)
	select {
	case ev := <-b1.Events():
		t.Fatalf("tenant B connection received %q", ev.Name)
	default:
	}
}

func TestSendToUsers_AggregatesCount(t *testing.T) {
	r := newTestRegistry(8)
	tenantID := uuid.New()
	u1, u2, u3 := uuid.New(), uuid.New(), uuid.New()

	r.Register(tenantID, u1)
	r.Register(tenantID, u2)
	r.Register(tenantID, u2)

	count := r.SendToUsers(tenantID, []uuid.UUID{u1, u2, u3}, sse.Message("x"))
	assert.Equal(t, 3, count)
}

func TestRemove_Idempotent(t *testing.T) {
	r := newTestRegistry(8)
	tenantID, userID := uuid.New(), uuid.New()
	conn := r.Register(tenantID, userID)

	r.Remove(tenantID, userID, conn.ID)
	r.Remove(tenantID, userID, conn.ID) // no-op

	assert.Equal(t, 0, r.SendToUser(tenantID, userID, sse.Message("x")))
	assert.Equal(t, 0, r.Stats().TotalConnections)

	// Channel is closed: connected ack drains, then the channel reports closed.
	assert.Equal(t, sse.EventConnected, drain(t, conn).Name)
	_, open := <-conn.Events()
	assert.False(t, open)
}

func TestRemove_PrunesEmptyBuckets(t *testing.T) {
	r := newTestRegistry(8)
	tenantID, userID := uuid.New(), uuid.New()
	conn := r.Register(tenantID, userID)

	r.Remove(tenantID, userID, conn.ID)

	stats := r.Stats()
	assert.Equal(t, 0, stats.TenantCount)
	assert.Empty(t, stats.PerTenant)
}

func TestSweep_EvictsStaleConnection(t *testing.T) {
	r := newTestRegistry(8)
	tenantID, userID := uuid.New(), uuid.New()
	conn := r.Register(tenantID, userID)

	timeout := time.Minute
	evicted := r.Sweep(time.Now().Add(2*timeout), timeout)
	assert.Equal(t, 1, evicted)

	// Evicted connection no longer receives broadcasts.
	assert.Equal(t, 0, r.BroadcastToTenant(tenantID, sse.Message("x")))

	assert.Equal(t, sse.EventConnected, drain(t, conn).Name)
	_, open := <-conn.Events()
	assert.False(t, open)
}

func TestSweep_HeartbeatsSurvivors(t *testing.T) {
	r := newTestRegistry(8)
	tenantID, userID := uuid.New(), uuid.New()
	conn := r.Register(tenantID, userID)

	evicted := r.Sweep(time.Now(), time.Minute)
	assert.Equal(t, 0, evicted)

	assert.Equal(t, sse.EventConnected, drain(t, conn).Name)
	assert.Equal(t, sse.EventHeartbeat, drain(t, conn).Name)
}

func TestSweep_HeartbeatDoesNotExtendLiveness(t *testing.T) {
	r := newTestRegistry(8)
	tenantID, userID := uuid.New(), uuid.New()
	r.Register(tenantID, userID)

	timeout := time.Minute
	start := time.Now()

	// First sweep inside the window emits a heartbeat but must not reset
	// the liveness clock: without a transport Touch the second sweep
	// evicts the connection.
	assert.Equal(t, 0, r.Sweep(start.Add(timeout/2), timeout))
	assert.Equal(t, 1, r.Sweep(start.Add(2*timeout), timeout))
}

func TestTouch_ExtendsLiveness(t *testing.T) {
	r := newTestRegistry(8)
	tenantID, userID := uuid.New(), uuid.New()
	conn := r.Register(tenantID, userID)

	timeout := time.Minute
	conn.lastSeen.Store(time.Now().Add(-2 * timeout).UnixNano())
	conn.Touch()

	assert.Equal(t, 0, r.Sweep(time.Now(), timeout))
	assert.Equal(t, 1, r.Stats().TotalConnections)
}

func TestSlowConsumer_MarkedDeadAndSwept(t *testing.T) {
	r := newTestRegistry(2)
	tenantID := uuid.New()
	slow, fast := uuid.New(), uuid.New()

	r.Register(tenantID, slow) // never drained; connected ack occupies one slot
	fastConn := r.Register(tenantID, fast)

	// Fill the slow connection's buffer, then overflow it.
	assert.Equal(t, 2, r.BroadcastToTenant(tenantID, sse.Message("one")))
	count := r.BroadcastToTenant(tenantID, sse.Message("two"))
	assert.Equal(t, 1, count, "overflowing connection must not count as delivered")

	// The fast consumer is unaffected.
	assert.Equal(t, sse.EventConnected, drain(t, fastConn).Name)
	assert.Equal(t, "one", drain(t, fastConn).Data)
	assert.Equal(t, "two", drain(t, fastConn).Data)

	// The dead connection is reaped on the next sweep, not inline.
	assert.Equal(t, 2, r.Stats().TotalConnections)
	assert.Equal(t, 1, r.Sweep(time.Now(), time.Minute))
	assert.Equal(t, 1, r.Stats().TotalConnections)
}

func TestStats_PerTenant(t *testing.T) {
	r := newTestRegistry(8)
	tenantA, tenantB := uuid.New(), uuid.New()
	userA := uuid.New()

	r.Register(tenantA, userA)
	r.Register(tenantA, userA)
	r.Register(tenantB, uuid.New())

	stats := r.Stats()
	assert.Equal(t, 3, stats.TotalConnections)
	assert.Equal(t, 2, stats.TenantCount)

	byTenant := make(map[uuid.UUID]int)
	users := make(map[uuid.UUID]int)
	for _, ts := range stats.PerTenant {
		byTenant[ts.TenantID] = ts.ConnectionCount
		users[ts.TenantID] = ts.UserCount
	}
	assert.Equal(t, 2, byTenant[tenantA])
	assert.Equal(t, 1, users[tenantA])
	assert.Equal(t, 1, byTenant[tenantB])
}

func TestConcurrentRegisterSendRemove(t *testing.T) {
	r := newTestRegistry(64)
	tenantID := uuid.New()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			userID := uuid.New()
			conn := r.Register(tenantID, userID)
			r.SendToUser(tenantID, userID, sse.Message(i))
			r.Remove(tenantID, userID, conn.ID)
		}
	}()

	for i := 0; i < 100; i++ {
		r.BroadcastToTenant(tenantID, sse.Message("concurrent"))
		r.Sweep(time.Now(), time.Minute)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent churn did not finish")
	}
}
