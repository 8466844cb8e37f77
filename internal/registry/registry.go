// Package registry tracks live push stream connections and delivers events
// to exact subsets of them with no cross-tenant leakage.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pulsehq/notify-api/internal/model"
	"github.com/pulsehq/notify-api/internal/sse"
	"github.com/pulsehq/notify-api/pkg/metrics"
)

// Connection is one live delivery target. The registry is the sole owner of
// its lifecycle: events are enqueued through the registry and drained by
// exactly one transport goroutine reading Events(). Enqueueing never blocks;
// a full buffer is treated as connection death and the sweep reaps the entry.
type Connection struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	UserID    uuid.UUID
	CreatedAt time.Time

	send     chan sse.Event
	lastSeen atomic.Int64
	dead     atomic.Bool
	closed   sync.Once
}

// Events returns the connection's outbound event stream. Events arrive in
// the order they were enqueued (FIFO per connection). The channel is closed
// when the registry removes the connection.
func (c *Connection) Events() <-chan sse.Event {
	return c.send
}

// Touch extends the connection's liveness. The transport layer calls it
// after each successful flush to the wire; nothing else resets the clock.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Connection) lastSeenAt() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// enqueue attempts a non-blocking write. A full or dead connection drops
// the event and is marked for eviction on the next sweep.
func (c *Connection) enqueue(ev sse.Event) bool {
	if c.dead.Load() {
		return false
	}
	select {
	case c.send <- ev:
		return true
	default:
		c.dead.Store(true)
		return false
	}
}

// close is only called while the registry holds its write lock, so it can
// never race an enqueue.
func (c *Connection) close() {
	c.closed.Do(func() {
		c.dead.Store(true)
		close(c.send)
	})
}

type userConns map[uuid.UUID]*Connection

// Registry is the in-process index of live connections, tenant → user →
// connections. All mutation goes through its methods; sends run under the
// read lock, structural changes under the write lock.
type Registry struct {
	mu      sync.RWMutex
	tenants map[uuid.UUID]map[uuid.UUID]userConns

	bufSize int
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func New(bufSize int, logger zerolog.Logger, m *metrics.Metrics) *Registry {
	if bufSize <= 0 {
		bufSize = 16
	}
	return &Registry{
		tenants: make(map[uuid.UUID]map[uuid.UUID]userConns),
		bufSize: bufSize,
		logger:  logger,
		metrics: m,
	}
}

// Register adds a connection for the given identity and returns it. The
// "connected" acknowledgement is enqueued before the entry becomes visible,
// so it is always the first event the transport writes.
func (r *Registry) Register(tenantID, userID uuid.UUID) *Connection {
	conn := &Connection{
		ID:        uuid.New(),
		TenantID:  tenantID,
		UserID:    userID,
		CreatedAt: time.Now(),
		send:      make(chan sse.Event, r.bufSize),
	}
	conn.Touch()
	conn.enqueue(sse.Connected())

	r.mu.Lock()
	users, ok := r.tenants[tenantID]
	if !ok {
		users = make(map[uuid.UUID]userConns)
		r.tenants[tenantID] = users
	}
	conns, ok := users[userID]
	if !ok {
		conns = make(userConns)
		users[userID] = conns
	}
	conns[conn.ID] = conn
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveConnections.Inc()
	}
	r.logger.Debug().
		Str("tenant_id", tenantID.String()).
		Str("user_id", userID.String()).
		Str("connection_id", conn.ID.String()).
		Msg("connection registered")
	return conn
}

// Remove deletes exactly one connection and prunes empty user and tenant
// buckets. Removing an unknown or already-removed connection is a no-op.
func (r *Registry) Remove(tenantID, userID, connID uuid.UUID) {
	r.mu.Lock()
	conn, ok := r.lookup(tenantID, userID, connID)
	if ok {
		conn.close()
		r.deleteLocked(tenantID, userID, connID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if r.metrics != nil {
		r.metrics.ActiveConnections.Dec()
	}
	r.logger.Debug().
		Str("tenant_id", tenantID.String()).
		Str("user_id", userID.String()).
		Str("connection_id", connID.String()).
		Msg("connection removed")
}

func (r *Registry) lookup(tenantID, userID, connID uuid.UUID) (*Connection, bool) {
	users, ok := r.tenants[tenantID]
	if !ok {
		return nil, false
	}
	conns, ok := users[userID]
	if !ok {
		return nil, false
	}
	conn, ok := conns[connID]
	return conn, ok
}

func (r *Registry) deleteLocked(tenantID, userID, connID uuid.UUID) {
	users := r.tenants[tenantID]
	conns := users[userID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(users, userID)
	}
	if len(users) == 0 {
		delete(r.tenants, tenantID)
	}
}

// SendToUser writes the event to every live connection of the user and
// returns how many enqueues succeeded. No connections means 0, not an error.
func (r *Registry) SendToUser(tenantID, userID uuid.UUID, ev sse.Event) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users, ok := r.tenants[tenantID]
	if !ok {
		return 0
	}
	return r.sendAllLocked(users[userID], ev)
}

// SendToUsers is a batch of SendToUser with an aggregated count.
func (r *Registry) SendToUsers(tenantID uuid.UUID, userIDs []uuid.UUID, ev sse.Event) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users, ok := r.tenants[tenantID]
	if !ok {
		return 0
	}
	count := 0
	for _, userID := range userIDs {
		count += r.sendAllLocked(users[userID], ev)
	}
	return count
}

// BroadcastToTenant writes the event to every connection of every user
// under the tenant. Connections of other tenants are never touched.
func (r *Registry) BroadcastToTenant(tenantID uuid.UUID, ev sse.Event) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users, ok := r.tenants[tenantID]
	if !ok {
		return 0
	}
	count := 0
	for _, conns := range users {
		count += r.sendAllLocked(conns, ev)
	}
	return count
}

func (r *Registry) sendAllLocked(conns userConns, ev sse.Event) int {
	count := 0
	for _, conn := range conns {
		if conn.enqueue(ev) {
			count++
			if r.metrics != nil {
				r.metrics.EventsDelivered.WithLabelValues(ev.Name).Inc()
			}
		} else {
			if r.metrics != nil {
				r.metrics.EventsDropped.Inc()
			}
			r.logger.Warn().
				Str("tenant_id", conn.TenantID.String()).
				Str("user_id", conn.UserID.String()).
				Str("connection_id", conn.ID.String()).
				Str("event", ev.Name).
				Msg("dropped event on dead or backed up connection")
		}
	}
	return count
}

// Sweep evicts every connection that is dead or has gone longer than
// timeout without a transport Touch, and enqueues a heartbeat on the
// survivors. Heartbeat sends do not extend liveness themselves; only the
// transport's confirmation of a completed write does, so a stream whose
// client stopped reading times out even while the server keeps emitting.
// Returns the number of evicted connections.
func (r *Registry) Sweep(now time.Time, timeout time.Duration) int {
	heartbeat := sse.Heartbeat(now)

	r.mu.Lock()
	var evicted []*Connection
	for tenantID, users := range r.tenants {
		for userID, conns := range users {
			for connID, conn := range conns {
				if conn.dead.Load() || now.Sub(conn.lastSeenAt()) > timeout {
					conn.close()
					r.deleteLocked(tenantID, userID, connID)
					evicted = append(evicted, conn)
					continue
				}
				conn.enqueue(heartbeat)
			}
		}
	}
	r.mu.Unlock()

	for _, conn := range evicted {
		if r.metrics != nil {
			r.metrics.ActiveConnections.Dec()
			r.metrics.ConnectionsSwept.Inc()
		}
		r.logger.Info().
			Str("tenant_id", conn.TenantID.String()).
			Str("user_id", conn.UserID.String()).
			Str("connection_id", conn.ID.String()).
			Time("last_seen", conn.lastSeenAt()).
			Msg("swept stale connection")
	}
	return len(evicted)
}

// Stats reports the connections this process holds. Every process keeps its
// own registry, so these numbers are local, never cluster-wide.
func (r *Registry) Stats() *model.RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &model.RegistryStats{
		TenantCount: len(r.tenants),
		PerTenant:   make([]model.TenantStats, 0, len(r.tenants)),
	}
	for tenantID, users := range r.tenants {
		ts := model.TenantStats{TenantID: tenantID, UserCount: len(users)}
		for _, conns := range users {
			ts.ConnectionCount += len(conns)
		}
		stats.TotalConnections += ts.ConnectionCount
		stats.PerTenant = append(stats.PerTenant, ts)
	}
	return stats
}

// Close tears down every connection, for graceful shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tenantID, users := range r.tenants {
		for _, conns := range users {
			for _, conn := range conns {
				conn.close()
			}
		}
		delete(r.tenants, tenantID)
	}
}
