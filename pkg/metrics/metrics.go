package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Registry metrics
	ActiveConnections prometheus.Gauge
	EventsDelivered   *prometheus.CounterVec
	EventsDropped     prometheus.Counter
	ConnectionsSwept  prometheus.Counter

	// Bus metrics
	EnvelopesPublished prometheus.Counter
	PublishFailures    prometheus.Counter
	EnvelopesReceived  prometheus.Counter
	PublishLatency     prometheus.Histogram

	// Store metrics
	NotificationsCreated *prometheus.CounterVec
	ExpiredDeleted       prometheus.Counter
}

// NewMetrics creates and registers all application metrics
func NewMetrics(namespace, subsystem string) *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_connections",
			Help:      "Current number of registered push stream connections",
		}),
		EventsDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_delivered_total",
			Help:      "Total number of events written to live connections",
		}, []string{"event"}),
		EventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped because a connection was dead or backed up",
		}),
		ConnectionsSwept: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_swept_total",
			Help:      "Total number of connections evicted by the liveness sweep",
		}),
		EnvelopesPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "envelopes_published_total",
			Help:      "Total number of envelopes published to the message bus",
		}),
		PublishFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "publish_failures_total",
			Help:      "Total number of failed bus publishes (delivery degraded to store-only)",
		}),
		EnvelopesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "envelopes_received_total",
			Help:      "Total number of envelopes received from the message bus",
		}),
		PublishLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "publish_duration_seconds",
			Help:      "Time spent publishing envelopes to the bus",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		NotificationsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notifications_created_total",
			Help:      "Total number of notifications persisted, by type",
		}, []string{"type"}),
		ExpiredDeleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "expired_deleted_total",
			Help:      "Total number of expired notifications removed by cleanup",
		}),
	}
}
