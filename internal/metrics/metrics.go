// Package metrics provides Prometheus metrics collection for the feed daemon.
// It covers the realtime connection manager (reconnects, heartbeats, dispatch)
// and the local feed mirror, exposed via the Prometheus metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the feed daemon.
type Metrics struct {
	// Connection lifecycle metrics
	Reconnects      prometheus.Counter // Reconnect attempts scheduled across all feeds
	ConnectFailures prometheus.Counter // Failed transport dials
	ConnsAbandoned  prometheus.Counter // Connections that exhausted their reconnect attempts
	OpenConnections prometheus.Gauge   // Feeds currently in the open state

	// Message flow metrics
	MessagesReceived *prometheus.CounterVec // Decoded envelopes, labelled by message type
	ParseErrors      prometheus.Counter     // Frames dropped because they failed to decode
	HeartbeatsSent   prometheus.Counter     // Ping envelopes written
	SendsDropped     prometheus.Counter     // Send calls refused because the feed was not open

	// Feed mirror metrics
	RecordsStored  prometheus.Counter // Records written to the local mirror
	SnapshotLoads  prometheus.Counter // REST snapshot fetches performed
	SnapshotErrors prometheus.Counter // REST snapshot fetches that failed
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
// This allows for isolated metric collection in tests without affecting
// the global Prometheus registry.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "feed_reconnects_total",
			Help: "Total number of reconnect attempts scheduled",
		}),
		ConnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "feed_connect_failures_total",
			Help: "Total number of failed transport dials",
		}),
		ConnsAbandoned: factory.NewCounter(prometheus.CounterOpts{
			Name: "feed_conns_abandoned_total",
			Help: "Total number of connections abandoned after exhausting reconnect attempts",
		}),
		OpenConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "feed_open_connections",
			Help: "Number of feed connections currently open",
		}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_messages_received_total",
			Help: "Total number of decoded feed messages by type",
		}, []string{"type"}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "feed_parse_errors_total",
			Help: "Total number of frames dropped due to decode failures",
		}),
		HeartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "feed_heartbeats_sent_total",
			Help: "Total number of heartbeat pings sent",
		}),
		SendsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "feed_sends_dropped_total",
			Help: "Total number of sends refused because the feed was not open",
		}),
		RecordsStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "feed_records_stored_total",
			Help: "Total number of records written to the local mirror",
		}),
		SnapshotLoads: factory.NewCounter(prometheus.CounterOpts{
			Name: "feed_snapshot_loads_total",
			Help: "Total number of REST snapshot fetches performed",
		}),
		SnapshotErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "feed_snapshot_errors_total",
			Help: "Total number of REST snapshot fetches that failed",
		}),
	}
}
