package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Command endpoint metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bigset_commands_total",
			Help: "Total number of client commands by command and status",
		},
		[]string{"command", "status"},
	)

	// Replication metrics
	ReplicationSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bigset_replication_sent_total",
			Help: "Total number of operations delivered to peers",
		},
	)

	ReplicationApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bigset_replication_applied_total",
			Help: "Total number of remote operations applied",
		},
	)

	ReplicationBuffered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bigset_replication_buffered_total",
			Help: "Total number of remote operations buffered on a causal gap",
		},
	)

	ReplicationDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bigset_replication_dropped_total",
			Help: "Total number of remote operations dropped (decode failure or full buffer)",
		},
	)

	ReplicationAbandoned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bigset_replication_abandoned_total",
			Help: "Total number of operations abandoned after max retries",
		},
	)

	ReplicationUnacked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bigset_replication_unacked",
			Help: "Operations awaiting redelivery to peers",
		},
	)

	PendingBufferSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bigset_pending_buffer_size",
			Help: "Operations held in the receiver-side pending buffer",
		},
	)
)

func init() {
	prometheus.MustRegister(
		CommandsTotal,
		ReplicationSent,
		ReplicationApplied,
		ReplicationBuffered,
		ReplicationDropped,
		ReplicationAbandoned,
		ReplicationUnacked,
		PendingBufferSize,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
