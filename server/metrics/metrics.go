// Package metrics holds the Prometheus collectors exported by the server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registry served on /metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		UpdatesAccepted, BatchesTotal, BatchDuration, AppendConflicts,
		Connections, MessagesTotal, SelectionsRelayed, BroadcastDrops,
	)
}

// UpdatesAccepted counts updates appended to the authority log.
var UpdatesAccepted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "peercollab_updates_accepted_total",
		Help: "Updates appended to the authority log.",
	},
	[]string{"doc"},
)

// BatchesTotal counts client batches by outcome.
var BatchesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "peercollab_batches_total",
		Help: "Client batches handled by the authority.",
	},
	[]string{"outcome"}, // verbatim | rebased | rejected
)

// BatchDuration observes the time spent accepting a batch, lock wait included.
var BatchDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "peercollab_batch_duration_seconds",
		Help:    "Time spent accepting a client batch.",
		Buckets: prometheus.DefBuckets,
	},
)

// AppendConflicts counts storage appends that lost a race with another writer.
var AppendConflicts = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "peercollab_append_conflicts_total",
		Help: "Storage appends retried after a version conflict.",
	},
)

// Connections tracks open websocket streams.
var Connections = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "peercollab_connections",
		Help: "Open websocket connections.",
	},
)

// MessagesTotal counts inbound messages by type.
var MessagesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "peercollab_messages_total",
		Help: "Inbound wire messages.",
	},
	[]string{"type"},
)

// SelectionsRelayed counts relayed selection broadcasts.
var SelectionsRelayed = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "peercollab_selections_relayed_total",
		Help: "Selection broadcasts relayed to peers.",
	},
)

// BroadcastDrops counts streams dropped because their send buffer was full.
var BroadcastDrops = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "peercollab_broadcast_drops_total",
		Help: "Streams dropped for not keeping up with broadcasts.",
	},
)

// Handler serves Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
