// Package metrics provides Prometheus instrumentation for the relay. It
// exposes gauges for connection and identity counts, counters for routing
// outcomes and presence fan-out, and a histogram for routing latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections tracks the current number of live connections, identified
	// or not.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections",
		Help: "Current number of live connections",
	})

	// Identities tracks the number of connections that announced an identity.
	Identities = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_identities",
		Help: "Current number of identified connections",
	})

	// MessagesTotal counts routing outcomes per recipient, labeled by
	// outcome: "delivered", "blocked", "dropped", "rejected" or "filtered".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Routing outcomes by type",
	}, []string{"outcome"})

	// RouteLatency records the time spent resolving recipients.
	RouteLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_route_latency_seconds",
		Help:    "Time spent resolving message recipients",
		Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
	})

	// PresenceBroadcasts counts presence snapshots queued for fan-out.
	PresenceBroadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_presence_broadcasts_total",
		Help: "Presence snapshots queued for fan-out",
	})

	// PurgesTotal counts ephemeral-room purges.
	PurgesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_purges_total",
		Help: "Durable state purges triggered by an empty room",
	})

	// RateLimitedTotal counts sends rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_rate_limited_total",
		Help: "Messages rejected by the rate limiter",
	})

	// ArchivedTotal counts archive events handled by the archiver, labeled by
	// event type and result ("ok" or "error").
	ArchivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_archived_total",
		Help: "Archive events handled by the archiver",
	}, []string{"event", "result"})
)

func init() {
	prometheus.MustRegister(
		Connections,
		Identities,
		MessagesTotal,
		RouteLatency,
		PresenceBroadcasts,
		PurgesTotal,
		RateLimitedTotal,
		ArchivedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
