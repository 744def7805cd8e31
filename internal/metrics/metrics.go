// Package metrics provides Prometheus instrumentation for the chat client.
// It exposes a gauge for the connectivity state, counters for event
// throughput, reconciliation outcomes and reconnects, and a histogram for
// remote store latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectivityState holds the current connectivity state
	// (0 = disconnected, 1 = connecting, 2 = connected).
	ConnectivityState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatclient_connectivity_state",
		Help: "Current connectivity state (0=disconnected, 1=connecting, 2=connected)",
	})

	// ReconnectsTotal counts reconnect attempts made by the transport.
	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatclient_reconnects_total",
		Help: "Total number of reconnect attempts",
	})

	// EventsTotal counts gateway events, labeled by direction ("in", "out",
	// "dropped", "malformed") and event name.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatclient_events_total",
		Help: "Total number of gateway events by direction and name",
	}, []string{"direction", "event"})

	// DuplicateMessages counts messages that were not appended because an
	// entry with the same id was already in the log.
	DuplicateMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatclient_duplicate_messages_total",
		Help: "Messages suppressed by id de-duplication",
	})

	// StaleFetches counts history fetches discarded because another chat was
	// selected before they resolved.
	StaleFetches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatclient_stale_fetches_total",
		Help: "History fetches discarded after a newer selection",
	})

	// StoreLatency records remote store call latency in seconds, labeled by
	// operation and outcome ("ok", "error").
	StoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatclient_store_latency_seconds",
		Help:    "Remote store call latency in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"op", "outcome"})
)

func init() {
	prometheus.MustRegister(
		ConnectivityState,
		ReconnectsTotal,
		EventsTotal,
		DuplicateMessages,
		StaleFetches,
		StoreLatency,
	)
}

// Outcome maps an error to the outcome label value.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
