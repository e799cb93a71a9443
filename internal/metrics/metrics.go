// Package metrics provides Prometheus instrumentation for the chat gateway. It
// exposes gauges for connections and sessions, counters for message delivery,
// sends, typing broadcasts and recovered errors, and latency histograms.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ActiveSessions tracks the current number of started chat sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_active_sessions",
		Help: "Current number of active chat sessions",
	})

	// DeliveriesTotal counts live inserts delivered to sessions, labeled by
	// path: "fetched" or "degraded".
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_feed_deliveries_total",
		Help: "Live inserts delivered from the change feed",
	}, []string{"path"})

	// SendsTotal counts send attempts, labeled by result: "ok", "rejected",
	// "rate_limited" or "failed".
	SendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_sends_total",
		Help: "Message send attempts by result",
	}, []string{"result"})

	// TypingBroadcastsTotal counts typing broadcasts, labeled by state.
	TypingBroadcastsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_typing_broadcasts_total",
		Help: "Typing presence broadcasts sent",
	}, []string{"state"}) // state = "typing", "idle"

	// RecoveredTotal counts errors the chat core recovered from, labeled by
	// operation.
	RecoveredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_recovered_errors_total",
		Help: "Errors recovered locally by the chat core",
	}, []string{"op"})

	// HistoryLoadDuration records history fetch latency in seconds.
	HistoryLoadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_history_load_seconds",
		Help:    "History load latency in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// FrameLatency records the time to handle one client frame in seconds.
	FrameLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_frame_latency_seconds",
		Help:    "Client frame processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveSessions,
		DeliveriesTotal,
		SendsTotal,
		TypingBroadcastsTotal,
		RecoveredTotal,
		HistoryLoadDuration,
		FrameLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
