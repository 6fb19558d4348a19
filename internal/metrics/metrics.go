// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EditsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "padsync_edits_applied_total",
		Help: "Total number of edits applied to the document",
	})

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "padsync_messages_dropped_total",
		Help: "Inbound messages dropped, by reason",
	}, []string{"reason"})

	BroadcastDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "padsync_broadcast_deliveries_total",
		Help: "Messages queued to connections by broadcasts",
	})

	BroadcastFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "padsync_broadcast_failures_total",
		Help: "Broadcast enqueues that failed",
	})

	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "padsync_connected_clients",
		Help: "Current number of registered connections",
	})

	AutosaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "padsync_autosave_duration_seconds",
		Help:    "Duration of autosave runs",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})
)

// Drop reasons
const (
	ReasonMalformed   = "malformed"
	ReasonOutOfRange  = "out_of_range"
	ReasonRateLimited = "rate_limited"
)
