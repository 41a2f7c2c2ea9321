// Package metrics exposes the mesh's Prometheus metrics: connection and
// handshake counters, request-by-type counters, and past-request cache
// size, grounded on the teacher's internal/metrics package (its
// promauto.With(Registry)-style counter/gauge/histogram vars split one
// concern per file) but replacing SAGE's signature/DID/blockchain metrics
// with MeshLink's connection/handshake/request concerns.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meshlink"

// Registry is the mesh's private Prometheus registry so metrics don't
// collide with whatever else shares the process's default registry.
var Registry = prometheus.NewRegistry()

var (
	// ConnectionsActive tracks currently open connections.
	ConnectionsActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "active",
			Help:      "Number of connections currently in the Open state",
		},
	)

	// ConnectionsTotal tracks connections reaching each terminal or
	// pass-through state.
	ConnectionsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "transitions_total",
			Help:      "Total number of connection state transitions",
		},
		[]string{"state"}, // wait_id, wait_ack, open, dead
	)

	// HandshakesTotal tracks SPTPS handshake outcomes.
	HandshakesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handshake",
			Name:      "completed_total",
			Help:      "Total number of SPTPS handshakes by outcome",
		},
		[]string{"outcome"}, // success, failure
	)

	// HandshakeDuration tracks handshake wall time.
	HandshakeDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "handshake",
			Name:      "duration_seconds",
			Help:      "SPTPS handshake duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
		},
	)

	// RequestsTotal tracks dispatched requests by request name and outcome.
	RequestsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "dispatched_total",
			Help:      "Total number of meta-protocol requests dispatched",
		},
		[]string{"request", "outcome"}, // e.g. "ADD_EDGE", "ok"/"error"
	)

	// PastRequestCacheSize tracks the size of the loop-suppression cache.
	PastRequestCacheSize = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "topology",
			Name:      "past_request_cache_size",
			Help:      "Number of entries currently held in the past-request cache",
		},
	)
)

// RecordConnectionTransition increments the transition counter for the
// named state and maintains the active-connections gauge.
func RecordConnectionTransition(state string) {
	ConnectionsTotal.WithLabelValues(state).Inc()
	switch state {
	case "open":
		ConnectionsActive.Inc()
	case "dead":
		ConnectionsActive.Dec()
	}
}

// RecordHandshake records a completed handshake's outcome and duration.
func RecordHandshake(success bool, seconds float64) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	HandshakesTotal.WithLabelValues(outcome).Inc()
	HandshakeDuration.Observe(seconds)
}

// RecordRequest records a dispatched request's name and outcome.
func RecordRequest(requestName string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	RequestsTotal.WithLabelValues(requestName, outcome).Inc()
}
