package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call metrics for monitoring the call lifecycle and signaling transport
var (
	// Lifecycle metrics
	CallStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_started_total",
		Help: "Total number of call attempts initiated locally",
	}, []string{"type", "direction"}) // direction: "outgoing", "incoming"

	CallOutcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_outcome_total",
		Help: "Total number of call attempts by terminal outcome",
	}, []string{"type", "outcome"})

	CallActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_active",
		Help: "Whether a call is currently active on this agent (0 or 1)",
	})

	CallDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "call_duration_seconds",
		Help:    "Connected call duration in seconds",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"type"})

	CallSetupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_setup_duration_seconds",
		Help:    "Time from acceptance to transport connected",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// Signaling metrics
	CallSignalAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_signal_appended_total",
		Help: "Total number of signaling messages appended",
	}, []string{"kind", "status"})

	CallEventDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_event_dropped_total",
		Help: "Total number of orchestrator events dropped on overflow",
	}, []string{"kind"})

	// Record store metrics
	CallRecordWatchersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_record_watchers_active",
		Help: "Current number of active call record subscriptions",
	})
)
