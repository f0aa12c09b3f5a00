package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	inferenceRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vlmd",
			Subsystem: "inference",
			Name:      "requests_total",
			Help:      "Inference requests by task and outcome",
		},
		[]string{"task", "outcome"},
	)

	inferenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vlmd",
			Subsystem: "inference",
			Name:      "duration_seconds",
			Help:      "End-to-end inference duration in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"task"},
	)
)

func init() {
	prometheus.MustRegister(inferenceRequestsTotal, inferenceDuration)
}

// Outcome labels.
const (
	outcomeOK        = "ok"
	outcomeCanceled  = "canceled"
	outcomeTimeout   = "timeout"
	outcomeBusy      = "busy"
	outcomeFailed    = "inference_failed"
	outcomeParse     = "parse_failed"
	outcomeRejected  = "rejected"
	outcomeUnhealthy = "unavailable"
)
