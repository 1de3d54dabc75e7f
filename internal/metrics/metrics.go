// Package metrics exposes Prometheus collectors for the scoring
// pipeline. Collectors are package-level and registered once; the
// /metrics endpoint serves the default gatherer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CoercionFailures counts encoder fields that could not be
	// coerced to a number and fell back to zero. A rising rate means
	// the input feed has drifted from the training data contract.
	CoercionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_encoder_coercion_failures_total",
		Help: "Fields that failed numeric coercion and were zero-filled.",
	}, []string{"field"})

	// Predictions counts scored transactions by model family and verdict.
	Predictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_predictions_total",
		Help: "Predictions served, by model family and verdict.",
	}, []string{"family", "verdict"})

	// PredictionErrors counts scoring failures by stage.
	PredictionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_prediction_errors_total",
		Help: "Failed predictions, by pipeline stage.",
	}, []string{"stage"})

	// Explanations counts attribution computations by method and status.
	Explanations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_explanations_total",
		Help: "Attribution computations, by method and status.",
	}, []string{"method", "status"})

	// PredictLatency observes end-to-end single-prediction latency.
	PredictLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kestrel_predict_duration_seconds",
		Help:    "End-to-end latency of single predictions.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	// BatchRows counts batch rows by outcome.
	BatchRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_batch_rows_total",
		Help: "Batch rows processed, by outcome.",
	}, []string{"outcome"})

	// BusDropped counts messages dropped because a subscriber's buffer
	// was full. A dropped ingest message is a transaction that was
	// never scored, so this should stay at zero in a healthy deploy.
	BusDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_bus_dropped_total",
		Help: "Bus messages dropped on full subscriber buffers.",
	}, []string{"topic"})
)
