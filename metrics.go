package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LossMetrics records loss evaluations in Prometheus collectors.
//
// A nil *LossMetrics is valid and records nothing, so callers can keep the
// recording calls unconditional.
type LossMetrics struct {
	evaluations    *prometheus.CounterVec
	failures       prometheus.Counter
	loss           prometheus.Histogram
	maskedFraction prometheus.Gauge
	duration       *prometheus.HistogramVec
}

// NewLossMetrics registers the loss collectors with reg.
// Returns nil if reg is nil, including a nil *prometheus.Registry.
func NewLossMetrics(reg prometheus.Registerer) *LossMetrics {
	if reg == nil {
		return nil
	}
	if r, ok := reg.(*prometheus.Registry); ok && r == nil {
		return nil
	}

	return &LossMetrics{
		evaluations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "offsetloss_evaluations_total",
				Help: "Total number of offset-fidelity loss evaluations by implementation",
			},
			[]string{"impl"}, // "fused", "reference"
		),
		failures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "offsetloss_evaluation_failures_total",
				Help: "Total number of loss evaluations rejected for shape errors",
			},
		),
		loss: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "offsetloss_loss_value",
				Help:    "Distribution of weighted loss values",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
		),
		maskedFraction: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "offsetloss_masked_fraction",
				Help: "Fraction of offset elements beyond the threshold in the last evaluation",
			},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "offsetloss_evaluation_duration_seconds",
				Help:    "Loss evaluation latency by implementation",
				Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
			},
			[]string{"impl"},
		),
	}
}

// ObserveEvaluation records one successful evaluation.
func (m *LossMetrics) ObserveEvaluation(impl string, loss float64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(impl).Inc()
	m.loss.Observe(loss)
	m.duration.WithLabelValues(impl).Observe(elapsed.Seconds())
}

// ObserveReport records the mask statistics of a report.
func (m *LossMetrics) ObserveReport(r *LossReport) {
	if m == nil || r == nil {
		return
	}
	m.maskedFraction.Set(r.MaskedFraction)
}

// ObserveFailure records a rejected evaluation.
func (m *LossMetrics) ObserveFailure() {
	if m == nil {
		return
	}
	m.failures.Inc()
}
