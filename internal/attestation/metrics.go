package attestation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides metrics for the attestation service. A nil *Metrics
// records nothing.
type Metrics struct {
	evaluations        *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	cacheLookups       *prometheus.CounterVec
	errors             *prometheus.CounterVec
}

// NewMetrics registers service metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		evaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_evaluations_total",
				Help: "Host trust evaluations by overall decision",
			},
			[]string{"trusted"},
		),
		evaluationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trust_evaluation_duration_seconds",
				Help:    "Duration of host trust evaluations",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
		),
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_result_cache_lookups_total",
				Help: "Result cache lookups by outcome",
			},
			[]string{"outcome"},
		),
		errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_evaluation_errors_total",
				Help: "Failed evaluations by result kind",
			},
			[]string{"kind"},
		),
	}
}

func (m *Metrics) evaluation(trusted bool, d time.Duration) {
	if m == nil {
		return
	}
	label := "false"
	if trusted {
		label = "true"
	}
	m.evaluations.WithLabelValues(label).Inc()
	m.evaluationDuration.Observe(d.Seconds())
}

func (m *Metrics) cacheLookup(outcome string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) failure(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}
