package baseline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the resolver. A nil *Metrics records nothing.
type Metrics struct {
	candidatesEvaluated *prometheus.CounterVec
	resolutions         *prometheus.CounterVec
	remaps              *prometheus.CounterVec
	ruleFaults          *prometheus.CounterVec
}

// NewMetrics registers resolver metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		candidatesEvaluated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_resolver_candidates_evaluated_total",
				Help: "Reference baselines evaluated as match candidates",
			},
			[]string{"layer"},
		),
		resolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_resolver_resolutions_total",
				Help: "Layer resolutions by outcome",
			},
			[]string{"layer", "outcome"},
		),
		remaps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_resolver_remaps_total",
				Help: "Fallback baseline remapping attempts by outcome",
			},
			[]string{"layer", "outcome"},
		),
		ruleFaults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_rule_faults_total",
				Help: "Faults raised by rule evaluation",
			},
			[]string{"kind"},
		),
	}
}

func (m *Metrics) candidate(layer Layer) {
	if m == nil {
		return
	}
	m.candidatesEvaluated.WithLabelValues(string(layer)).Inc()
}

func (m *Metrics) resolution(layer Layer, outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(string(layer), outcome).Inc()
}

func (m *Metrics) remap(layer Layer, outcome string) {
	if m == nil {
		return
	}
	m.remaps.WithLabelValues(string(layer), outcome).Inc()
}

func (m *Metrics) fault(kind string) {
	if m == nil {
		return
	}
	m.ruleFaults.WithLabelValues(kind).Inc()
}
