package tlspolicy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Verification outcomes
const (
	OutcomeTrusted       = "trusted"
	OutcomeNotRegistered = "not_registered"
	OutcomeUntrusted     = "untrusted"
	OutcomeHostname      = "hostname_mismatch"
)

// Metrics counts dispatcher decisions. A nil *Metrics records nothing.
type Metrics struct {
	verifications *prometheus.CounterVec
	connects      *prometheus.HistogramVec
}

// NewMetrics registers dispatcher metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		verifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_tls_verifications_total",
				Help: "Peer verifications by policy type and outcome",
			},
			[]string{"policy", "outcome"},
		),
		connects: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trust_tls_connect_duration_seconds",
				Help:    "Duration of policy-checked TLS connects",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
	}
}

func (m *Metrics) verification(policy, outcome string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(policy, outcome).Inc()
}

func (m *Metrics) connect(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(outcome).Observe(seconds)
}
