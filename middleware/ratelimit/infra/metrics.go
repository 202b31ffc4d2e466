package infra

import (
	"time"

	"terrains-gateway/middleware/ratelimit/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implementa domain.Metrics.
//
// Negações e fail-open ficam em séries separadas do mesmo counter
// (outcome="denied" vs outcome="fail_open").
type PrometheusMetrics struct {
	decisions *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

// NewPrometheusMetrics registra as métricas no registerer informado.
// Use prometheus.NewRegistry() em testes para evitar registro duplicado.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "terrains",
				Subsystem: "ratelimit",
				Name:      "decisions_total",
				Help:      "Rate limit decisions by policy and outcome.",
			},
			[]string{"policy", "outcome"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "terrains",
				Subsystem: "ratelimit",
				Name:      "store_duration_seconds",
				Help:      "Counter store round trip duration.",
				Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
			[]string{"policy"},
		),
	}
	for _, c := range []prometheus.Collector{m.decisions, m.latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusMetrics) Decision(policy string, outcome domain.Outcome) {
	m.decisions.WithLabelValues(policy, string(outcome)).Inc()
}

func (m *PrometheusMetrics) StoreLatency(policy string, d time.Duration) {
	m.latency.WithLabelValues(policy).Observe(d.Seconds())
}

// PrometheusConcurrencyMetrics implementa domain.ConcurrencyMetrics.
type PrometheusConcurrencyMetrics struct {
	rejected *prometheus.CounterVec
	inFlight *prometheus.GaugeVec
}

func NewPrometheusConcurrencyMetrics(reg prometheus.Registerer) (*PrometheusConcurrencyMetrics, error) {
	m := &PrometheusConcurrencyMetrics{
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "terrains_gateway",
				Subsystem: "concurrency",
				Name:      "rejected_total",
				Help:      "Requests rejected because the route group had no free slot.",
			},
			[]string{"group"},
		),
		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "terrains_gateway",
				Name:      "inflight_requests",
				Help:      "Requests currently holding a slot, by route group.",
			},
			[]string{"group"},
		),
	}
	for _, c := range []prometheus.Collector{m.rejected, m.inFlight} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusConcurrencyMetrics) Rejected(group string) {
	m.rejected.WithLabelValues(group).Inc()
}

func (m *PrometheusConcurrencyMetrics) InFlight(group string, delta int) {
	m.inFlight.WithLabelValues(group).Add(float64(delta))
}
