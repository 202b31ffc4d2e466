package cache

import "github.com/prometheus/client_golang/prometheus"

const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

// Metrics recebe o resultado de cada leitura do cache.
type Metrics interface {
	Request(result string)
}

type PrometheusMetrics struct {
	requests *prometheus.CounterVec
}

func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "terrains",
				Subsystem: "cache",
				Name:      "requests_total",
				Help:      "Cache reads by result.",
			},
			[]string{"result"},
		),
	}
	if err := reg.Register(m.requests); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PrometheusMetrics) Request(result string) {
	m.requests.WithLabelValues(result).Inc()
}

type noopMetrics struct{}

func (noopMetrics) Request(string) {}
