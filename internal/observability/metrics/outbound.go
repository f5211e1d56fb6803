package metrics

import "github.com/prometheus/client_golang/prometheus"

// OutboundMetrics exports retry and circuit breaker activity for backend
// calls. It satisfies resilience.Observer.
type OutboundMetrics struct {
	service string

	retriesTotal       *prometheus.CounterVec
	shortCircuitsTotal *prometheus.CounterVec
	breakerOpen        *prometheus.GaugeVec
}

func newOutboundMetrics(service string, registry prometheus.Registerer) *OutboundMetrics {
	m := &OutboundMetrics{
		service: service,
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "admissions",
			Subsystem: "outbound",
			Name:      "retries_total",
			Help:      "Retried backend calls by operation.",
		}, []string{"service", "operation"}),
		shortCircuitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "admissions",
			Subsystem: "outbound",
			Name:      "short_circuits_total",
			Help:      "Backend calls rejected by an open circuit breaker.",
		}, []string{"service", "operation"}),
		breakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "admissions",
			Subsystem: "outbound",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per operation: 0 closed, 1 half-open, 2 open.",
		}, []string{"service", "operation"}),
	}
	registry.MustRegister(m.retriesTotal, m.shortCircuitsTotal, m.breakerOpen)
	return m
}

func (m *OutboundMetrics) ObserveRetry(operation string) {
	m.retriesTotal.WithLabelValues(m.service, operation).Inc()
}

func (m *OutboundMetrics) ObserveShortCircuit(operation string) {
	m.shortCircuitsTotal.WithLabelValues(m.service, operation).Inc()
}

func (m *OutboundMetrics) ObserveBreakerState(operation, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.breakerOpen.WithLabelValues(m.service, operation).Set(v)
}
