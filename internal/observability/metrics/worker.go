package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

// WorkerMetrics aggregates turn-completed events consumed by the worker.
type WorkerMetrics struct {
	registry *prometheus.Registry

	eventsTotal     *prometheus.CounterVec
	eventLag        *prometheus.HistogramVec
	turnTokens      *prometheus.HistogramVec
	degradedTotal   *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	eventsInFlight  prometheus.Gauge
	seededDocuments prometheus.Gauge

	Outbound *OutboundMetrics
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	eventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admissions",
			Subsystem: "worker",
			Name:      "turn_events_total",
			Help:      "Total consumed turn events by status.",
		},
		[]string{"service", "status"},
	)
	eventLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "admissions",
			Subsystem: "worker",
			Name:      "turn_event_lag_seconds",
			Help:      "Delay between turn completion and event consumption.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"service"},
	)
	turnTokens := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "admissions",
			Subsystem: "worker",
			Name:      "turn_tokens",
			Help:      "Total tokens per completed turn.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 4000, 8000},
		},
		[]string{"service"},
	)
	degradedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admissions",
			Subsystem: "worker",
			Name:      "turn_degradations_total",
			Help:      "Degradations reported by completed turns, by kind.",
		},
		[]string{"service", "kind"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "admissions",
			Subsystem: "worker",
			Name:      "turn_stage_duration_seconds",
			Help:      "Stage latency reported by completed turns.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"service", "stage"},
	)
	eventsInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "admissions",
			Subsystem: "worker",
			Name:      "turn_events_in_flight",
			Help:      "Number of turn events being handled.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	seededDocuments := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "admissions",
			Subsystem: "worker",
			Name:      "seeded_documents",
			Help:      "Documents written to the search index by the last seed run.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)

	registry.MustRegister(eventsTotal, eventLag, turnTokens, degradedTotal, stageDuration, eventsInFlight, seededDocuments)

	return &WorkerMetrics{
		registry:        registry,
		eventsTotal:     eventsTotal,
		eventLag:        eventLag,
		turnTokens:      turnTokens,
		degradedTotal:   degradedTotal,
		stageDuration:   stageDuration,
		eventsInFlight:  eventsInFlight,
		seededDocuments: seededDocuments,
		Outbound:        newOutboundMetrics(service, registry),
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartEvent() {
	m.eventsInFlight.Inc()
}

func (m *WorkerMetrics) FinishEvent(service string, err error) {
	m.eventsInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}
	m.eventsTotal.WithLabelValues(service, status).Inc()
}

// ObserveTurn records the figures carried by one turn event.
func (m *WorkerMetrics) ObserveTurn(service string, event domain.TurnCompletedEvent, now time.Time) {
	if !event.CompletedAt.IsZero() {
		if lag := now.Sub(event.CompletedAt); lag >= 0 {
			m.eventLag.WithLabelValues(service).Observe(lag.Seconds())
		}
	}
	if event.TokenUsage.TotalTokens > 0 {
		m.turnTokens.WithLabelValues(service).Observe(float64(event.TokenUsage.TotalTokens))
	}
	for stage, ms := range event.StageLatencyMs {
		m.stageDuration.WithLabelValues(service, stage).Observe(ms / 1000)
	}

	kinds := map[string]bool{
		"generation_fallback": event.FallbackUsed,
		"no_evidence":         event.NoEvidence,
		"rerank_skipped":      event.RerankSkipped,
		"rerank_fallback":     event.RerankFallback,
		"retrieval_degraded":  event.RetrievalDegraded,
		"not_saved":           !event.Saved,
	}
	for kind, hit := range kinds {
		if hit {
			m.degradedTotal.WithLabelValues(service, kind).Inc()
		}
	}
}

func (m *WorkerMetrics) SetSeededDocuments(n int) {
	m.seededDocuments.Set(float64(n))
}
