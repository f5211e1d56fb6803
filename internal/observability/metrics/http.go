package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge
	rejectedTotal   *prometheus.CounterVec

	turnsTotal        *prometheus.CounterVec
	turnFailuresTotal *prometheus.CounterVec
	turnSources       *prometheus.HistogramVec
	stageDuration     *prometheus.HistogramVec
	fallbackTotal     *prometheus.CounterVec
	llmTokensTotal    *prometheus.CounterVec
	cacheLookupsTotal *prometheus.CounterVec

	Outbound *OutboundMetrics
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admissions",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "admissions",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "admissions",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	rejectedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admissions",
			Subsystem: "http",
			Name:      "rejected_total",
			Help:      "Requests rejected by traffic control.",
		},
		[]string{"service", "reason"},
	)
	turnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admissions",
			Subsystem: "pipeline",
			Name:      "turns_total",
			Help:      "Completed conversation turns by outcome.",
		},
		[]string{"service", "endpoint", "outcome"},
	)
	turnFailuresTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admissions",
			Subsystem: "pipeline",
			Name:      "turn_failures_total",
			Help:      "Turns that ended without an answer, by reason.",
		},
		[]string{"service", "endpoint", "reason"},
	)
	turnSources := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "admissions",
			Subsystem: "pipeline",
			Name:      "turn_sources",
			Help:      "Distribution of sources returned per completed turn.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8},
		},
		[]string{"service", "endpoint"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "admissions",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"service", "stage"},
	)
	fallbackTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admissions",
			Subsystem: "pipeline",
			Name:      "fallback_total",
			Help:      "Recovered pipeline degradations by kind.",
		},
		[]string{"service", "kind"},
	)
	llmTokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admissions",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Token usage by direction.",
		},
		[]string{"service", "endpoint", "direction", "model"},
	)
	cacheLookupsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "admissions",
			Subsystem: "retrieval",
			Name:      "cache_lookups_total",
			Help:      "Retrieval cache lookups by result.",
		},
		[]string{"service", "result"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		rejectedTotal,
		turnsTotal,
		turnFailuresTotal,
		turnSources,
		stageDuration,
		fallbackTotal,
		llmTokensTotal,
		cacheLookupsTotal,
	)

	return &HTTPServerMetrics{
		registry:          registry,
		requestTotal:      requestTotal,
		requestDuration:   requestDuration,
		requestInFlight:   requestInFlight,
		rejectedTotal:     rejectedTotal,
		turnsTotal:        turnsTotal,
		turnFailuresTotal: turnFailuresTotal,
		turnSources:       turnSources,
		stageDuration:     stageDuration,
		fallbackTotal:     fallbackTotal,
		llmTokensTotal:    llmTokensTotal,
		cacheLookupsTotal: cacheLookupsTotal,
		Outbound:          newOutboundMetrics(service, registry),
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/chat/history/"):
		return "/v1/chat/history/{conversation_id}"
	default:
		return path
	}
}

func (m *HTTPServerMetrics) RecordRejected(service, reason string) {
	m.rejectedTotal.WithLabelValues(service, reason).Inc()
}

// RecordTurn records a completed turn: outcome, stage latencies, degradations and tokens.
func (m *HTTPServerMetrics) RecordTurn(service, endpoint string, result *domain.QueryResult) {
	if result == nil {
		return
	}
	meta := result.Metadata

	outcome := "answered"
	if meta.NoEvidence {
		outcome = "no_evidence"
	}
	m.turnsTotal.WithLabelValues(service, endpoint, outcome).Inc()
	m.turnSources.WithLabelValues(service, endpoint).Observe(float64(len(result.Sources)))

	for stage, ms := range meta.StageLatencyMs {
		m.stageDuration.WithLabelValues(service, stage).Observe(ms / 1000)
	}

	if meta.FallbackUsed {
		m.fallbackTotal.WithLabelValues(service, "generation").Inc()
	}
	if meta.RerankFallback {
		m.fallbackTotal.WithLabelValues(service, "rerank").Inc()
	}
	if meta.RerankSkipped {
		m.fallbackTotal.WithLabelValues(service, "rerank_skipped").Inc()
	}
	if meta.RetrievalDegraded {
		m.fallbackTotal.WithLabelValues(service, "retrieval_degraded").Inc()
	}
	if meta.SaveWarning != "" {
		m.fallbackTotal.WithLabelValues(service, "not_saved").Inc()
	}
	if meta.HistoryWarning != "" {
		m.fallbackTotal.WithLabelValues(service, "history_unavailable").Inc()
	}

	cacheResult := "miss"
	if meta.RetrievalCacheHit {
		cacheResult = "hit"
	}
	m.cacheLookupsTotal.WithLabelValues(service, cacheResult).Inc()

	m.RecordTokenUsage(service, endpoint, meta.Model, meta.TokenUsage.PromptTokens, meta.TokenUsage.CompletionTokens)
}

func (m *HTTPServerMetrics) RecordTurnFailure(service, endpoint, reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.turnFailuresTotal.WithLabelValues(service, endpoint, reason).Inc()
}

func (m *HTTPServerMetrics) RecordTokenUsage(service, endpoint, model string, promptTokens, completionTokens int) {
	if model == "" {
		model = "unknown"
	}
	if promptTokens > 0 {
		m.llmTokensTotal.WithLabelValues(service, endpoint, "in", model).Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.llmTokensTotal.WithLabelValues(service, endpoint, "out", model).Add(float64(completionTokens))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
