package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/admissions-assistant/internal/config"
	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/core/ports"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/queue/nats"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/resilience"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/search/local"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/search/qdrant"
	"github.com/kirillkom/admissions-assistant/internal/observability/metrics"
)

var ErrSeedDisabled = errors.New("index seeding is disabled")

// Worker consumes turn-completed events and optionally seeds the Qdrant collection.
type Worker struct {
	Config  config.Config
	Events  ports.TurnEventSubscriber
	Metrics *metrics.WorkerMetrics

	embedder local.BatchEmbedder
	writer   IndexWriter
	closers  closeStack
}

func NewWorker(_ context.Context, cfg config.Config) (*Worker, error) {
	workerMetrics := metrics.NewWorkerMetrics(cfg.WorkerServiceName)
	executor := resilience.NewExecutor(cfg.Resilience(), resilience.WithObserver(workerMetrics.Outbound))

	events, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		Name:               "admissions-" + cfg.WorkerServiceName,
		ResilienceExecutor: executor,
	})
	if err != nil {
		return nil, fmt.Errorf("init event bus: %w", err)
	}

	w := &Worker{
		Config:  cfg,
		Events:  events,
		Metrics: workerMetrics,
	}
	w.closers.push(events.Close)

	if cfg.SearchBackend == config.SearchBackendQdrant && cfg.QdrantSeedOnStart {
		ollamaClient := ollama.NewWithOptions(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, ollama.Options{
			HTTPTimeout: cfg.OllamaHTTPTimeout,
			KeepAlive:   cfg.OllamaKeepAlive,
			Executor:    executor,
		})
		w.embedder = ollama.NewEmbedder(ollamaClient)
		w.writer = qdrant.NewWithOptions(cfg.QdrantURL, cfg.QdrantCollection, qdrant.Options{Executor: executor})
	}
	return w, nil
}

// Seed writes the configured dataset into the search index. It returns
// ErrSeedDisabled when seeding is not configured.
func (w *Worker) Seed(ctx context.Context) (int, error) {
	if w.writer == nil || w.embedder == nil {
		return 0, ErrSeedDisabled
	}
	n, err := SeedIndex(ctx, w.Config.DatasetPath, w.embedder, w.writer)
	if err != nil {
		return n, err
	}
	w.Metrics.SetSeededDocuments(n)
	return n, nil
}

// Run blocks consuming turn events until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	handler := TurnEventHandler(w.Config.WorkerServiceName, w.Metrics, func() time.Time { return time.Now().UTC() })
	return w.Events.SubscribeTurnCompleted(ctx, handler)
}

func (w *Worker) Close() {
	w.closers.run()
}

// TurnEventHandler records one consumed turn event in the worker metrics.
func TurnEventHandler(service string, m *metrics.WorkerMetrics, now func() time.Time) func(context.Context, domain.TurnCompletedEvent) error {
	return func(_ context.Context, event domain.TurnCompletedEvent) error {
		m.StartEvent()
		m.ObserveTurn(service, event, now())
		m.FinishEvent(service, nil)

		attrs := []any{
			"conversation_id", event.ConversationID,
			"message_id", event.AssistantMessageID,
			"turn_index", event.TurnIndex,
			"fallback_used", event.FallbackUsed,
			"no_evidence", event.NoEvidence,
			"saved", event.Saved,
		}
		if !event.Saved || event.RetrievalDegraded {
			slog.Warn("turn_event_degraded", attrs...)
			return nil
		}
		slog.Debug("turn_event_consumed", attrs...)
		return nil
	}
}
