package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/admissions-assistant/internal/config"
	"github.com/kirillkom/admissions-assistant/internal/core/ports"
	"github.com/kirillkom/admissions-assistant/internal/core/usecase"
	rediscache "github.com/kirillkom/admissions-assistant/internal/infrastructure/cache/redis"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/llm/embedcache"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/queue/nats"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/repository/mongo"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/rerank"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/resilience"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/search/local"
	"github.com/kirillkom/admissions-assistant/internal/infrastructure/search/qdrant"
	"github.com/kirillkom/admissions-assistant/internal/observability/metrics"
)

type App struct {
	Config config.Config

	Chat        ports.ChatService
	Health      ports.HealthService
	HTTPMetrics *metrics.HTTPServerMetrics

	closers closeStack
}

type closeStack []func()

func (s *closeStack) push(fn func()) {
	*s = append(*s, fn)
}

func (s closeStack) run() {
	for i := len(s) - 1; i >= 0; i-- {
		s[i]()
	}
}

// New builds the chat pipeline and its collaborators for the API process.
func New(ctx context.Context, cfg config.Config) (app *App, err error) {
	var closers closeStack
	defer func() {
		if err != nil {
			closers.run()
		}
	}()

	httpMetrics := metrics.NewHTTPServerMetrics(cfg.APIServiceName)
	executor := resilience.NewExecutor(cfg.Resilience(), resilience.WithObserver(httpMetrics.Outbound))
	ollamaClient := ollama.NewWithOptions(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, ollama.Options{
		HTTPTimeout: cfg.OllamaHTTPTimeout,
		KeepAlive:   cfg.OllamaKeepAlive,
		Executor:    executor,
	})
	batchEmbedder := ollama.NewEmbedder(ollamaClient)

	index, indexHealth, err := newSearchIndex(ctx, cfg, batchEmbedder, executor, &closers)
	if err != nil {
		return nil, err
	}
	store, storeHealth, err := newConversationStore(ctx, cfg, &closers)
	if err != nil {
		return nil, err
	}

	events, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		Name:               "admissions-" + cfg.APIServiceName,
		ResilienceExecutor: executor,
	})
	if err != nil {
		return nil, fmt.Errorf("init event bus: %w", err)
	}
	closers.push(events.Close)

	retrieverOpts := cfg.RetrieverOptions()
	if cache := newRetrievalCache(ctx, cfg, &closers); cache != nil {
		retrieverOpts.Cache = cache
	}

	queryEmbedder := embedcache.New(batchEmbedder, cfg.OllamaEmbedModel, cfg.EmbedCacheSize)
	retriever := usecase.NewHybridRetriever(index, queryEmbedder, retrieverOpts)
	reranker := usecase.NewReranker(newRelevanceScorer(cfg, executor), cfg.RerankPolicy())
	assembler := usecase.NewContextAssembler(cfg.RAGContextTokens)
	generator := usecase.NewAnswerGenerator(ollama.NewChatModel(ollamaClient), cfg.GeneratorOptions())

	orchestrator := usecase.NewConversationOrchestrator(
		retriever,
		reranker,
		assembler,
		generator,
		store,
		events,
		cfg.Pipeline(),
	)

	health := usecase.NewHealthUseCase(map[string]ports.HealthChecker{
		"search":     indexHealth,
		"history":    storeHealth,
		"generation": ollamaClient,
	}, cfg.HealthCheckTimeout)

	return &App{
		Config:      cfg,
		Chat:        orchestrator,
		Health:      health,
		HTTPMetrics: httpMetrics,
		closers:     closers,
	}, nil
}

func (a *App) Close() {
	a.closers.run()
}

type searchIndex interface {
	ports.SearchIndex
	ports.HealthChecker
}

func newSearchIndex(
	ctx context.Context,
	cfg config.Config,
	embedder local.BatchEmbedder,
	executor *resilience.Executor,
	closers *closeStack,
) (ports.SearchIndex, ports.HealthChecker, error) {
	var index searchIndex
	switch cfg.SearchBackend {
	case config.SearchBackendLocal:
		idx, err := local.New()
		if err != nil {
			return nil, nil, fmt.Errorf("init local index: %w", err)
		}
		closers.push(func() { _ = idx.Close() })
		if err := idx.Load(ctx, cfg.DatasetPath, embedder); err != nil {
			return nil, nil, fmt.Errorf("load local index: %w", err)
		}
		index = idx
	case config.SearchBackendQdrant:
		index = qdrant.NewWithOptions(cfg.QdrantURL, cfg.QdrantCollection, qdrant.Options{Executor: executor})
	default:
		return nil, nil, fmt.Errorf("unsupported search backend %q", cfg.SearchBackend)
	}
	return index, index, nil
}

type conversationStore interface {
	ports.ConversationStore
	ports.HealthChecker
}

func newConversationStore(ctx context.Context, cfg config.Config, closers *closeStack) (ports.ConversationStore, ports.HealthChecker, error) {
	var store conversationStore
	switch cfg.HistoryBackend {
	case config.HistoryBackendPostgres:
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		closers.push(func() { _ = db.Close() })
		repo := postgres.NewConversationRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		store = repo
	case config.HistoryBackendMongo:
		mongoStore, err := mongo.Open(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoConnTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("open mongo: %w", err)
		}
		closers.push(func() { _ = mongoStore.Close(context.Background()) })
		if err := mongoStore.EnsureIndexes(ctx); err != nil {
			return nil, nil, fmt.Errorf("ensure mongo indexes: %w", err)
		}
		store = mongoStore
	default:
		return nil, nil, fmt.Errorf("unsupported history backend %q", cfg.HistoryBackend)
	}
	return store, store, nil
}

// newRetrievalCache returns nil when no cache is configured or Redis is unreachable;
// retrieval works without it.
func newRetrievalCache(ctx context.Context, cfg config.Config, closers *closeStack) *rediscache.RetrievalCache {
	if cfg.RedisURL == "" {
		return nil
	}
	client, err := rediscache.Open(ctx, cfg.RedisURL)
	if err != nil {
		slog.Warn("retrieval_cache_disabled", "error", err)
		return nil
	}
	closers.push(func() { _ = client.Close() })
	return rediscache.NewRetrievalCache(client, "")
}

func newRelevanceScorer(cfg config.Config, executor *resilience.Executor) ports.RelevanceScorer {
	if cfg.RerankBackend == config.RerankBackendOverlap {
		return rerank.NewOverlapScorer()
	}
	return rerank.NewCrossEncoder(cfg.CrossEncoderURL, rerank.Options{
		Model:       cfg.CrossEncoderModel,
		HTTPTimeout: cfg.RerankTimeout,
		Executor:    executor,
	})
}
