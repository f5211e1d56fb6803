package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/core/ports"
)

const (
	defaultRetrievalTopK   = 5
	defaultOverfetchFactor = 4
)

type RetrieverOptions struct {
	OverfetchFactor int
	SignalTimeout   time.Duration
	Cache           ports.RetrievalCache
	CacheTTL        time.Duration
}

// HybridRetriever runs lexical and vector queries in parallel and fuses them.
type HybridRetriever struct {
	index    ports.SearchIndex
	embedder ports.Embedder
	opts     RetrieverOptions
}

func NewHybridRetriever(index ports.SearchIndex, embedder ports.Embedder, opts RetrieverOptions) *HybridRetriever {
	if opts.OverfetchFactor <= 0 {
		opts.OverfetchFactor = defaultOverfetchFactor
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	return &HybridRetriever{
		index:    index,
		embedder: embedder,
		opts:     opts,
	}
}

func (r *HybridRetriever) Retrieve(
	ctx context.Context,
	queryText string,
	topK int,
	weights domain.FusionWeights,
) ([]domain.Candidate, domain.RetrievalReport, error) {
	if topK <= 0 {
		topK = defaultRetrievalTopK
	}
	weights = weights.Normalize()

	cacheKey := retrievalCacheKey(queryText, topK, weights)
	if cached, ok := r.cachedCandidates(ctx, cacheKey); ok {
		return cached, domain.RetrievalReport{CacheHit: true}, nil
	}

	limit := topK * r.opts.OverfetchFactor
	var (
		lexicalHits []domain.SearchHit
		vectorHits  []domain.SearchHit
		lexicalErr  error
		vectorErr   error
	)

	// Each signal records its own error and returns nil so a failure on one side
	// never cancels the other.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		signalCtx, cancel := r.signalContext(gctx)
		defer cancel()
		hits, err := r.index.LexicalQuery(signalCtx, queryText, limit)
		if err != nil {
			lexicalErr = fmt.Errorf("lexical query: %w", err)
			return nil
		}
		lexicalHits = hits
		return nil
	})
	g.Go(func() error {
		signalCtx, cancel := r.signalContext(gctx)
		defer cancel()
		vector, err := r.embedder.EmbedQuery(signalCtx, queryText)
		if err != nil {
			vectorErr = fmt.Errorf("embed query: %w", err)
			return nil
		}
		hits, err := r.index.VectorQuery(signalCtx, vector, limit)
		if err != nil {
			vectorErr = fmt.Errorf("vector query: %w", err)
			return nil
		}
		vectorHits = hits
		return nil
	})
	_ = g.Wait()

	report := domain.RetrievalReport{
		LexicalHits: len(lexicalHits),
		VectorHits:  len(vectorHits),
	}
	if lexicalErr != nil {
		report.LexicalError = lexicalErr.Error()
	}
	if vectorErr != nil {
		report.VectorError = vectorErr.Error()
	}

	if lexicalErr != nil && vectorErr != nil {
		return nil, report, domain.WrapError(domain.ErrRetrievalUnavailable, "hybrid retrieve", errors.Join(lexicalErr, vectorErr))
	}
	if lexicalErr != nil || vectorErr != nil {
		report.Degraded = true
		slog.Warn("retrieval_degraded",
			"lexical_error", report.LexicalError,
			"vector_error", report.VectorError,
			"lexical_hits", report.LexicalHits,
			"vector_hits", report.VectorHits,
		)
	}

	candidates := trimCandidates(fuseWeighted(lexicalHits, vectorHits, weights), topK)
	if !report.Degraded && len(candidates) > 0 {
		r.storeCandidates(ctx, cacheKey, candidates)
	}
	return candidates, report, nil
}

func (r *HybridRetriever) signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.SignalTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.opts.SignalTimeout)
}

func (r *HybridRetriever) cachedCandidates(ctx context.Context, key string) ([]domain.Candidate, bool) {
	if r.opts.Cache == nil {
		return nil, false
	}
	cached, ok, err := r.opts.Cache.Get(ctx, key)
	if err != nil {
		slog.Warn("retrieval_cache_get_failed", "error", err)
		return nil, false
	}
	if !ok || len(cached) == 0 {
		return nil, false
	}
	return cached, true
}

func (r *HybridRetriever) storeCandidates(ctx context.Context, key string, candidates []domain.Candidate) {
	if r.opts.Cache == nil {
		return
	}
	if err := r.opts.Cache.Set(ctx, key, candidates, r.opts.CacheTTL); err != nil {
		slog.Warn("retrieval_cache_set_failed", "error", err)
	}
}

func retrievalCacheKey(queryText string, topK int, weights domain.FusionWeights) string {
	raw := fmt.Sprintf("%s|%d|%.4f|%.4f", normalizeText(queryText), topK, weights.Lexical, weights.Vector)
	sum := sha256.Sum256([]byte(raw))
	return "retrieval:" + hex.EncodeToString(sum[:])
}
