package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
	"github.com/kirillkom/admissions-assistant/internal/core/ports"
)

const (
	skipReasonDisabled = "disabled"
	skipReasonShort    = "short_query"
	skipReasonTemplate = "template_query"
)

// RerankPolicy decides when the relevance model runs.
type RerankPolicy struct {
	Enabled bool
	// SkipBelowTokens skips reranking for queries with fewer words than this.
	SkipBelowTokens int
	// SkipTemplates are queries (matched case-insensitively) that never need reranking.
	SkipTemplates []string
	Timeout       time.Duration
}

type Reranker struct {
	scorer    ports.RelevanceScorer
	policy    RerankPolicy
	templates map[string]struct{}
}

func NewReranker(scorer ports.RelevanceScorer, policy RerankPolicy) *Reranker {
	templates := make(map[string]struct{}, len(policy.SkipTemplates))
	for _, tpl := range policy.SkipTemplates {
		if key := normalizeText(tpl); key != "" {
			templates[key] = struct{}{}
		}
	}
	return &Reranker{
		scorer:    scorer,
		policy:    policy,
		templates: templates,
	}
}

// Rerank orders candidates by relevance score and keeps at most keep of them.
// A skipped or failed rerank passes the fused order through.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []domain.Candidate, keep int) ([]domain.Candidate, domain.RerankReport) {
	if keep <= 0 || keep > len(candidates) {
		keep = len(candidates)
	}
	passthrough := make([]domain.Candidate, keep)
	copy(passthrough, candidates[:keep])

	if reason := r.skipReason(query); reason != "" {
		return passthrough, domain.RerankReport{Skipped: true, SkipReason: reason}
	}
	if len(candidates) == 0 {
		return passthrough, domain.RerankReport{}
	}

	scoreCtx := ctx
	if r.policy.Timeout > 0 {
		var cancel context.CancelFunc
		scoreCtx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
		defer cancel()
	}

	documents := make([]string, len(candidates))
	for i, c := range candidates {
		documents[i] = rerankPairText(c)
	}
	scores, err := r.scorer.Score(scoreCtx, query, documents)
	if err == nil && len(scores) != len(documents) {
		err = fmt.Errorf("scorer returned %d scores for %d documents", len(scores), len(documents))
	}
	if err != nil {
		wrapped := domain.WrapError(domain.ErrRerankFailure, "rerank", err)
		slog.Warn("rerank_fallback", "candidates", len(candidates), "error", wrapped)
		return passthrough, domain.RerankReport{FallbackUsed: true, Error: wrapped.Error()}
	}

	scored := make([]domain.Candidate, len(candidates))
	for i, c := range candidates {
		scored[i] = c.WithRerankScore(scores[i])
	}
	sort.SliceStable(scored, func(i, j int) bool {
		si, sj := *scored[i].RerankScore, *scored[j].RerankScore
		if si != sj {
			return si > sj
		}
		if scored[i].FusedScore != scored[j].FusedScore {
			return scored[i].FusedScore > scored[j].FusedScore
		}
		return scored[i].DocumentID < scored[j].DocumentID
	})
	return scored[:keep], domain.RerankReport{}
}

func (r *Reranker) skipReason(query string) string {
	if !r.policy.Enabled || r.scorer == nil {
		return skipReasonDisabled
	}
	if _, ok := r.templates[normalizeText(query)]; ok {
		return skipReasonTemplate
	}
	if r.policy.SkipBelowTokens > 0 && estimateTokens(query) < r.policy.SkipBelowTokens {
		return skipReasonShort
	}
	return ""
}

// rerankPairText is the document side of a (query, document) pair.
func rerankPairText(c domain.Candidate) string {
	return strings.TrimSpace(c.Source.Question + " " + c.Text)
}
