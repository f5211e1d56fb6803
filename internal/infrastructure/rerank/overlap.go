package rerank

import (
	"context"
	"strings"
	"unicode"
)

// OverlapScorer is the in-process fallback scorer used when no cross-encoder
// is configured. Scores are in [0,1].
type OverlapScorer struct{}

func NewOverlapScorer() *OverlapScorer {
	return &OverlapScorer{}
}

func (s *OverlapScorer) Score(ctx context.Context, query string, documents []string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	queryTokens := toTokenSet(query)
	queryBigrams := toBigramSet(splitWordsLower(query))

	out := make([]float64, len(documents))
	for i, doc := range documents {
		words := splitWordsLower(doc)
		docTokens := make(map[string]struct{}, len(words))
		for _, w := range words {
			docTokens[w] = struct{}{}
		}
		out[i] = 0.70*overlap(queryTokens, docTokens) + 0.30*overlap(queryBigrams, toBigramSet(words))
	}
	return out, nil
}

func (s *OverlapScorer) Ping(context.Context) error {
	return nil
}

func overlap(query, doc map[string]struct{}) float64 {
	if len(query) == 0 || len(doc) == 0 {
		return 0
	}
	matches := 0
	for token := range query {
		if _, ok := doc[token]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(query))
}

func toTokenSet(s string) map[string]struct{} {
	tokens := splitWordsLower(s)
	out := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		out[token] = struct{}{}
	}
	return out
}

// Vietnamese words are often two syllables, so adjacent pairs carry most of the phrase signal.
func toBigramSet(words []string) map[string]struct{} {
	if len(words) < 2 {
		return nil
	}
	out := make(map[string]struct{}, len(words)-1)
	for i := 1; i < len(words); i++ {
		out[words[i-1]+" "+words[i]] = struct{}{}
	}
	return out
}

func splitWordsLower(s string) []string {
	if s == "" {
		return nil
	}
	tokens := make([]string, 0, 16)
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r) {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}
