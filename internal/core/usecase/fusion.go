package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/kirillkom/admissions-assistant/internal/core/domain"
)

type fusedCandidate struct {
	key        string
	candidate  domain.Candidate
	lexical    float64
	vector     float64
	hasVector  bool
	hasLexical bool
}

// fuseWeighted merges both hit lists into candidates scored by
// wL*norm(lexical) + wV*norm(vector). A candidate missing from one list gets 0
// for that signal.
func fuseWeighted(lexical, vector []domain.SearchHit, weights domain.FusionWeights) []domain.Candidate {
	weights = weights.Normalize()
	lexicalNorm := NormalizeScores(hitScores(lexical))
	vectorNorm := NormalizeScores(hitScores(vector))

	acc := make(map[string]*fusedCandidate, len(lexical)+len(vector))
	lookup := func(hit domain.SearchHit) *fusedCandidate {
		key := hitKey(hit)
		entry, ok := acc[key]
		if !ok {
			entry = &fusedCandidate{
				key: key,
				candidate: domain.Candidate{
					DocumentID:  hit.DocumentID,
					Text:        hit.Text,
					Source:      hit.Source,
					LexicalRank: -1,
				},
			}
			acc[key] = entry
			return entry
		}
		entry.candidate = preferRicherCandidate(entry.candidate, hit)
		return entry
	}

	for rank, hit := range lexical {
		entry := lookup(hit)
		if entry.hasLexical {
			continue
		}
		entry.hasLexical = true
		entry.lexical = lexicalNorm[rank]
		entry.candidate.LexicalScore = hit.Score
		entry.candidate.LexicalRank = rank
	}
	for idx, hit := range vector {
		entry := lookup(hit)
		if entry.hasVector {
			continue
		}
		entry.hasVector = true
		entry.vector = vectorNorm[idx]
		entry.candidate.VectorScore = hit.Score
	}

	fused := make([]*fusedCandidate, 0, len(acc))
	for _, entry := range acc {
		entry.candidate.FusedScore = weights.Lexical*entry.lexical + weights.Vector*entry.vector
		fused = append(fused, entry)
	}
	sortFused(fused)

	out := make([]domain.Candidate, 0, len(fused))
	for _, entry := range fused {
		out = append(out, entry.candidate)
	}
	return out
}

// sortFused orders by fused score, then raw vector score, then lexical order,
// then the index-assigned id.
func sortFused(fused []*fusedCandidate) {
	sort.SliceStable(fused, func(i, j int) bool {
		a, b := fused[i], fused[j]
		if a.candidate.FusedScore != b.candidate.FusedScore {
			return a.candidate.FusedScore > b.candidate.FusedScore
		}
		if a.hasVector != b.hasVector {
			return a.hasVector
		}
		if a.candidate.VectorScore != b.candidate.VectorScore {
			return a.candidate.VectorScore > b.candidate.VectorScore
		}
		if ra, rb := lexicalOrder(a.candidate), lexicalOrder(b.candidate); ra != rb {
			return ra < rb
		}
		if a.candidate.DocumentID != b.candidate.DocumentID {
			return a.candidate.DocumentID < b.candidate.DocumentID
		}
		return a.key < b.key
	})
}

func lexicalOrder(c domain.Candidate) int {
	if c.LexicalRank < 0 {
		return int(^uint(0) >> 1)
	}
	return c.LexicalRank
}

func trimCandidates(candidates []domain.Candidate, limit int) []domain.Candidate {
	if limit <= 0 || len(candidates) <= limit {
		return candidates
	}
	return candidates[:limit]
}

func hitScores(hits []domain.SearchHit) []float64 {
	out := make([]float64, len(hits))
	for i, hit := range hits {
		out[i] = hit.Score
	}
	return out
}

func hitKey(hit domain.SearchHit) string {
	if hit.DocumentID != "" {
		return hit.DocumentID
	}
	sum := sha256.Sum256([]byte(hit.Source.Question + "|" + hit.Text))
	return "text:" + hex.EncodeToString(sum[:8])
}

func preferRicherCandidate(current domain.Candidate, hit domain.SearchHit) domain.Candidate {
	if current.Text == "" && hit.Text != "" {
		current.Text = hit.Text
	}
	if current.Source.Question == "" {
		current.Source.Question = hit.Source.Question
	}
	if current.Source.Answer == "" {
		current.Source.Answer = hit.Source.Answer
	}
	if current.Source.ExtractiveAnswer == "" {
		current.Source.ExtractiveAnswer = hit.Source.ExtractiveAnswer
	}
	if current.Source.Article == "" {
		current.Source.Article = hit.Source.Article
	}
	if current.Source.Document == "" {
		current.Source.Document = hit.Source.Document
	}
	return current
}
