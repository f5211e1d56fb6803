package usecase

import "github.com/kirillkom/admissions-assistant/internal/core/domain"

const defaultContextTokenBudget = 1500

// ContextAssembler selects candidates into a token-bounded evidence set. An
// item costs what its rendered block costs in the prompt: passage text,
// provenance, the similar question and both stored answers, labels included.
// TokenCount therefore equals the token count of the formatted evidence.
type ContextAssembler struct {
	defaultBudget int
}

func NewContextAssembler(defaultBudget int) *ContextAssembler {
	if defaultBudget <= 0 {
		defaultBudget = defaultContextTokenBudget
	}
	return &ContextAssembler{defaultBudget: defaultBudget}
}

func (a *ContextAssembler) Assemble(candidates []domain.Candidate, tokenBudget int, turn int) domain.EvidenceSet {
	if tokenBudget <= 0 {
		tokenBudget = a.defaultBudget
	}

	set := domain.EvidenceSet{
		Items:  make([]domain.Evidence, 0, len(candidates)),
		Budget: tokenBudget,
	}
	for _, c := range dedupeCandidates(candidates) {
		idx := len(set.Items)
		tokens := evidenceTokens(idx, c)
		if set.TokenCount+tokens <= tokenBudget {
			set.Items = append(set.Items, domain.Evidence{Candidate: c, Turn: turn})
			set.TokenCount += tokens
			continue
		}

		if fitted, cost, ok := fitCandidate(c, idx, tokenBudget-set.TokenCount); ok {
			set.Items = append(set.Items, domain.Evidence{Candidate: fitted, Turn: turn, Truncated: true})
			set.TokenCount += cost
		}
		break
	}
	return set
}

// fitCandidate trims c to at most remaining prompt tokens. Fields are filled
// in priority order (article, document, passage, question, extractive answer,
// stored answer); the first field that does not fit is cut to the words that
// do and everything after it is dropped. ok is false when nothing beyond
// provenance survives.
func fitCandidate(c domain.Candidate, idx, remaining int) (fitted domain.Candidate, cost int, ok bool) {
	fitted = c
	fields := []*string{
		&fitted.Source.Article,
		&fitted.Source.Document,
		&fitted.Text,
		&fitted.Source.Question,
		&fitted.Source.ExtractiveAnswer,
		&fitted.Source.Answer,
	}
	originals := make([]string, len(fields))
	for i, f := range fields {
		originals[i] = *f
		*f = ""
	}

	cost = evidenceTokens(idx, fitted)
	if cost > remaining {
		return domain.Candidate{}, 0, false
	}
	for i, f := range fields {
		if originals[i] == "" {
			continue
		}
		*f = originals[i]
		next := evidenceTokens(idx, fitted)
		if next <= remaining {
			cost = next
			continue
		}
		if keep := estimateTokens(originals[i]) - (next - remaining); keep > 0 {
			*f = truncateToTokens(originals[i], keep)
			cost = evidenceTokens(idx, fitted)
		} else {
			*f = ""
		}
		break
	}

	ok = fitted.Text != "" || fitted.Source.Question != "" ||
		fitted.Source.ExtractiveAnswer != "" || fitted.Source.Answer != ""
	if !ok {
		return domain.Candidate{}, 0, false
	}
	return fitted, cost, true
}

// dedupeCandidates drops repeats of the same index entry or of near-identical text,
// keeping the first occurrence.
func dedupeCandidates(candidates []domain.Candidate) []domain.Candidate {
	seenIDs := make(map[string]struct{}, len(candidates))
	seenText := make(map[string]struct{}, len(candidates))
	out := make([]domain.Candidate, 0, len(candidates))
	for _, c := range candidates {
		textKey := normalizeText(c.Text)
		if c.DocumentID != "" {
			if _, ok := seenIDs[c.DocumentID]; ok {
				continue
			}
		}
		if textKey != "" {
			if _, ok := seenText[textKey]; ok {
				continue
			}
		}
		if c.DocumentID != "" {
			seenIDs[c.DocumentID] = struct{}{}
		}
		if textKey != "" {
			seenText[textKey] = struct{}{}
		}
		out = append(out, c)
	}
	return out
}
