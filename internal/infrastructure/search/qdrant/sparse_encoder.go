package qdrant

import (
	"cmp"
	"hash/fnv"
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// sparseVector is Qdrant's wire form for a sparse named vector. Indices are
// strictly increasing.
type sparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

const (
	bm25K1         = 1.2
	questionBoost  = 1.5
	maxSparseTerms = 256
)

// termCounts maps hashed terms to their (possibly boosted) frequency.
type termCounts map[uint32]float64

func (tc termCounts) add(text string, weight float64) {
	for _, term := range tokenizeWords(text) {
		tc[hashToken(term)] += weight
	}
}

// encodeSparseDocument counts the passage once and the question it answers
// with questionBoost, so a query phrased like the question ranks first.
// Qdrant's idf modifier on the collection supplies the other half of BM25.
func encodeSparseDocument(text, question string) sparseVector {
	tc := make(termCounts, 64)
	tc.add(text, 1)
	tc.add(question, questionBoost)
	return tc.encode()
}

func encodeSparseQuery(query string) sparseVector {
	tc := make(termCounts, 16)
	tc.add(query, 1)
	return tc.encode()
}

// encode applies BM25 term-frequency saturation. Past maxSparseTerms only
// the heaviest terms are kept.
func (tc termCounts) encode() sparseVector {
	if len(tc) == 0 {
		return sparseVector{}
	}
	type term struct {
		index  uint32
		weight float32
	}
	terms := make([]term, 0, len(tc))
	for idx, f := range tc {
		terms = append(terms, term{idx, float32(f * (bm25K1 + 1) / (f + bm25K1))})
	}
	if len(terms) > maxSparseTerms {
		slices.SortFunc(terms, func(a, b term) int {
			if c := cmp.Compare(b.weight, a.weight); c != 0 {
				return c
			}
			return cmp.Compare(a.index, b.index)
		})
		terms = terms[:maxSparseTerms]
	}
	slices.SortFunc(terms, func(a, b term) int { return cmp.Compare(a.index, b.index) })

	out := sparseVector{
		Indices: make([]uint32, len(terms)),
		Values:  make([]float32, len(terms)),
	}
	for i, t := range terms {
		out.Indices[i] = t.index
		out.Values[i] = t.weight
	}
	return out
}

// hashToken never returns 0 so every term has a usable sparse index.
func hashToken(token string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return max(h.Sum32(), 1)
}

// tokenizeWords lowercases NFC-normalized text and splits it on anything that
// is not a letter, digit or combining mark. Vietnamese syllables survive
// whole whether the input used precomposed or decomposed diacritics.
func tokenizeWords(s string) []string {
	if s == "" {
		return nil
	}
	return strings.FieldsFunc(strings.ToLower(norm.NFC.String(s)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.Is(unicode.Mn, r)
	})
}
