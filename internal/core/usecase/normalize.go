package usecase

import "math"

// NormalizeScores min-max scales one batch of raw scores into [0,1].
// Output is index-aligned with the input. A batch without spread maps to 1.0,
// non-finite inputs are treated as the batch minimum.
func NormalizeScores(raw []float64) []float64 {
	out := make([]float64, len(raw))
	if len(raw) == 0 {
		return out
	}

	minScore := math.Inf(1)
	maxScore := math.Inf(-1)
	for _, v := range raw {
		if !isFinite(v) {
			continue
		}
		if v < minScore {
			minScore = v
		}
		if v > maxScore {
			maxScore = v
		}
	}

	rangeScore := maxScore - minScore
	if math.IsInf(minScore, 1) || rangeScore <= 0 {
		for i := range out {
			out[i] = 1
		}
		return out
	}

	for i, v := range raw {
		if !isFinite(v) {
			v = minScore
		}
		out[i] = clampUnit((v - minScore) / rangeScore)
	}
	return out
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
