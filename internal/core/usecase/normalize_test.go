package usecase

import (
	"math"
	"testing"
)

func TestNormalizeScoresStaysInUnitRange(t *testing.T) {
	out := NormalizeScores([]float64{3, -1, 7, 0.5})
	for i, v := range out {
		if v < 0 || v > 1 {
			t.Fatalf("score %d out of range: %f", i, v)
		}
	}
	if out[1] != 0 || out[2] != 1 {
		t.Fatalf("expected min->0 and max->1, got %v", out)
	}
	if math.Abs(out[0]-0.5) > 1e-9 {
		t.Fatalf("expected midpoint 0.5, got %f", out[0])
	}
}

func TestNormalizeScoresConstantBatchMapsToOne(t *testing.T) {
	out := NormalizeScores([]float64{2, 2, 2})
	for i, v := range out {
		if v != 1 {
			t.Fatalf("expected 1.0 at %d, got %f", i, v)
		}
	}

	single := NormalizeScores([]float64{-4})
	if single[0] != 1 {
		t.Fatalf("expected single score to map to 1, got %f", single[0])
	}
}

func TestNormalizeScoresEmptyBatch(t *testing.T) {
	if out := NormalizeScores(nil); len(out) != 0 {
		t.Fatalf("expected empty output, got %v", out)
	}
}

func TestNormalizeScoresFollowsPermutation(t *testing.T) {
	a := NormalizeScores([]float64{1, 5, 3})
	b := NormalizeScores([]float64{3, 1, 5})

	if a[0] != b[1] || a[1] != b[2] || a[2] != b[0] {
		t.Fatalf("normalized scores not tied to inputs: %v vs %v", a, b)
	}
}

func TestNormalizeScoresTreatsNonFiniteAsMinimum(t *testing.T) {
	out := NormalizeScores([]float64{math.NaN(), 2, 4, math.Inf(1)})
	if out[0] != 0 || out[3] != 0 {
		t.Fatalf("expected non-finite scores to map to 0, got %v", out)
	}
	if out[2] != 1 {
		t.Fatalf("expected max to map to 1, got %v", out)
	}

	allNaN := NormalizeScores([]float64{math.NaN(), math.NaN()})
	if allNaN[0] != 1 || allNaN[1] != 1 {
		t.Fatalf("expected all-NaN batch to behave as constant, got %v", allNaN)
	}
}
