package cmaes

import (
	"errors"
	"math"
	"testing"
)

func TestNewBoundaries_Invalid(t *testing.T) {
	cases := []struct {
		name         string
		lower, upper []float64
	}{
		{"length mismatch", []float64{0, 0}, []float64{1}},
		{"empty", []float64{}, []float64{}},
		{"lower above upper", []float64{0, 2}, []float64{1, 1}},
		{"nan", []float64{math.NaN()}, []float64{1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewBoundaries(tc.lower, tc.upper)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !errors.Is(err, &InvalidBoundaryError{}) {
				t.Errorf("Expected InvalidBoundaryError, got %T: %v", err, err)
			}
		})
	}
}

func TestBoundaries_Contains(t *testing.T) {
	b, err := NewBoundaries([]float64{0, -6}, []float64{0.03, 20})
	if err != nil {
		t.Fatalf("NewBoundaries failed: %v", err)
	}

	if !b.Contains([]float64{0.01, 5}) {
		t.Error("Interior point should be contained")
	}
	if !b.Contains([]float64{0, 20}) {
		t.Error("Points on the boundary should be contained")
	}
	if b.Contains([]float64{-0.001, 5}) {
		t.Error("Point below lower bound should not be contained")
	}
	if b.Contains([]float64{0.01, 21}) {
		t.Error("Point above upper bound should not be contained")
	}
	if b.Contains([]float64{math.NaN(), 0}) {
		t.Error("NaN coordinate should not be contained")
	}
	if b.Contains([]float64{0.01}) {
		t.Error("Vector of wrong length should not be contained")
	}
}

func TestBoundaries_Immutable(t *testing.T) {
	lower := []float64{0, 0}
	upper := []float64{1, 1}
	b, err := NewBoundaries(lower, upper)
	if err != nil {
		t.Fatalf("NewBoundaries failed: %v", err)
	}

	lower[0] = 5
	b.Upper()[1] = -5

	if got := b.Lower()[0]; got != 0 {
		t.Errorf("Lower bound changed through caller slice: %f", got)
	}
	if got := b.Upper()[1]; got != 1 {
		t.Errorf("Upper bound changed through returned slice: %f", got)
	}
}

func TestBoundaries_Clamp(t *testing.T) {
	b, _ := NewBoundaries([]float64{0, 0}, []float64{1, 10})

	got := b.Clamp([]float64{-1, 11})
	if got[0] != 0 || got[1] != 10 {
		t.Errorf("Expected [0 10], got %v", got)
	}

	r := b.Range()
	if r[0] != 1 || r[1] != 10 {
		t.Errorf("Expected range [1 10], got %v", r)
	}
}
