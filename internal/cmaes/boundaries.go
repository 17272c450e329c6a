package cmaes

import "math"

// Boundaries is a rectangular feasible region. It is immutable after
// construction.
type Boundaries struct {
	lower []float64
	upper []float64
}

// NewBoundaries validates and copies a lower/upper pair.
func NewBoundaries(lower, upper []float64) (*Boundaries, error) {
	if len(lower) != len(upper) {
		return nil, &InvalidBoundaryError{Index: -1, Reason: "lower and upper have different lengths"}
	}
	if len(lower) == 0 {
		return nil, &InvalidBoundaryError{Index: -1, Reason: "boundaries cannot be empty"}
	}
	for i := range lower {
		if math.IsNaN(lower[i]) || math.IsNaN(upper[i]) {
			return nil, &InvalidBoundaryError{Index: i, Reason: "bound is NaN"}
		}
		if lower[i] > upper[i] {
			return nil, &InvalidBoundaryError{Index: i, Reason: "lower bound exceeds upper bound"}
		}
	}

	b := &Boundaries{
		lower: make([]float64, len(lower)),
		upper: make([]float64, len(upper)),
	}
	copy(b.lower, lower)
	copy(b.upper, upper)
	return b, nil
}

// Dim returns the dimensionality of the region.
func (b *Boundaries) Dim() int { return len(b.lower) }

// Lower returns a copy of the lower bounds.
func (b *Boundaries) Lower() []float64 { return append([]float64(nil), b.lower...) }

// Upper returns a copy of the upper bounds.
func (b *Boundaries) Upper() []float64 { return append([]float64(nil), b.upper...) }

// Range returns upper-lower per coordinate.
func (b *Boundaries) Range() []float64 {
	r := make([]float64, len(b.lower))
	for i := range r {
		r[i] = b.upper[i] - b.lower[i]
	}
	return r
}

// Contains reports whether every coordinate of x lies in [lower, upper].
// Vectors of the wrong length are never contained.
func (b *Boundaries) Contains(x []float64) bool {
	if len(x) != len(b.lower) {
		return false
	}
	for i, v := range x {
		// NaN fails both comparisons
		if !(v >= b.lower[i] && v <= b.upper[i]) {
			return false
		}
	}
	return true
}

// Clamp returns a copy of x projected into the region.
func (b *Boundaries) Clamp(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = clamp(v, b.lower[i], b.upper[i])
	}
	return out
}

func clamp(val, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, val))
}
