package fit

import (
	"math"

	"github.com/cwbudde/cmaesfit/internal/cmaes"
)

// Transform maps between the search space the optimiser explores and the
// model's own parameter space.
type Transform interface {
	Dim() int
	ToModel(q []float64) []float64
	ToSearch(p []float64) []float64
}

// ScalarTransform maps one coordinate. Forward goes from search to model
// space and Inverse back.
type ScalarTransform struct {
	Forward func(float64) float64
	Inverse func(float64) float64
}

// Identity leaves a coordinate unchanged.
func Identity() ScalarTransform {
	id := func(v float64) float64 { return v }
	return ScalarTransform{Forward: id, Inverse: id}
}

// Exp searches a positive parameter on a log scale: p = exp(q).
func Exp() ScalarTransform {
	return ScalarTransform{Forward: math.Exp, Inverse: math.Log}
}

// Log is the inverse of Exp: p = log(q).
func Log() ScalarTransform {
	return ScalarTransform{Forward: math.Log, Inverse: math.Exp}
}

// Logit maps the real line onto the open interval (lower, upper).
func Logit(lower, upper float64) ScalarTransform {
	width := upper - lower
	return ScalarTransform{
		Forward: func(q float64) float64 {
			return lower + width/(1+math.Exp(-q))
		},
		Inverse: func(p float64) float64 {
			u := (p - lower) / width
			return math.Log(u / (1 - u))
		},
	}
}

// ElementwiseTransform applies an independent scalar transform per coordinate.
type ElementwiseTransform []ScalarTransform

// NewElementwiseTransform builds a transform from one scalar transform per
// coordinate.
func NewElementwiseTransform(parts ...ScalarTransform) ElementwiseTransform {
	return ElementwiseTransform(parts)
}

func (t ElementwiseTransform) Dim() int { return len(t) }

func (t ElementwiseTransform) ToModel(q []float64) []float64 {
	p := make([]float64, len(q))
	for i, v := range q {
		p[i] = t[i].Forward(v)
	}
	return p
}

func (t ElementwiseTransform) ToSearch(p []float64) []float64 {
	q := make([]float64, len(p))
	for i, v := range p {
		q[i] = t[i].Inverse(v)
	}
	return q
}

// TransformedModel exposes a model in search coordinates.
type TransformedModel struct {
	Inner     Model
	Transform Transform
}

// NewTransformedModel checks that the transform covers every parameter.
func NewTransformedModel(inner Model, t Transform) (*TransformedModel, error) {
	if t.Dim() != inner.ParameterCount() {
		return nil, &cmaes.DimensionMismatchError{What: "transform", Expected: inner.ParameterCount(), Actual: t.Dim()}
	}
	return &TransformedModel{Inner: inner, Transform: t}, nil
}

func (m *TransformedModel) ParameterCount() int { return m.Inner.ParameterCount() }

func (m *TransformedModel) Simulate(q, times []float64) ([]float64, error) {
	if len(q) != m.ParameterCount() {
		return nil, &cmaes.DimensionMismatchError{What: "parameters", Expected: m.ParameterCount(), Actual: len(q)}
	}
	return m.Inner.Simulate(m.Transform.ToModel(q), times)
}
