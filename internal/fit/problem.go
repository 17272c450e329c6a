package fit

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// ErrNonFiniteOutput is returned when a simulation yields NaN or Inf.
var ErrNonFiniteOutput = errors.New("simulation produced non-finite output")

// Problem pairs a model with the observed time series it should reproduce.
type Problem struct {
	Model  Model
	Times  []float64
	Values []float64
}

// NewProblem validates and copies the observations.
func NewProblem(model Model, times, values []float64) (*Problem, error) {
	if len(times) == 0 {
		return nil, errors.New("problem needs at least one observation")
	}
	if len(times) != len(values) {
		return nil, fmt.Errorf("times and values differ in length: %d vs %d", len(times), len(values))
	}
	for i := 1; i < len(times); i++ {
		if times[i] < times[i-1] {
			return nil, fmt.Errorf("times must be non-decreasing at index %d", i)
		}
	}
	return &Problem{
		Model:  model,
		Times:  append([]float64(nil), times...),
		Values: append([]float64(nil), values...),
	}, nil
}

// Dim returns the number of model parameters.
func (p *Problem) Dim() int { return p.Model.ParameterCount() }

func (p *Problem) residuals(params []float64) ([]float64, error) {
	sim, err := p.Model.Simulate(params, p.Times)
	if err != nil {
		return nil, err
	}
	if len(sim) != len(p.Values) {
		return nil, fmt.Errorf("model returned %d values for %d times", len(sim), len(p.Times))
	}
	floats.Sub(sim, p.Values)
	return sim, nil
}

// SumOfSquaresError is sum_i (y_i - v_i)^2.
type SumOfSquaresError struct {
	Problem *Problem
}

// Dim is the number of search parameters the measure expects.
func (e SumOfSquaresError) Dim() int { return e.Problem.Dim() }

func (e SumOfSquaresError) Evaluate(params []float64) (float64, error) {
	r, err := e.Problem.residuals(params)
	if err != nil {
		return math.Inf(1), err
	}
	return finite(floats.Dot(r, r))
}

// MeanSquaredError is the sum of squares divided by the number of
// observations.
type MeanSquaredError struct {
	Problem *Problem
}

func (e MeanSquaredError) Dim() int { return e.Problem.Dim() }

func (e MeanSquaredError) Evaluate(params []float64) (float64, error) {
	r, err := e.Problem.residuals(params)
	if err != nil {
		return math.Inf(1), err
	}
	return finite(floats.Dot(r, r) / float64(len(r)))
}

func finite(v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return math.Inf(1), ErrNonFiniteOutput
	}
	return v, nil
}

// AddGaussianNoise returns a copy of values with independent N(0, sd^2)
// noise drawn from rng.
func AddGaussianNoise(values []float64, sd float64, rng *rand.Rand) ([]float64, error) {
	if sd < 0 || math.IsNaN(sd) {
		return nil, fmt.Errorf("noise standard deviation must be non-negative, got %g", sd)
	}
	noisy := make([]float64, len(values))
	for i, v := range values {
		noisy[i] = v + sd*rng.NormFloat64()
	}
	return noisy, nil
}

// Linspace returns n evenly spaced points from start to stop inclusive.
func Linspace(start, stop float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	return floats.Span(out, start, stop)
}
