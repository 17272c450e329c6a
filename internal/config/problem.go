package config

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/cwbudde/cmaesfit/internal/bench"
	"github.com/cwbudde/cmaesfit/internal/cmaes"
	"github.com/cwbudde/cmaesfit/internal/fit"
	"github.com/cwbudde/cmaesfit/internal/opt"
)

// ProblemConfig describes what to minimise. Vectors are in search-space
// coordinates; for the fitting problems Transforms maps them to model
// parameters.
type ProblemConfig struct {
	Name         string      `yaml:"name" json:"name"`
	Dim          int         `yaml:"dim,omitempty" json:"dim,omitempty"`
	Error        string      `yaml:"error,omitempty" json:"error,omitempty"`
	InitialValue float64     `yaml:"initial_value,omitempty" json:"initialValue,omitempty"`
	TrueParams   []float64   `yaml:"true_params,omitempty" json:"trueParams,omitempty"`
	Transforms   []string    `yaml:"transforms,omitempty" json:"transforms,omitempty"`
	Noise        float64     `yaml:"noise,omitempty" json:"noise,omitempty"`
	DataSeed     int64       `yaml:"data_seed,omitempty" json:"dataSeed,omitempty"`
	Times        TimesConfig `yaml:"times,omitempty" json:"times,omitempty"`
	X0           []float64   `yaml:"x0,omitempty" json:"x0,omitempty"`
	Sigma0       []float64   `yaml:"sigma0,omitempty" json:"sigma0,omitempty"`
	Lower        []float64   `yaml:"lower,omitempty" json:"lower,omitempty"`
	Upper        []float64   `yaml:"upper,omitempty" json:"upper,omitempty"`
}

// TimesConfig is an evenly spaced sampling grid.
type TimesConfig struct {
	Start float64 `yaml:"start" json:"start"`
	Stop  float64 `yaml:"stop" json:"stop"`
	Count int     `yaml:"count" json:"count"`
}

// Setup is a problem ready to hand to an optimizer.
type Setup struct {
	Name      string
	Objective opt.Objective
	X0        []float64
	Sigma0    []float64
	Bounds    *cmaes.Boundaries

	// Transform maps search coordinates to model parameters; nil for
	// benchmarks.
	Transform fit.Transform

	dim int
}

// ModelParams maps a search-space point to the problem's own parameters.
func (s *Setup) ModelParams(q []float64) []float64 {
	if s.Transform == nil || q == nil {
		return q
	}
	return s.Transform.ToModel(q)
}

func (p ProblemConfig) isModel() bool {
	switch strings.ToLower(p.Name) {
	case "logistic", "exponential":
		return true
	}
	return false
}

// Validate checks the problem without simulating anything.
func (p ProblemConfig) Validate() error {
	if p.isModel() {
		switch p.Error {
		case "", "sse", "mse":
		default:
			return fmt.Errorf("problem.error: unknown error measure %q", p.Error)
		}
		if p.Times.Count < 1 {
			return fmt.Errorf("problem.times.count: must be positive")
		}
		if p.Noise < 0 {
			return fmt.Errorf("problem.noise: must be non-negative")
		}
		if len(p.TrueParams) != 2 {
			return fmt.Errorf("problem.true_params: expected 2 values, got %d", len(p.TrueParams))
		}
		return nil
	}
	if _, err := bench.Lookup(p.Name, p.Dim); err != nil {
		return fmt.Errorf("problem.name: %w", err)
	}
	return nil
}

// Build constructs the objective, starting point and boundaries.
func (p ProblemConfig) Build() (*Setup, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var setup *Setup
	var err error
	if p.isModel() {
		setup, err = p.buildModel()
	} else {
		setup, err = p.buildBenchmark()
	}
	if err != nil {
		return nil, err
	}

	if len(p.Sigma0) > 0 {
		setup.Sigma0 = append([]float64(nil), p.Sigma0...)
	}
	if err := setup.check(); err != nil {
		return nil, err
	}
	return setup, nil
}

// check catches shape errors before a job is queued rather than when its
// optimiser is initialised.
func (s *Setup) check() error {
	if len(s.X0) != s.dim {
		return &cmaes.DimensionMismatchError{What: "problem.x0", Expected: s.dim, Actual: len(s.X0)}
	}
	if len(s.Sigma0) > 0 && len(s.Sigma0) != s.dim {
		return &cmaes.DimensionMismatchError{What: "problem.sigma0", Expected: s.dim, Actual: len(s.Sigma0)}
	}
	if s.Bounds == nil {
		return nil
	}
	if s.Bounds.Dim() != s.dim {
		return &cmaes.DimensionMismatchError{What: "problem bounds", Expected: s.dim, Actual: s.Bounds.Dim()}
	}
	if !s.Bounds.Contains(s.X0) {
		return &cmaes.InfeasibleStartError{X: s.X0}
	}
	return nil
}

func (p ProblemConfig) buildModel() (*Setup, error) {
	var inner fit.Model
	switch strings.ToLower(p.Name) {
	case "logistic":
		y0 := p.InitialValue
		if y0 == 0 {
			y0 = fit.DefaultInitialValue
		}
		m, err := fit.NewLogisticModel(y0)
		if err != nil {
			return nil, err
		}
		inner = m
	default:
		inner = fit.ExponentialGrowthModel{}
	}

	tr, err := parseTransforms(p.Transforms, inner.ParameterCount())
	if err != nil {
		return nil, err
	}
	model, err := fit.NewTransformedModel(inner, tr)
	if err != nil {
		return nil, err
	}

	times := fit.Linspace(p.Times.Start, p.Times.Stop, p.Times.Count)
	values, err := inner.Simulate(p.TrueParams, times)
	if err != nil {
		return nil, fmt.Errorf("simulating data: %w", err)
	}
	if p.Noise > 0 {
		values, err = fit.AddGaussianNoise(values, p.Noise, rand.New(rand.NewSource(p.DataSeed)))
		if err != nil {
			return nil, err
		}
	}
	problem, err := fit.NewProblem(model, times, values)
	if err != nil {
		return nil, err
	}

	var obj opt.Objective = fit.SumOfSquaresError{Problem: problem}
	if p.Error == "mse" {
		obj = fit.MeanSquaredError{Problem: problem}
	}

	bounds, err := p.bounds()
	if err != nil {
		return nil, err
	}
	x0, err := p.start(bounds, inner.ParameterCount())
	if err != nil {
		return nil, err
	}
	return &Setup{Name: p.Name, Objective: obj, X0: x0, Bounds: bounds, Transform: tr, dim: inner.ParameterCount()}, nil
}

func (p ProblemConfig) buildBenchmark() (*Setup, error) {
	fn, err := bench.Lookup(p.Name, p.Dim)
	if err != nil {
		return nil, err
	}

	own, err := bench.Boundaries(fn)
	if err != nil {
		return nil, err
	}
	bounds, err := p.bounds()
	if err != nil {
		return nil, err
	}
	if bounds == nil {
		bounds = own
	}
	x0, err := p.start(bounds, bounds.Dim())
	if err != nil {
		return nil, err
	}
	return &Setup{Name: fn.Name(), Objective: bench.Objective(fn), X0: x0, Bounds: bounds, dim: own.Dim()}, nil
}

func (p ProblemConfig) bounds() (*cmaes.Boundaries, error) {
	if len(p.Lower) == 0 && len(p.Upper) == 0 {
		return nil, nil
	}
	return cmaes.NewBoundaries(p.Lower, p.Upper)
}

// start returns x0, defaulting to the centre of the boundaries.
func (p ProblemConfig) start(bounds *cmaes.Boundaries, dim int) ([]float64, error) {
	if len(p.X0) > 0 {
		return append([]float64(nil), p.X0...), nil
	}
	if bounds == nil {
		return nil, fmt.Errorf("problem.x0: required when no boundaries are given")
	}
	lower, width := bounds.Lower(), bounds.Range()
	x0 := make([]float64, dim)
	for i := range x0 {
		x0[i] = lower[i] + width[i]/2
	}
	return x0, nil
}

func parseTransforms(names []string, dim int) (fit.ElementwiseTransform, error) {
	if len(names) == 0 {
		names = make([]string, dim)
	}
	parts := make([]fit.ScalarTransform, len(names))
	for i, name := range names {
		switch strings.ToLower(name) {
		case "", "identity":
			parts[i] = fit.Identity()
		case "exp":
			parts[i] = fit.Exp()
		case "log":
			parts[i] = fit.Log()
		case "logit":
			parts[i] = fit.Logit(0, 1)
		default:
			return nil, fmt.Errorf("problem.transforms[%d]: unknown transform %q", i, name)
		}
	}
	return fit.NewElementwiseTransform(parts...), nil
}
