package fit

import (
	"fmt"
	"math"

	"github.com/cwbudde/cmaesfit/internal/cmaes"
)

// Model simulates a time series from a parameter vector.
type Model interface {
	// ParameterCount returns the dimension of the parameter space
	ParameterCount() int

	// Simulate evaluates the model at each of the given times
	Simulate(params, times []float64) ([]float64, error)
}

// DefaultInitialValue is the population at t=0 used by the logistic model.
const DefaultInitialValue = 2.0

// LogisticModel is the logistic growth curve
//
//	y(t) = K / (1 + (K/y0 - 1) * exp(-r t))
//
// with parameters [r, K] and a fixed initial value y0.
type LogisticModel struct {
	InitialValue float64
}

// NewLogisticModel creates a logistic model with initial value y0.
func NewLogisticModel(y0 float64) (*LogisticModel, error) {
	if y0 < 0 || math.IsNaN(y0) || math.IsInf(y0, 0) {
		return nil, fmt.Errorf("initial value must be finite and non-negative, got %g", y0)
	}
	return &LogisticModel{InitialValue: y0}, nil
}

func (m *LogisticModel) ParameterCount() int { return 2 }

func (m *LogisticModel) Simulate(params, times []float64) ([]float64, error) {
	if err := checkSimulation(m, params, times); err != nil {
		return nil, err
	}
	r, k := params[0], params[1]
	y0 := m.InitialValue

	values := make([]float64, len(times))
	if k <= 0 || y0 == 0 {
		return values, nil
	}
	c := k/y0 - 1
	for i, t := range times {
		values[i] = k / (1 + c*math.Exp(-r*t))
	}
	return values, nil
}

// ExponentialGrowthModel is y(t) = y0 * exp(r t) with parameters [r, y0].
type ExponentialGrowthModel struct{}

func (ExponentialGrowthModel) ParameterCount() int { return 2 }

func (m ExponentialGrowthModel) Simulate(params, times []float64) ([]float64, error) {
	if err := checkSimulation(m, params, times); err != nil {
		return nil, err
	}
	r, y0 := params[0], params[1]

	values := make([]float64, len(times))
	for i, t := range times {
		values[i] = y0 * math.Exp(r*t)
	}
	return values, nil
}

func checkSimulation(m Model, params, times []float64) error {
	if len(params) != m.ParameterCount() {
		return &cmaes.DimensionMismatchError{What: "parameters", Expected: m.ParameterCount(), Actual: len(params)}
	}
	for _, t := range times {
		if t < 0 || math.IsNaN(t) {
			return fmt.Errorf("times must be non-negative, got %g", t)
		}
	}
	return nil
}
