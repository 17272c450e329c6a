package opt

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/cwbudde/cmaesfit/internal/cmaes"
)

func quietConfig() Config {
	config := DefaultConfig()
	config.LogEvery = 0
	return config
}

func TestDriverSphere(t *testing.T) {
	config := quietConfig()
	config.MaxGenerations = 1000
	config.Seed = 7

	res, err := NewCMAES(config).Run(context.Background(), ObjectiveFunc(sphere), []float64{1, 1, 1, 1}, nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.BestCost > 1e-8 {
		t.Errorf("Expected cost below 1e-8, got %g after %d generations", res.BestCost, res.Generations)
	}
	if res.State == nil || res.State.Generation != res.Generations {
		t.Error("Expected final state to match the reported generation")
	}
	if !res.Found() {
		t.Error("Expected a best point")
	}
}

func TestDriverScreensInfeasibleCandidates(t *testing.T) {
	bounds := cube(t, 2, 0, 1)

	var violations atomic.Int64
	counter := NewCountingObjective(ObjectiveFunc(func(x []float64) float64 {
		if !bounds.Contains(x) {
			violations.Add(1)
		}
		return sphere(x)
	}))

	config := quietConfig()
	config.MaxGenerations = 20
	res, err := NewCMAES(config).Run(context.Background(), counter, []float64{0.5, 0.5}, []float64{2, 2}, bounds)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if violations.Load() != 0 {
		t.Errorf("Objective called on %d out-of-bounds points", violations.Load())
	}
	if res.Evaluations != counter.Count() {
		t.Errorf("Reported %d evaluations, objective saw %d", res.Evaluations, counter.Count())
	}
	if res.Found() && !bounds.Contains(res.BestParams) {
		t.Errorf("Best point %v outside bounds", res.BestParams)
	}
}

func TestDriverEvaluationBudgetOvershoot(t *testing.T) {
	config := quietConfig()
	config.MaxEvaluations = 50
	counter := NewCountingObjective(ObjectiveFunc(sphere))

	res, err := NewCMAES(config).Run(context.Background(), counter, []float64{1, 1, 1}, nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Reason != cmaes.ReasonBudgetExhausted {
		t.Errorf("Expected budget exhausted, got %q", res.Reason)
	}
	lambda := cmaes.PopulationSize(3)
	if res.Evaluations < config.MaxEvaluations || res.Evaluations > config.MaxEvaluations+lambda-1 {
		t.Errorf("Expected %d..%d evaluations, got %d", config.MaxEvaluations, config.MaxEvaluations+lambda-1, res.Evaluations)
	}
	if res.Evaluations != counter.Count() {
		t.Errorf("Reported %d evaluations, objective saw %d", res.Evaluations, counter.Count())
	}
}

func TestDriverDegeneratePopulation(t *testing.T) {
	nan := ObjectiveFunc(func([]float64) float64 { return math.NaN() })

	res, err := NewCMAES(quietConfig()).Run(context.Background(), nan, []float64{1, 2, 3}, nil, nil)
	if err != nil {
		t.Fatalf("Degenerate run should not return an error, got %v", err)
	}
	if !res.Degenerate {
		t.Error("Expected Degenerate flag")
	}
	if res.Reason != cmaes.ReasonDegeneratePopulation || res.Status != cmaes.StatusFailed {
		t.Errorf("Expected failed/degenerate, got %v/%q", res.Status, res.Reason)
	}
	if res.Generations != 1 {
		t.Errorf("Expected 1 generation, got %d", res.Generations)
	}
	if res.Found() {
		t.Errorf("Expected no best point, got %v", res.BestParams)
	}
}

func TestDriverCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int
	config := quietConfig()
	config.Progress = func(p Progress) {
		calls++
		if p.Generation == 3 {
			cancel()
		}
	}

	res, err := NewCMAES(config).Run(ctx, ObjectiveFunc(sphere), []float64{3, 3}, nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if res == nil {
		t.Fatal("Expected best-so-far result on cancellation")
	}
	if res.Reason != ReasonCancelled {
		t.Errorf("Expected reason %q, got %q", ReasonCancelled, res.Reason)
	}
	if res.Generations != 3 || calls != 3 {
		t.Errorf("Expected 3 generations and 3 progress calls, got %d and %d", res.Generations, calls)
	}
	if !res.Found() {
		t.Error("Expected best-so-far parameters")
	}
}

func TestDriverDeterministicAcrossEvalers(t *testing.T) {
	config := quietConfig()
	config.MaxGenerations = 40
	config.Seed = 99

	x0 := []float64{2, -1, 0.5}
	serial, err := NewCMAES(config).Run(context.Background(), ObjectiveFunc(sphere), x0, nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	parallel, err := NewCMAES(config).WithEvaler(PoolEvaler{Workers: 4}).Run(context.Background(), ObjectiveFunc(sphere), x0, nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if serial.BestCost != parallel.BestCost || !reflect.DeepEqual(serial.BestParams, parallel.BestParams) {
		t.Errorf("Results differ: %v (%g) vs %v (%g)", serial.BestParams, serial.BestCost, parallel.BestParams, parallel.BestCost)
	}
}

func TestDriverResume(t *testing.T) {
	config := quietConfig()
	config.MaxGenerations = 10

	first, err := NewCMAES(config).Run(context.Background(), ObjectiveFunc(sphere), []float64{2, 2}, nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if first.Reason != cmaes.ReasonBudgetExhausted {
		t.Fatalf("Expected budget stop, got %q", first.Reason)
	}

	config.MaxGenerations = 30
	second, err := NewCMAES(config).Resume(context.Background(), ObjectiveFunc(sphere), *first.State, nil)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	if second.Generations != 30 {
		t.Errorf("Expected generation counter to continue to 30, got %d", second.Generations)
	}
	if second.Evaluations <= first.Evaluations {
		t.Errorf("Expected evaluations to continue from %d, got %d", first.Evaluations, second.Evaluations)
	}
	if second.BestCost > first.BestCost {
		t.Errorf("Resumed best %g worse than checkpointed %g", second.BestCost, first.BestCost)
	}
}

func TestDriverRejectsInvalidInput(t *testing.T) {
	bounds := cube(t, 2, 0, 1)

	_, err := NewCMAES(quietConfig()).Run(context.Background(), ObjectiveFunc(sphere), []float64{0.5}, nil, bounds)
	if !errors.Is(err, &cmaes.DimensionMismatchError{}) {
		t.Errorf("Expected DimensionMismatchError, got %v", err)
	}

	_, err = NewCMAES(quietConfig()).Run(context.Background(), ObjectiveFunc(sphere), []float64{2, 2}, nil, bounds)
	if !errors.Is(err, &cmaes.InfeasibleStartError{}) {
		t.Errorf("Expected InfeasibleStartError, got %v", err)
	}
}
