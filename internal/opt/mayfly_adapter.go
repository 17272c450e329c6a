package opt

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/cwbudde/cmaesfit/internal/cmaes"
	"github.com/cwbudde/mayfly"
)

// MayflyAdapter wraps the external Mayfly library to conform to our Optimizer interface.
// Mayfly only supports scalar bounds, so the search runs in the unit cube and
// every candidate is mapped onto the boundaries before evaluation.
type MayflyAdapter struct {
	maxIters int
	popSize  int
	seed     int64
}

// minMayflyPop is the smallest population mayfly v0.1.0 accepts.
const minMayflyPop = 20

// NewMayfly creates a new Mayfly optimizer adapter
func NewMayfly(maxIters, popSize int, seed int64) *MayflyAdapter {
	if maxIters <= 0 {
		maxIters = 100
	}
	return &MayflyAdapter{
		maxIters: maxIters,
		popSize:  max(popSize, minMayflyPop),
		seed:     seed,
	}
}

func (m *MayflyAdapter) Name() string { return "mayfly" }

// Run executes the Mayfly optimization using the external library. x0 only
// fixes the dimension and sigma0 is ignored.
func (m *MayflyAdapter) Run(ctx context.Context, obj Objective, x0, sigma0 []float64, bounds *cmaes.Boundaries) (*Result, error) {
	if bounds == nil {
		return nil, &cmaes.InvalidBoundaryError{Index: -1, Reason: "mayfly requires boundaries"}
	}
	dim := bounds.Dim()
	if len(x0) != dim {
		return nil, &cmaes.DimensionMismatchError{What: "x0", Expected: dim, Actual: len(x0)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lower := bounds.Lower()
	width := bounds.Range()
	toModel := func(u []float64) []float64 {
		x := make([]float64, dim)
		for i := range x {
			x[i] = lower[i] + u[i]*width[i]
		}
		return bounds.Clamp(x)
	}

	var evaluations atomic.Int64
	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = func(u []float64) float64 {
		evaluations.Add(1)
		return safeEvaluate(obj, toModel(u))
	}
	config.ProblemSize = dim
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize
	config.LowerBound = 0
	config.UpperBound = 1

	// Set random seed for reproducibility
	config.Rand = rand.New(rand.NewSource(m.seed))

	slog.Info("Starting mayfly optimization", "dim", dim, "population", m.popSize, "iterations", m.maxIters)

	start := time.Now()
	result, err := mayfly.Optimize(config)
	if err != nil {
		return nil, fmt.Errorf("mayfly optimization failed: %w", err)
	}

	res := &Result{
		BestParams:  toModel(result.GlobalBest.Position),
		BestCost:    result.GlobalBest.Cost,
		Status:      cmaes.StatusStalled,
		Reason:      cmaes.ReasonBudgetExhausted,
		Generations: m.maxIters,
		Evaluations: int(evaluations.Load()),
		Elapsed:     time.Since(start),
	}

	slog.Info("Optimization complete",
		"method", m.Name(),
		"evaluations", res.Evaluations,
		"best_cost", res.BestCost,
		"elapsed", res.Elapsed,
	)
	return res, nil
}
