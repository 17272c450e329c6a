package fit

import (
	"context"
	"log/slog"
	"math"

	"github.com/cwbudde/cmaesfit/internal/cmaes"
	"github.com/cwbudde/cmaesfit/internal/opt"
)

// FitResult holds the output of a fitting run
type FitResult struct {
	*opt.Result
	InitialCost float64
}

// Improvement is the relative cost reduction from the starting point, in
// percent. It is zero when the initial cost is not finite and positive.
func (r *FitResult) Improvement() float64 {
	if !(r.InitialCost > 0) || math.IsInf(r.InitialCost, 0) || !r.Found() {
		return 0
	}
	return (r.InitialCost - r.BestCost) / r.InitialCost * 100
}

// ModelParams maps the best search-space point back through t.
func (r *FitResult) ModelParams(t Transform) []float64 {
	if !r.Found() {
		return nil
	}
	if t == nil {
		return append([]float64(nil), r.BestParams...)
	}
	return t.ToModel(r.BestParams)
}

// dimensioned is implemented by objectives that know their parameter count.
type dimensioned interface {
	Dim() int
}

// Fit minimises obj with the given optimizer, recording the cost at x0 so
// the caller can report the improvement.
func Fit(ctx context.Context, obj opt.Objective, optimizer opt.Optimizer, x0, sigma0 []float64, bounds *cmaes.Boundaries) (*FitResult, error) {
	if err := checkDim(obj, x0); err != nil {
		return nil, err
	}
	initialCost, err := obj.Evaluate(append([]float64(nil), x0...))
	if err != nil || math.IsNaN(initialCost) {
		slog.Debug("Initial point could not be evaluated", "error", err)
		initialCost = math.Inf(1)
	}
	return FitFrom(ctx, obj, optimizer, x0, sigma0, bounds, initialCost)
}

// FitFrom is Fit for callers that already evaluated x0.
func FitFrom(ctx context.Context, obj opt.Objective, optimizer opt.Optimizer, x0, sigma0 []float64, bounds *cmaes.Boundaries, initialCost float64) (*FitResult, error) {
	if err := checkDim(obj, x0); err != nil {
		return nil, err
	}

	slog.Info("Starting fit", "method", optimizer.Name(), "dim", len(x0), "initial_cost", initialCost)

	res, err := optimizer.Run(ctx, obj, x0, sigma0, bounds)
	if res == nil {
		return nil, err
	}

	out := &FitResult{Result: res, InitialCost: initialCost}
	slog.Info("Fit complete",
		"initial_cost", initialCost,
		"best_cost", res.BestCost,
		"improvement_pct", out.Improvement(),
		"reason", string(res.Reason),
	)
	return out, err
}

func checkDim(obj opt.Objective, x0 []float64) error {
	if d, ok := obj.(dimensioned); ok && d.Dim() != len(x0) {
		return &cmaes.DimensionMismatchError{What: "x0", Expected: d.Dim(), Actual: len(x0)}
	}
	return nil
}
