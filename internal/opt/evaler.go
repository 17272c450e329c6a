package opt

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/sourcegraph/conc/pool"
)

// Evaler evaluates the candidates of one generation and returns their costs
// in input order. It returns only after every candidate has been evaluated.
// Failures never propagate: errors, panics and non-finite results become
// +Inf.
type Evaler interface {
	Eval(obj Objective, points [][]float64) []float64
}

// NewEvaler returns a SerialEvaler for workers <= 1 and a PoolEvaler
// otherwise.
func NewEvaler(workers int) Evaler {
	if workers <= 1 {
		return SerialEvaler{}
	}
	return PoolEvaler{Workers: workers}
}

// SerialEvaler evaluates candidates one after another.
type SerialEvaler struct{}

func (SerialEvaler) Eval(obj Objective, points [][]float64) []float64 {
	costs := make([]float64, len(points))
	for i, x := range points {
		costs[i] = safeEvaluate(obj, x)
	}
	return costs
}

// PoolEvaler dispatches the evaluations of a generation across at most
// Workers goroutines.
type PoolEvaler struct {
	Workers int
}

func (ev PoolEvaler) Eval(obj Objective, points [][]float64) []float64 {
	costs := make([]float64, len(points))

	p := pool.New().WithMaxGoroutines(max(ev.Workers, 1))
	for i, x := range points {
		p.Go(func() {
			costs[i] = safeEvaluate(obj, x)
		})
	}
	p.Wait()

	return costs
}

// safeEvaluate converts evaluator failures into an infinite cost.
func safeEvaluate(obj Objective, x []float64) (cost float64) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("Objective panicked", "x", x, "panic", fmt.Sprint(r))
			cost = math.Inf(1)
		}
	}()

	// the objective gets its own copy so it cannot alter the candidate
	val, err := obj.Evaluate(append([]float64(nil), x...))
	if err != nil {
		slog.Debug("Objective evaluation failed", "x", x, "error", err)
		return math.Inf(1)
	}
	if math.IsNaN(val) || math.IsInf(val, 0) {
		slog.Debug("Objective returned non-finite cost", "x", x, "cost", val)
		return math.Inf(1)
	}
	return val
}
