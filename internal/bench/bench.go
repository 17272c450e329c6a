// Package bench provides benchmark objectives with known optima for
// exercising the optimisers, see
// http://en.wikipedia.org/wiki/Test_functions_for_optimization.
package bench

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize/functions"

	"github.com/cwbudde/cmaesfit/internal/cmaes"
	"github.com/cwbudde/cmaesfit/internal/opt"
)

type Func interface {
	Eval(v []float64) float64
	Bounds() (low, up []float64)
	Optima() []cmaes.EvaluatedPoint
	Name() string
}

// Names lists the benchmarks Lookup understands.
var Names = []string{"sphere", "rosenbrock", "beale", "ackley"}

// Lookup returns the benchmark called name. dim is ignored by fixed
// two-dimensional functions.
func Lookup(name string, dim int) (Func, error) {
	if dim <= 0 {
		dim = 2
	}
	switch strings.ToLower(name) {
	case "sphere":
		return Sphere{NDim: dim}, nil
	case "rosenbrock":
		if dim < 2 {
			return nil, fmt.Errorf("rosenbrock needs at least 2 dimensions, got %d", dim)
		}
		return Rosenbrock{NDim: dim}, nil
	case "beale":
		return Beale{}, nil
	case "ackley":
		return Ackley{}, nil
	default:
		return nil, fmt.Errorf("unknown benchmark %q (want one of %s)", name, strings.Join(Names, ", "))
	}
}

// Objective adapts fn to the optimiser's objective interface.
func Objective(fn Func) opt.Objective { return opt.ObjectiveFunc(fn.Eval) }

// Boundaries returns the search box of fn.
func Boundaries(fn Func) (*cmaes.Boundaries, error) {
	return cmaes.NewBoundaries(fn.Bounds())
}

type Sphere struct {
	NDim int
}

func (fn Sphere) Name() string { return fmt.Sprintf("Sphere_%vD", fn.NDim) }

func (fn Sphere) Eval(x []float64) float64 {
	if !InsideBounds(x, fn) {
		return math.Inf(1)
	}
	return floats.Dot(x, x)
}

func (fn Sphere) Bounds() (low, up []float64) { return box(fn.NDim, -5, 5) }

func (fn Sphere) Optima() []cmaes.EvaluatedPoint {
	return []cmaes.EvaluatedPoint{{X: make([]float64, fn.NDim), Cost: 0}}
}

type Rosenbrock struct {
	NDim int
}

func (fn Rosenbrock) Name() string { return fmt.Sprintf("Rosenbrock_%vD", fn.NDim) }

func (fn Rosenbrock) Eval(x []float64) float64 {
	if !InsideBounds(x, fn) {
		return math.Inf(1)
	}
	return functions.ExtendedRosenbrock{}.Func(x)
}

func (fn Rosenbrock) Bounds() (low, up []float64) { return box(fn.NDim, -5, 10) }

func (fn Rosenbrock) Optima() []cmaes.EvaluatedPoint {
	pos := make([]float64, fn.NDim)
	for i := range pos {
		pos[i] = 1
	}
	return []cmaes.EvaluatedPoint{{X: pos, Cost: 0}}
}

type Beale struct{}

func (fn Beale) Name() string { return "Beale" }

func (fn Beale) Eval(v []float64) float64 {
	if !InsideBounds(v, fn) {
		return math.Inf(1)
	}
	return functions.Beale{}.Func(v)
}

func (fn Beale) Bounds() (low, up []float64) { return box(2, -4.5, 4.5) }

func (fn Beale) Optima() []cmaes.EvaluatedPoint {
	return []cmaes.EvaluatedPoint{{X: []float64{3, 0.5}, Cost: 0}}
}

type Ackley struct{}

func (fn Ackley) Name() string { return "Ackley" }

func (fn Ackley) Eval(v []float64) float64 {
	if !InsideBounds(v, fn) {
		return math.Inf(1)
	}

	x := v[0]
	y := v[1]
	return -20*math.Exp(-0.2*math.Sqrt(0.5*(x*x+y*y))) -
		math.Exp(0.5*(math.Cos(2*math.Pi*x)+math.Cos(2*math.Pi*y))) +
		20 + math.E
}

func (fn Ackley) Bounds() (low, up []float64) { return box(2, -5, 5) }

func (fn Ackley) Optima() []cmaes.EvaluatedPoint {
	return []cmaes.EvaluatedPoint{{X: []float64{0, 0}, Cost: 0}}
}

func InsideBounds(p []float64, fn Func) bool {
	low, up := fn.Bounds()
	if len(p) != len(low) {
		return false
	}
	for i := range p {
		if p[i] < low[i] || p[i] > up[i] {
			return false
		}
	}
	return true
}

func box(n int, lo, hi float64) (low, up []float64) {
	low = make([]float64, n)
	up = make([]float64, n)
	for i := range low {
		low[i] = lo
		up[i] = hi
	}
	return low, up
}
