package bench

import (
	"context"
	"math"
	"testing"

	"github.com/cwbudde/cmaesfit/internal/opt"
)

func TestOptimaEvaluateToKnownCost(t *testing.T) {
	for _, name := range Names {
		fn, err := Lookup(name, 3)
		if err != nil {
			t.Fatalf("Lookup(%q) failed: %v", name, err)
		}
		for _, p := range fn.Optima() {
			if got := fn.Eval(p.X); math.Abs(got-p.Cost) > 1e-12 {
				t.Errorf("%s: f(%v) = %g, expected %g", fn.Name(), p.X, got, p.Cost)
			}
		}
	}
}

func TestEvalOutsideBounds(t *testing.T) {
	fn := Beale{}
	if !math.IsInf(fn.Eval([]float64{10, 0}), 1) {
		t.Error("Expected +Inf outside bounds")
	}
	if !math.IsInf(Sphere{NDim: 2}.Eval([]float64{1}), 1) {
		t.Error("Expected +Inf for wrong dimension")
	}
}

func TestLookup(t *testing.T) {
	fn, err := Lookup("Rosenbrock", 10)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if fn.Name() != "Rosenbrock_10D" {
		t.Errorf("Unexpected name %q", fn.Name())
	}
	if _, err := Lookup("rosenbrock", 1); err == nil {
		t.Error("Expected error for 1D Rosenbrock")
	}
	if _, err := Lookup("eggholder", 2); err == nil {
		t.Error("Expected error for unknown benchmark")
	}
}

func TestCMAESSolvesBenchmarks(t *testing.T) {
	cases := []struct {
		fn  Func
		x0  []float64
		tol float64
	}{
		{Sphere{NDim: 5}, []float64{1, -2, 3, -1, 2}, 1e-8},
		{Rosenbrock{NDim: 2}, []float64{-1.5, 2}, 1e-6},
		{Beale{}, []float64{1, 1}, 1e-6},
	}

	for _, tc := range cases {
		bounds, err := Boundaries(tc.fn)
		if err != nil {
			t.Fatalf("%s: Boundaries failed: %v", tc.fn.Name(), err)
		}

		config := opt.DefaultConfig()
		config.LogEvery = 0
		config.MaxGenerations = 3000
		config.Window = 50
		config.Seed = 5

		res, err := opt.NewCMAES(config).Run(context.Background(), Objective(tc.fn), tc.x0, nil, bounds)
		if err != nil {
			t.Fatalf("%s: Run failed: %v", tc.fn.Name(), err)
		}
		if res.BestCost > tc.tol {
			t.Errorf("%s: best cost %g above %g (reason %q)", tc.fn.Name(), res.BestCost, tc.tol, res.Reason)
		}
	}
}
