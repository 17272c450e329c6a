package opt

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/cwbudde/cmaesfit/internal/cmaes"
)

// Config controls the CMA-ES driver loop.
type Config struct {
	// MaxGenerations is a hard cap on generations (0 = unlimited).
	MaxGenerations int

	// MaxEvaluations limits objective calls (0 = unlimited). It is checked
	// between generations, so the last generation may overshoot it by up to
	// lambda-1 calls.
	MaxEvaluations int

	// Tolerance is the relative improvement below which a generation counts
	// as no significant change.
	Tolerance float64

	// Window is the number of consecutive insignificant generations that end
	// the run.
	Window int

	// LogEvery is the generation interval for progress logs (0 = silent).
	LogEvery int

	// Workers bounds concurrent evaluations within a generation.
	Workers int

	// PopulationSize overrides the default lambda (0 = auto).
	PopulationSize int

	// ConditionLimit is the covariance condition number treated as
	// degenerate (0 = default).
	ConditionLimit float64

	Seed int64

	// Progress, if set, is called after every generation from the driver's
	// goroutine.
	Progress func(Progress)
}

// DefaultConfig returns sensible defaults for the driver
func DefaultConfig() Config {
	stall := cmaes.DefaultStallConfig()
	return Config{
		MaxGenerations: 10000,
		Tolerance:      stall.Tolerance,
		Window:         stall.Window,
		LogEvery:       20,
		Workers:        1,
		ConditionLimit: cmaes.DefaultConditionLimit,
		Seed:           1,
	}
}

func (c Config) settings() cmaes.Settings {
	return cmaes.Settings{
		PopulationSize: c.PopulationSize,
		MaxGenerations: c.MaxGenerations,
		MaxEvaluations: c.MaxEvaluations,
		Stall: cmaes.StallConfig{
			Window:    c.Window,
			Tolerance: c.Tolerance,
		},
		ConditionLimit: c.ConditionLimit,
	}
}

// Progress is reported once per generation.
type Progress struct {
	Generation  int
	Evaluations int
	BestCost    float64
	BestParams  []float64
	Sigma       float64
	Elapsed     time.Duration
	State       cmaes.Snapshot
}

// Driver runs the ask/evaluate/tell loop of a CMA-ES optimiser.
type Driver struct {
	config Config
	evaler Evaler
}

// NewCMAES creates a CMA-ES driver with the given config.
func NewCMAES(config Config) *Driver {
	return &Driver{
		config: config,
		evaler: NewEvaler(config.Workers),
	}
}

// WithEvaler replaces the evaluation strategy.
func (d *Driver) WithEvaler(ev Evaler) *Driver {
	d.evaler = ev
	return d
}

func (d *Driver) Name() string { return "cmaes" }

// Run initialises an optimiser at x0 and iterates until a stopping condition
// fires or ctx is done.
func (d *Driver) Run(ctx context.Context, obj Objective, x0, sigma0 []float64, bounds *cmaes.Boundaries) (*Result, error) {
	o := cmaes.New(rand.New(rand.NewSource(d.config.Seed)), d.config.settings())
	if err := o.Initialise(x0, sigma0, bounds); err != nil {
		return nil, err
	}

	slog.Info("Starting CMA-ES optimization",
		"dim", o.Dim(),
		"population", o.Lambda(),
		"workers", max(d.config.Workers, 1),
		"max_generations", d.config.MaxGenerations,
		"max_evaluations", d.config.MaxEvaluations,
	)
	return d.loop(ctx, obj, o)
}

// Resume continues a run from a saved search distribution.
func (d *Driver) Resume(ctx context.Context, obj Objective, snap cmaes.Snapshot, bounds *cmaes.Boundaries) (*Result, error) {
	o, err := cmaes.Resume(snap, bounds, rand.New(rand.NewSource(d.config.Seed)), d.config.settings())
	if err != nil {
		return nil, err
	}

	slog.Info("Resuming CMA-ES optimization",
		"dim", o.Dim(),
		"generation", o.Generation(),
		"evaluations", o.Evaluations(),
		"best_cost", o.Best().Cost,
	)
	return d.loop(ctx, obj, o)
}

func (d *Driver) loop(ctx context.Context, obj Objective, o *cmaes.Optimiser) (*Result, error) {
	start := time.Now()
	bounds := o.Boundaries()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Optimization cancelled", "generation", o.Generation(), "best_cost", o.Best().Cost)
			res := d.result(o, start, ReasonCancelled)
			res.Status = cmaes.StatusStalled
			return res, ctx.Err()
		default:
		}

		pop := o.Ask()
		points := make([]cmaes.EvaluatedPoint, len(pop))
		feasible := make([][]float64, 0, len(pop))
		index := make([]int, 0, len(pop))
		for i, x := range pop {
			points[i] = cmaes.EvaluatedPoint{X: x, Cost: math.Inf(1)}
			if bounds != nil && !bounds.Contains(x) {
				continue
			}
			feasible = append(feasible, x)
			index = append(index, i)
		}
		if screened := len(pop) - len(feasible); screened > 0 {
			slog.Debug("Screened infeasible candidates", "generation", o.Generation()+1, "count", screened)
		}

		costs := d.evaler.Eval(obj, feasible)
		for j, i := range index {
			points[i].Cost = costs[j]
			points[i].Evaluated = true
		}

		if err := o.Tell(points); err != nil && !cmaes.IsDegenerate(err) {
			return nil, err
		}

		d.report(o, start)

		if stop, reason := o.Stop(); stop {
			return d.result(o, start, reason), nil
		}
	}
}

func (d *Driver) report(o *cmaes.Optimiser, start time.Time) {
	gen := o.Generation()
	best := o.Best()
	elapsed := time.Since(start)

	if d.config.LogEvery > 0 && (gen == 1 || gen%d.config.LogEvery == 0) {
		slog.Info("Generation",
			"generation", gen,
			"evaluations", o.Evaluations(),
			"best_cost", best.Cost,
			"sigma", o.Sigma(),
			"elapsed", elapsed,
		)
	}

	if d.config.Progress != nil {
		d.config.Progress(Progress{
			Generation:  gen,
			Evaluations: o.Evaluations(),
			BestCost:    best.Cost,
			BestParams:  best.X,
			Sigma:       o.Sigma(),
			Elapsed:     elapsed,
			State:       o.Snapshot(),
		})
	}
}

func (d *Driver) result(o *cmaes.Optimiser, start time.Time, reason cmaes.Reason) *Result {
	best := o.Best()
	state := o.Snapshot()
	res := &Result{
		BestParams:  best.X,
		BestCost:    best.Cost,
		Status:      o.Status(),
		Reason:      reason,
		Generations: o.Generation(),
		Evaluations: o.Evaluations(),
		Elapsed:     time.Since(start),
		Degenerate:  reason == cmaes.ReasonDegeneratePopulation,
		State:       &state,
	}
	if len(res.BestParams) == 0 {
		res.BestParams = nil
	}

	if res.Degenerate {
		slog.Warn("Optimization ended with a degenerate population",
			"generation", res.Generations,
			"best_cost", res.BestCost,
			"found", res.Found(),
		)
	} else {
		slog.Info("Optimization complete",
			"reason", string(reason),
			"generations", res.Generations,
			"evaluations", res.Evaluations,
			"best_cost", res.BestCost,
			"elapsed", res.Elapsed,
		)
	}
	return res
}
