package opt

import (
	"context"
	"fmt"
	"time"

	"github.com/cwbudde/cmaesfit/internal/cmaes"
)

// ReasonCancelled is reported when the caller's context ends a run between
// generations.
const ReasonCancelled cmaes.Reason = "cancelled"

// Optimizer defines an optimization algorithm interface
type Optimizer interface {
	// Run minimises obj starting from x0 with initial spread sigma0 inside
	// bounds. Configuration and dimension errors are returned before any
	// evaluation; numerical trouble ends the run with a reason instead.
	Run(ctx context.Context, obj Objective, x0, sigma0 []float64, bounds *cmaes.Boundaries) (*Result, error)

	// Name identifies the algorithm in logs and job records.
	Name() string
}

// Result holds the output of an optimization run
type Result struct {
	BestParams  []float64     `json:"bestParams"`
	BestCost    float64       `json:"bestCost"`
	Status      cmaes.Status  `json:"-"`
	Reason      cmaes.Reason  `json:"reason"`
	Generations int           `json:"generations"`
	Evaluations int           `json:"evaluations"`
	Elapsed     time.Duration `json:"elapsed"`

	// Degenerate flags a run that ended because a whole generation was
	// infeasible or non-finite; BestParams then come from earlier generations
	// and may be empty.
	Degenerate bool `json:"degenerate,omitempty"`

	// State is the final search distribution, nil for backends without one.
	State *cmaes.Snapshot `json:"-"`
}

// Found reports whether the run produced a finite best point.
func (r *Result) Found() bool { return len(r.BestParams) > 0 }

// New creates the optimizer registered under method.
func New(method string, config Config) (Optimizer, error) {
	switch method {
	case "", "cmaes":
		return NewCMAES(config), nil
	case "mayfly":
		return NewMayfly(config.MaxGenerations, config.PopulationSize, config.Seed), nil
	default:
		return nil, fmt.Errorf("unknown optimization method: %s", method)
	}
}
