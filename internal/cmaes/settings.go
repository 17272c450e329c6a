package cmaes

import "math"

// Status is the lifecycle state of an Optimiser.
type Status int

const (
	StatusUninitialised Status = iota
	StatusRunning
	StatusConverged
	StatusStalled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusUninitialised:
		return "uninitialised"
	case StatusRunning:
		return "running"
	case StatusConverged:
		return "converged"
	case StatusStalled:
		return "stalled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further generations will be run.
func (s Status) Terminal() bool {
	return s == StatusConverged || s == StatusStalled || s == StatusFailed
}

// Reason explains why a run stopped.
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonNoSignificantChange  Reason = "no significant change"
	ReasonIllConditioned       Reason = "ill-conditioned"
	ReasonBudgetExhausted      Reason = "budget exhausted"
	ReasonDegeneratePopulation Reason = "degenerate population"
)

// DefaultConditionLimit is the covariance condition number above which the
// search distribution is treated as numerically degenerate.
const DefaultConditionLimit = 1e14

// Settings tunes the optimiser. Zero values select defaults, except for the
// budget caps where zero means unlimited.
type Settings struct {
	// PopulationSize overrides lambda. Zero picks 4 + floor(3 ln d).
	PopulationSize int

	// MaxGenerations caps the number of tell calls (0 = unlimited).
	MaxGenerations int

	// MaxEvaluations limits evaluator calls (0 = unlimited). Stop checks it
	// after each Tell, so a run may end up to lambda-1 calls past it.
	MaxEvaluations int

	Stall StallConfig

	ConditionLimit float64
}

// DefaultSettings returns settings with the standard stall window and
// condition limit and no budget caps.
func DefaultSettings() Settings {
	return Settings{
		Stall:          DefaultStallConfig(),
		ConditionLimit: DefaultConditionLimit,
	}
}

func (s Settings) withDefaults() Settings {
	if s.Stall.Window == 0 && s.Stall.Tolerance == 0 {
		s.Stall = DefaultStallConfig()
	}
	if s.ConditionLimit == 0 {
		s.ConditionLimit = DefaultConditionLimit
	}
	return s
}

func (s Settings) validate() error {
	if s.PopulationSize != 0 && s.PopulationSize < 4 {
		return &InvalidSettingsError{Field: "PopulationSize", Reason: "must be at least 4"}
	}
	if s.MaxGenerations < 0 {
		return &InvalidSettingsError{Field: "MaxGenerations", Reason: "cannot be negative"}
	}
	if s.MaxEvaluations < 0 {
		return &InvalidSettingsError{Field: "MaxEvaluations", Reason: "cannot be negative"}
	}
	if s.Stall.Window < 0 {
		return &InvalidSettingsError{Field: "Stall.Window", Reason: "cannot be negative"}
	}
	if s.Stall.Tolerance < 0 || math.IsNaN(s.Stall.Tolerance) {
		return &InvalidSettingsError{Field: "Stall.Tolerance", Reason: "must be a non-negative number"}
	}
	if !(s.ConditionLimit > 1) {
		return &InvalidSettingsError{Field: "ConditionLimit", Reason: "must exceed 1"}
	}
	return nil
}

// PopulationSize returns the default lambda for dimension d.
func PopulationSize(d int) int {
	if d < 1 {
		return 4
	}
	return max(4, 4+int(math.Floor(3*math.Log(float64(d)))))
}
