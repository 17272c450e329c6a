package store

import (
	"fmt"
	"math"
	"time"

	"github.com/cwbudde/cmaesfit/internal/cmaes"
	"github.com/cwbudde/cmaesfit/internal/config"
)

// JobConfig is the part of the application config that defines one job.
// It lives here so checkpoints can embed it without importing the server.
type JobConfig struct {
	Optimizer          config.OptimizerConfig `json:"optimizer"`
	Problem            config.ProblemConfig   `json:"problem"`
	CheckpointInterval int                    `json:"checkpointInterval,omitempty"` // Checkpoint every N generations (0 = final only)
}

// Method returns the optimizer name with the default filled in.
func (c JobConfig) Method() string {
	if c.Optimizer.Method == "" {
		return "cmaes"
	}
	return c.Optimizer.Method
}

// Checkpoint is the persisted progress of a job.
//
// For CMA-ES runs State carries the full search distribution (mean, step
// size, covariance, evolution paths, stall history) so a resumed run
// continues where it stopped. Only the random stream is not restored; a
// resumed run draws from a fresh generator seeded from the job config. For
// backends without a distribution State is nil and resume restarts the
// search at BestParams.
type Checkpoint struct {
	JobID string `json:"jobId"`

	// BestParams is the lowest-cost point found so far, in search coordinates
	BestParams []float64 `json:"bestParams"`

	// BestCost is the cost achieved by BestParams
	BestCost float64 `json:"bestCost"`

	// InitialCost is the cost at x0, for tracking improvement
	InitialCost float64 `json:"initialCost"`

	Generation  int `json:"generation"`
	Evaluations int `json:"evaluations"`

	// Reason is the termination reason, empty while the run is in progress
	Reason string `json:"reason,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	// Config rebuilds the problem on resume and guards IsCompatible.
	Config JobConfig `json:"config"`

	State *cmaes.Snapshot `json:"state,omitempty"`
}

// CheckpointInfo contains metadata about a checkpoint without the parameter
// data or search state.
type CheckpointInfo struct {
	JobID       string    `json:"jobId"`
	BestCost    float64   `json:"bestCost"`
	Generation  int       `json:"generation"`
	Evaluations int       `json:"evaluations"`
	Timestamp   time.Time `json:"timestamp"`
	Method      string    `json:"method"`
	Problem     string    `json:"problem"`
	Dim         int       `json:"dim"`
	Reason      string    `json:"reason,omitempty"`
	Resumable   bool      `json:"resumable"`
}

// NewCheckpoint creates a checkpoint from job state. A non-finite initial
// cost cannot be encoded as JSON and is stored as 0.
func NewCheckpoint(jobID string, bestParams []float64, bestCost, initialCost float64, generation, evaluations int, config JobConfig) *Checkpoint {
	if math.IsNaN(initialCost) || math.IsInf(initialCost, 0) {
		initialCost = 0
	}
	return &Checkpoint{
		JobID:       jobID,
		BestParams:  bestParams,
		BestCost:    bestCost,
		InitialCost: initialCost,
		Generation:  generation,
		Evaluations: evaluations,
		Timestamp:   time.Now(),
		Config:      config,
	}
}

// ToInfo drops the parameters and search state.
func (c *Checkpoint) ToInfo() CheckpointInfo {
	return CheckpointInfo{
		JobID:       c.JobID,
		BestCost:    c.BestCost,
		Generation:  c.Generation,
		Evaluations: c.Evaluations,
		Timestamp:   c.Timestamp,
		Method:      c.Config.Method(),
		Problem:     c.Config.Problem.Name,
		Dim:         len(c.BestParams),
		Reason:      c.Reason,
		Resumable:   c.State != nil,
	}
}

// Validate rejects checkpoints that cannot be encoded or resumed: empty or
// non-finite parameters, non-finite costs, or a State that disagrees with
// the checkpoint's dimension or generation.
func (c *Checkpoint) Validate() error {
	if c.JobID == "" {
		return &ValidationError{Field: "JobID", Reason: "cannot be empty"}
	}
	if len(c.BestParams) == 0 {
		return &ValidationError{Field: "BestParams", Reason: "cannot be empty"}
	}
	for _, v := range c.BestParams {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ValidationError{Field: "BestParams", Reason: "must be finite"}
		}
	}
	if math.IsNaN(c.BestCost) || math.IsInf(c.BestCost, 0) {
		return &ValidationError{Field: "BestCost", Reason: "must be finite"}
	}
	if math.IsNaN(c.InitialCost) || math.IsInf(c.InitialCost, 0) {
		return &ValidationError{Field: "InitialCost", Reason: "must be finite"}
	}
	if c.Generation < 0 {
		return &ValidationError{Field: "Generation", Reason: "cannot be negative"}
	}
	if c.Evaluations < 0 {
		return &ValidationError{Field: "Evaluations", Reason: "cannot be negative"}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	if c.Config.Problem.Name == "" {
		return &ValidationError{Field: "Config.Problem.Name", Reason: "cannot be empty"}
	}
	if c.State != nil {
		if c.State.Dim() != len(c.BestParams) {
			return &ValidationError{
				Field:  "State",
				Reason: fmt.Sprintf("dimension mismatch: state has %d, best params %d", c.State.Dim(), len(c.BestParams)),
			}
		}
		if c.State.Generation != c.Generation {
			return &ValidationError{Field: "State.Generation", Reason: "does not match checkpoint generation"}
		}
	}
	return nil
}

// ValidationError names the offending checkpoint field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid checkpoint field %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// IsCompatible reports whether a job with config may continue from c. The
// problem and its dimension must match, and so must the method, since a
// CMA-ES state means nothing to another backend.
func (c *Checkpoint) IsCompatible(config JobConfig) error {
	if c.Config.Problem.Name != config.Problem.Name {
		return &CompatibilityError{
			Field:    "Problem.Name",
			Expected: c.Config.Problem.Name,
			Actual:   config.Problem.Name,
		}
	}
	if c.Config.Problem.Dim != config.Problem.Dim {
		return &CompatibilityError{
			Field:    "Problem.Dim",
			Expected: fmt.Sprintf("%d", c.Config.Problem.Dim),
			Actual:   fmt.Sprintf("%d", config.Problem.Dim),
		}
	}
	if c.Config.Method() != config.Method() {
		return &CompatibilityError{
			Field:    "Optimizer.Method",
			Expected: c.Config.Method(),
			Actual:   config.Method(),
		}
	}
	return nil
}

// CompatibilityError is returned by IsCompatible.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return fmt.Sprintf("checkpoint incompatible: %s is %s, requested %s", e.Field, e.Expected, e.Actual)
}

func (e *CompatibilityError) Is(target error) bool {
	_, ok := target.(*CompatibilityError)
	return ok
}
