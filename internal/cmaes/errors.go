package cmaes

import (
	"errors"
	"fmt"
)

// ErrDegeneratePopulation is returned by Tell when every candidate of a
// generation is infeasible or non-finite. The optimiser moves to StatusFailed.
var ErrDegeneratePopulation = errors.New("degenerate population")

// DimensionMismatchError reports disagreeing vector lengths between the
// initial guess, the spread and the boundaries.
type DimensionMismatchError struct {
	What     string
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	if e.What == "" {
		return "dimension mismatch"
	}
	return fmt.Sprintf("dimension mismatch: %s has %d entries, expected %d", e.What, e.Actual, e.Expected)
}

func (e *DimensionMismatchError) Is(target error) bool {
	_, ok := target.(*DimensionMismatchError)
	return ok
}

// InvalidBoundaryError reports a malformed lower/upper pair.
type InvalidBoundaryError struct {
	Index  int
	Reason string
}

func (e *InvalidBoundaryError) Error() string {
	if e.Index < 0 {
		return "invalid boundaries: " + e.Reason
	}
	return fmt.Sprintf("invalid boundaries at index %d: %s", e.Index, e.Reason)
}

func (e *InvalidBoundaryError) Is(target error) bool {
	_, ok := target.(*InvalidBoundaryError)
	return ok
}

// InvalidSettingsError reports an unusable optimiser setting or spread.
type InvalidSettingsError struct {
	Field  string
	Reason string
}

func (e *InvalidSettingsError) Error() string {
	return "invalid settings: " + e.Field + " " + e.Reason
}

func (e *InvalidSettingsError) Is(target error) bool {
	_, ok := target.(*InvalidSettingsError)
	return ok
}

// InfeasibleStartError is returned when the initial guess lies outside the
// boundaries.
type InfeasibleStartError struct {
	X []float64
}

func (e *InfeasibleStartError) Error() string {
	return fmt.Sprintf("initial position %v lies outside the boundaries", e.X)
}

func (e *InfeasibleStartError) Is(target error) bool {
	_, ok := target.(*InfeasibleStartError)
	return ok
}

// PopulationMismatchError is returned by Tell when the evaluated points do
// not correspond to the population handed out by the last Ask.
type PopulationMismatchError struct {
	Reason string
}

func (e *PopulationMismatchError) Error() string {
	return "population mismatch: " + e.Reason
}

func (e *PopulationMismatchError) Is(target error) bool {
	_, ok := target.(*PopulationMismatchError)
	return ok
}
