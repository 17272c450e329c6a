package cmaes

import (
	"log/slog"
	"math"
)

// StallConfig defines when the best cost counts as no longer changing.
type StallConfig struct {
	// Window is the number of consecutive generations without significant
	// improvement after which the run is considered converged.
	Window int

	// Tolerance is the minimum relative improvement that counts as progress:
	// (lastSignificant - cost) / |lastSignificant| must exceed it.
	Tolerance float64
}

// DefaultStallConfig returns the defaults used by the driver.
func DefaultStallConfig() StallConfig {
	return StallConfig{
		Window:    200,
		Tolerance: 1e-11,
	}
}

// StallTracker records the best cost once per generation and detects when it
// has stopped improving. Only the most recent Window costs are kept.
type StallTracker struct {
	config          StallConfig
	history         []float64
	seen            bool
	lastSignificant float64
	staleCount      int
}

// NewStallTracker creates a tracker with the given config.
func NewStallTracker(config StallConfig) *StallTracker {
	return &StallTracker{
		config:          config,
		lastSignificant: math.Inf(1),
	}
}

// Update records the best cost of a generation and reports whether the
// window of insignificant changes has been filled.
func (s *StallTracker) Update(cost float64) bool {
	s.history = append(s.history, cost)
	if limit := max(s.config.Window, 1); len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}

	if !s.seen {
		s.seen = true
		s.lastSignificant = cost
		return s.stalled()
	}

	if s.significant(cost) {
		s.lastSignificant = cost
		s.staleCount = 0
		return false
	}

	s.staleCount++
	slog.Debug("No significant cost change",
		"cost", cost,
		"last_significant", s.lastSignificant,
		"stale_count", s.staleCount,
		"window", s.config.Window,
	)
	return s.stalled()
}

func (s *StallTracker) significant(cost float64) bool {
	last := s.lastSignificant
	if math.IsInf(last, 1) {
		return !math.IsInf(cost, 1)
	}
	if math.IsInf(cost, 1) {
		return false
	}
	return last-cost > s.config.Tolerance*math.Abs(last)
}

func (s *StallTracker) stalled() bool {
	return s.config.Window > 0 && s.staleCount >= s.config.Window
}

// StaleCount returns the number of generations since the last significant
// improvement.
func (s *StallTracker) StaleCount() int { return s.staleCount }

// History returns a copy of the recorded best costs.
func (s *StallTracker) History() []float64 {
	return append([]float64{}, s.history...)
}

func (s *StallTracker) restore(lastSignificant float64, staleCount int, history []float64) {
	s.seen = len(history) > 0
	s.lastSignificant = lastSignificant
	s.staleCount = staleCount
	s.history = append([]float64{}, history...)
}
