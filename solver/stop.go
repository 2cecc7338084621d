package solver

import "math"

const (
	// DefaultMinDelta is the objective change below which the search stops.
	DefaultMinDelta = 1e-7
	// DefaultMaxIterations caps the number of iterations.
	DefaultMaxIterations = 150
)

// ObjectiveDeltaStop stops the search once the objective stops changing by
// more than MinDelta between iterations, or after MaxIter iterations.
// A MaxIter of 0 disables the iteration cap.
type ObjectiveDeltaStop struct {
	MinDelta float64
	MaxIter  int

	iter int
	prev float64
	used bool
}

// NewObjectiveDeltaStop creates a stop strategy with the given thresholds
func NewObjectiveDeltaStop(minDelta float64, maxIter int) *ObjectiveDeltaStop {
	return &ObjectiveDeltaStop{
		MinDelta: minDelta,
		MaxIter:  maxIter,
	}
}

// ShouldContinue implements StopStrategy. The first call always continues.
func (s *ObjectiveDeltaStop) ShouldContinue(x []float64, objective float64) bool {
	s.iter++

	if s.used {
		if s.MaxIter != 0 && s.iter > s.MaxIter {
			return false
		}
		if math.Abs(objective-s.prev) < s.MinDelta {
			return false
		}
	}

	s.used = true
	s.prev = objective
	return true
}

// Iteration returns how many times ShouldContinue has been called.
func (s *ObjectiveDeltaStop) Iteration() int {
	return s.iter
}
