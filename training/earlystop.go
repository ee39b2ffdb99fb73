package training

import "math"

// earlyStop tracks the best validation loss of a training invocation and the
// number of consecutive non-improving epochs.
type earlyStop struct {
	best     float64
	stall    int
	patience int
}

func newEarlyStop(patience int) *earlyStop {
	return &earlyStop{best: math.Inf(1), patience: patience}
}

// Observe records one epoch's validation loss. improved reports a strict
// improvement over the best loss seen so far (which resets the stall
// counter); stop reports that the stall counter reached patience and
// training must terminate immediately.
func (s *earlyStop) Observe(valLoss float64) (improved, stop bool) {
	if valLoss < s.best {
		s.best = valLoss
		s.stall = 0
		return true, false
	}
	s.stall++
	return false, s.stall >= s.patience
}

// Best returns the lowest validation loss observed.
func (s *earlyStop) Best() float64 { return s.best }
