package training

import (
	"fmt"
	"math"
)

// TrialFunc trains and scores one learning-rate candidate, returning the
// validation loss of the candidate's best checkpoint.
type TrialFunc func(rate float64) (valLoss float64, err error)

// FindBestRate runs the trial for every candidate learning rate in order and
// returns the rate with the lowest validation loss. The comparison is a
// strict less-than, so on ties the first candidate evaluated wins. Any trial
// error aborts the search.
//
// Trials share whatever checkpoint path the caller's trial closure uses, so
// after the search only the last candidate's checkpoint remains on disk; the
// winning rate is meant to be retrained, not reloaded.
func FindBestRate(rates []float64, trial TrialFunc) (bestRate, bestLoss float64, err error) {
	if len(rates) == 0 {
		return 0, 0, fmt.Errorf("no candidate learning rates")
	}
	bestLoss = math.Inf(1)
	for _, rate := range rates {
		loss, err := trial(rate)
		if err != nil {
			return 0, 0, fmt.Errorf("trial with learning rate %g: %w", rate, err)
		}
		if loss < bestLoss {
			bestLoss = loss
			bestRate = rate
		}
	}
	if math.IsInf(bestLoss, 1) {
		return 0, 0, fmt.Errorf("no trial produced a finite validation loss")
	}
	return bestRate, bestLoss, nil
}
