package training

import "math"

// PlateauScheduler lowers the learning rate when a minimized metric stops
// improving. Improvement means metric < best*(1-threshold). After more than
// patience consecutive epochs without improvement the rate is multiplied by
// factor, floored at minLR, and the counter resets.
type PlateauScheduler struct {
	lr        float64
	factor    float64
	patience  int
	threshold float64
	minLR     float64
	eps       float64

	best   float64
	numBad int
}

// NewPlateauScheduler creates a scheduler starting at lr
func NewPlateauScheduler(lr, factor float64, patience int, threshold, minLR float64) *PlateauScheduler {
	return &PlateauScheduler{
		lr:        lr,
		factor:    factor,
		patience:  patience,
		threshold: threshold,
		minLR:     minLR,
		eps:       1e-8,
		best:      math.Inf(1),
	}
}

// LR returns the current learning rate
func (s *PlateauScheduler) LR() float64 { return s.lr }

// Step records one epoch's metric and returns the learning rate for the next
// epoch and whether it was reduced.
func (s *PlateauScheduler) Step(metric float64) (float64, bool) {
	if metric < s.best*(1-s.threshold) {
		s.best = metric
		s.numBad = 0
	} else {
		s.numBad++
	}

	if s.numBad <= s.patience {
		return s.lr, false
	}
	s.numBad = 0
	next := math.Max(s.lr*s.factor, s.minLR)
	if s.lr-next <= s.eps {
		return s.lr, false
	}
	s.lr = next
	return s.lr, true
}
