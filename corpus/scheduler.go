// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import "github.com/go-fuzz-corpus/edgecorpus/collab"

// Score bounds, adapted from the teacher's worker-hub scoring constants:
// every entry's fav_factor is clamped into this range so a single very
// cheap or very expensive execution can't dominate scheduling.
const (
	minScore = 1.0
	maxScore = 1000.0
	defScore = 10.0
)

// DefaultScheduler is a minimal FavFactorGetter/BitmapScoreUpdater
// grounded on the exec-time-based scoring the teacher's worker hub
// used for its own queue: cost is measured in microseconds spent per
// execution, clamped into [minScore, maxScore], with defScore standing
// in for anything this scheduler hasn't measured a cost for yet.
type DefaultScheduler struct {
	execUS map[uint64]uint64
}

// NewDefaultScheduler returns a scheduler with an empty cost table.
func NewDefaultScheduler() *DefaultScheduler {
	return &DefaultScheduler{execUS: make(map[uint64]uint64)}
}

// RecordExecUS lets a caller (typically the calibrator) tell the
// scheduler how expensive an entry turned out to be.
func (s *DefaultScheduler) RecordExecUS(id uint64, us uint64) {
	s.execUS[id] = us
}

// FavFactor implements collab.FavFactorGetter.
func (s *DefaultScheduler) FavFactor(h collab.Handle) uint64 {
	us, ok := s.execUS[h.ID]
	if !ok {
		return defScore
	}
	score := float64(us)
	if score < minScore {
		score = minScore
	}
	if score > maxScore {
		score = maxScore
	}
	return uint64(score)
}

// UpdateBitmapScore implements collab.BitmapScoreUpdater. This
// scheduler keeps no per-edge top-rated state of its own - that
// bookkeeping lives in reservoir.Reservoir, which calls back into this
// method purely to let an external scheduler observe promotions.
func (s *DefaultScheduler) UpdateBitmapScore(h collab.Handle) {}
