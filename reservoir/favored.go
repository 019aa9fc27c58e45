// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package reservoir

import (
	"bytes"

	"github.com/go-fuzz-corpus/edgecorpus/diversity"
)

// FavoredSetReport is the telemetry SetNCDMFavored produces: the
// diversity of its own diversity-maximizing cover, next to the
// diversity of the scheduler's own favored set, for comparison.
type FavoredSetReport struct {
	NCDMFavoredCount      int
	NCDMFavoredNCD        float64
	SchedulerFavoredCount int
	SchedulerFavoredNCD   float64
}

// SetNCDMFavored builds a greedy near-minimum cover of every discovered
// edge in allDiscovered (see bitmap.InvertAndMinimize), maximizing NCD
// among the candidates that add coverage at each step. The first pick,
// when nothing is selected yet, is the smallest-compressed-length
// covering candidate rather than an NCD comparison (NCD of a
// single-element set is always 0, so it cannot rank candidates).
//
// This always uses the true NCD kernel regardless of the reservoir's
// per-slot K, since the favored set spans the whole corpus, not a
// bounded (edge, bucket) slot.
func (r *Reservoir) SetNCDMFavored(allDiscovered []byte) (FavoredSetReport, error) {
	for _, q := range r.arena {
		q.NCDMFavored = false
	}

	covered := make([]byte, len(allDiscovered))
	var selected []*QueueEntry

	for !bytes.Equal(covered, allDiscovered) {
		var best *QueueEntry
		bestNCD := -1.0
		bestCompLen := -1
		found := false

		for _, q := range r.arena {
			if q.Disabled || !tracesAddCoverage(q.TraceMini, covered) {
				continue
			}
			found = true

			if len(selected) == 0 {
				if bestCompLen == -1 || q.CompressedLen < bestCompLen {
					best = q
					bestCompLen = q.CompressedLen
				}
				continue
			}

			ncd, err := diversity.NCD(atomsOf(append(selected, q), r.cfg.AtomKind), r.scratch)
			if err != nil {
				return FavoredSetReport{}, err
			}
			if ncd > bestNCD {
				best = q
				bestNCD = ncd
			}
		}

		if !found {
			r.fatal("reservoir: set_ncdm_favored found no candidate that adds coverage (covered %d/%d bits)",
				popcount(covered), popcount(allDiscovered))
			return FavoredSetReport{}, ErrNoCoveringCandidate
		}

		best.NCDMFavored = true
		orInto(covered, best.TraceMini)
		selected = append(selected, best)
	}

	report := FavoredSetReport{NCDMFavoredCount: len(selected)}
	if len(selected) >= 2 {
		ncd, err := diversity.NCD(atomsOf(selected, r.cfg.AtomKind), r.scratch)
		if err != nil {
			return FavoredSetReport{}, err
		}
		report.NCDMFavoredNCD = ncd
	}

	var scheduled []*QueueEntry
	for _, q := range r.arena {
		if q.Favored {
			scheduled = append(scheduled, q)
		}
	}
	report.SchedulerFavoredCount = len(scheduled)
	if len(scheduled) >= 2 {
		ncd, err := diversity.NCD(atomsOf(scheduled, r.cfg.AtomKind), r.scratch)
		if err != nil {
			return FavoredSetReport{}, err
		}
		report.SchedulerFavoredNCD = ncd
	}

	return report, nil
}

func atomsOf(entries []*QueueEntry, kind AtomKind) [][]byte {
	atoms := make([][]byte, len(entries))
	for i, e := range entries {
		atoms[i] = e.Atom(kind)
	}
	return atoms
}

// tracesAddCoverage reports whether trace has any bit set that covered
// does not.
func tracesAddCoverage(trace, covered []byte) bool {
	for i, t := range trace {
		if t & ^covered[i] != 0 {
			return true
		}
	}
	return false
}

func orInto(dst, src []byte) {
	for i, v := range src {
		dst[i] |= v
	}
}

func popcount(b []byte) int {
	n := 0
	for _, v := range b {
		for v != 0 {
			n += int(v & 1)
			v >>= 1
		}
	}
	return n
}
