// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package reservoir

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// findEvictionCandidate searches a full slot for the member whose
// replacement by newEntry most increases the slot's diversity score.
// Each candidate subset is built by copying the i entries before
// position i and the remaining entries after it, then appending
// newEntry - never a raw memcpy of the whole backing array, which would
// silently duplicate a pointer instead of dropping the evictee.
// Returns (-1, cached, nil) if no replacement improves on the current
// diversity.
func (r *Reservoir) findEvictionCandidate(slot *EdgeEntry, newEntry *QueueEntry) (int, float64, error) {
	n := len(slot.Entries)
	best := -1
	bestDist := slot.Diversity

	cand := make([]*QueueEntry, n)
	for i := 0; i < n; i++ {
		copy(cand[:i], slot.Entries[:i])
		copy(cand[i:n-1], slot.Entries[i+1:])
		cand[n-1] = newEntry

		dist, err := r.diversityOf(cand)
		if err != nil {
			return -1, 0, err
		}
		if dist > bestDist {
			best = i
			bestDist = dist
		}
	}

	if best == -1 {
		return -1, slot.Diversity, nil
	}
	return best, bestDist, nil
}

// swapInCandidate overwrites evictee in place with cand's content: it
// moves the hash-index membership first, then swaps the in-memory
// buffer, then rewrites the on-disk file, then renames it to record the
// update, and finally repairs any favored pointer that pointed at the
// entry being overwritten. The ordering matters - the file on disk must
// never be observably out of sync with evictee.Buf.
func (r *Reservoir) swapInCandidate(evictee *QueueEntry, cand Candidate, traceMini []byte, compLen int) error {
	oldHash := evictee.InputHash
	r.index.Remove(oldHash, evictee)
	evictee.InputHash = cand.InputHash
	r.index.Insert(cand.InputHash, evictee)

	evictee.Buf = append([]byte(nil), cand.Buf...)
	evictee.TraceMini = append([]byte(nil), traceMini...)
	evictee.CompressedLen = compLen
	evictee.ExecChecksum = cand.ExecCksum
	evictee.CalFailed = false
	evictee.HasNewCov = false

	if evictee.FilePath != "" {
		if err := os.WriteFile(evictee.FilePath, evictee.Buf, 0644); err != nil {
			return fmt.Errorf("reservoir: rewrite %s: %w", evictee.FilePath, err)
		}
		newPath, err := renameWithUpdatedStamp(evictee.FilePath, time.Since(r.startedAt))
		if err != nil {
			return fmt.Errorf("reservoir: stamp %s: %w", evictee.FilePath, err)
		}
		if newPath != evictee.FilePath {
			if err := os.Rename(evictee.FilePath, newPath); err != nil {
				return fmt.Errorf("reservoir: rename %s -> %s: %w", evictee.FilePath, newPath, err)
			}
			evictee.FilePath = newPath
		}
	}

	if evictee.Favored {
		r.repairFavored(evictee)
	}

	return nil
}

// renameWithUpdatedStamp inserts (or replaces) a ",updated:<ms>"
// segment immediately before the ",op:" segment of an AFL-style queue
// filename.
func renameWithUpdatedStamp(path string, elapsed time.Duration) (string, error) {
	opIdx := strings.Index(path, ",op:")
	if opIdx == -1 {
		return "", fmt.Errorf("no ,op: segment in %q", path)
	}
	cut := opIdx
	if updIdx := strings.Index(path, ",updated:"); updIdx != -1 && updIdx < opIdx {
		cut = updIdx
	}
	return fmt.Sprintf("%s,updated:%d%s", path[:cut], elapsed.Milliseconds(), path[opIdx:]), nil
}

// repairFavored clears evictee's favored flag and, for every edge whose
// top-rated pointer targeted it, finds the cheapest remaining member
// across all 8 buckets of that edge to promote in its place. If no
// successor exists anywhere, evictee keeps the flag.
func (r *Reservoir) repairFavored(evictee *QueueEntry) {
	evictee.Favored = false

	for edge := 0; edge < r.cfg.MapSize; edge++ {
		if r.topRated[edge] != evictee {
			continue
		}

		var best *QueueEntry
		var bestScore uint64
		for reps := 0; reps < 8; reps++ {
			slot := &r.edges[8*edge+reps]
			for _, e := range slot.Entries {
				if e == evictee {
					continue
				}
				score := r.favFactorOf(e)
				if best == nil || score < bestScore {
					best = e
					bestScore = score
				}
			}
		}

		if best == nil {
			evictee.Favored = true
			continue
		}

		r.topRated[edge] = nil
		if r.scoreUpdater != nil {
			r.scoreUpdater.UpdateBitmapScore(best.Handle())
		}
		r.topRated[edge] = best
		best.Favored = true
		if !best.WasFuzzed {
			best.WasFuzzed = evictee.WasFuzzed
			best.FuzzLevel = evictee.FuzzLevel
		}
	}
}

func (r *Reservoir) favFactorOf(e *QueueEntry) uint64 {
	if r.favFactor == nil {
		return e.ExecUS
	}
	return r.favFactor.FavFactor(e.Handle())
}
