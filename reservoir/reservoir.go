// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package reservoir

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-fuzz-corpus/edgecorpus/bitmap"
	"github.com/go-fuzz-corpus/edgecorpus/collab"
	"github.com/go-fuzz-corpus/edgecorpus/diversity"
	"github.com/go-fuzz-corpus/edgecorpus/hashindex"
)

// ErrInvariant is returned when a Reservoir invariant is violated in a
// way that cannot be safely recovered from inline.
var ErrInvariant = errors.New("reservoir: invariant violation")

// ErrNoCoveringCandidate is returned by SetNCDMFavored when no
// remaining entry adds coverage, even though the target has not been
// fully covered - a corpus/virgin-map inconsistency upstream.
var ErrNoCoveringCandidate = errors.New("reservoir: no candidate adds coverage")

// Config fixes the parameters that must stay constant for the lifetime
// of a Reservoir.
type Config struct {
	MapSize int
	// K is the maximum number of entries kept per (edge, bucket) slot.
	// The default is 32, using the NCD kernel. K == 2 switches the
	// eviction and slot-diversity kernel to normalized Levenshtein
	// distance instead.
	K int
	// AtomKind selects what bytes the diversity kernels operate on.
	// Fixed for the run: mixing kinds would make cached compressed
	// lengths incomparable.
	AtomKind AtomKind
}

// Reservoir is the per-(edge, bucket) reservoir of queue entries plus
// the bookkeeping (input-hash index, favored-pointer table) needed to
// keep eviction and favored-set repair correct.
type Reservoir struct {
	cfg     Config
	edges   []EdgeEntry // len == MapSize*8
	index   *hashindex.Index
	scratch *diversity.Scratch
	arena   []*QueueEntry
	nextID  uint64

	topRated []*QueueEntry // len == MapSize; per-edge favored pointer

	favFactor    collab.FavFactorGetter
	scoreUpdater collab.BitmapScoreUpdater
	calibrator   collab.Calibrator

	totalExecs            uint64
	pendingEdgeEntries    uint64
	discoveredEdgeEntries uint64
	cycle                 int

	startedAt time.Time

	fatal func(format string, args ...any)
}

// New constructs a Reservoir. favFactor, scoreUpdater, and calibrator
// may be nil in tests that never exercise the full-slot eviction/
// favored-repair/calibration paths.
func New(cfg Config, favFactor collab.FavFactorGetter, scoreUpdater collab.BitmapScoreUpdater, calibrator collab.Calibrator) *Reservoir {
	if cfg.K <= 0 {
		cfg.K = 32
	}
	r := &Reservoir{
		cfg:          cfg,
		edges:        make([]EdgeEntry, cfg.MapSize*8),
		index:        hashindex.New(),
		scratch:      diversity.NewScratch(),
		topRated:     make([]*QueueEntry, cfg.MapSize),
		favFactor:    favFactor,
		scoreUpdater: scoreUpdater,
		calibrator:   calibrator,
		startedAt:    time.Now(),
		fatal:        defaultFatal,
	}
	for i := range r.edges {
		r.edges[i] = EdgeEntry{EdgeIndex: i / 8, Bucket: i % 8}
	}
	return r
}

func defaultFatal(format string, args ...any) {
	panic(fmt.Sprintf(format, args...))
}

// SetFatal overrides the panic-on-invariant-violation hook, primarily
// for tests that want to assert on the error instead of recovering a
// panic.
func (r *Reservoir) SetFatal(f func(format string, args ...any)) { r.fatal = f }

// SetTotalExecs records the fuzzer's running execution counter, used to
// stamp DiscoveryExec on newly created edge slots.
func (r *Reservoir) SetTotalExecs(n uint64) { r.totalExecs = n }

// SetCycle records the fuzzer's current queue cycle, passed through to
// Calibrator.Calibrate.
func (r *Reservoir) SetCycle(n int) { r.cycle = n }

// TopRated returns the entry currently favored for edge, or nil.
func (r *Reservoir) TopRated(edge int) *QueueEntry { return r.topRated[edge] }

// SetTopRated registers entry as the scheduler's favored pick for edge.
// Called by the (out-of-scope) scheduler once it has picked a winner;
// Reservoir only needs read access to repair it on eviction.
func (r *Reservoir) SetTopRated(edge int, entry *QueueEntry) {
	r.topRated[edge] = entry
	if entry != nil {
		entry.Favored = true
	}
}

// Arena returns every queue entry the reservoir has ever created, in
// creation order. Used by the favored-set builder and by stats.
func (r *Reservoir) Arena() []*QueueEntry { return r.arena }

// SetFilePathForHash stamps path onto every entry currently registered
// under sig. Called once a candidate accepted by SaveToEdgeEntries has
// actually been written to disk, so a later eviction knows a file
// exists to rewrite and rename.
func (r *Reservoir) SetFilePathForHash(sig hashindex.Sig, path string) {
	for _, e := range r.index.Lookup(sig) {
		if q, ok := e.(*QueueEntry); ok {
			q.FilePath = path
		}
	}
}

func bucketOf(classified byte) int { return bitmap.BucketOf(classified) }

func shouldEvaluateNCD(hitCount uint64) bool {
	switch {
	case hitCount <= 10:
		return true
	case hitCount <= 100:
		return hitCount%10 == 0
	case hitCount <= 10000:
		return hitCount%100 == 0
	default:
		return hitCount%1000 == 0
	}
}

// Candidate is the not-yet-a-queue-entry payload SaveToEdgeEntries
// evaluates: the buffer that produced classifiedTrace, plus its content
// hash and (if already known, e.g. after calibration) exec checksum.
type Candidate struct {
	Buf       []byte
	InputHash hashindex.Sig
	ExecCksum uint64
}

func (r *Reservoir) computeTraceMini(classifiedTrace []byte) []byte {
	dst := make([]byte, bitmap.MinimizedLen(len(classifiedTrace)))
	bitmap.Minimize(dst, classifiedTrace)
	return dst
}

func (r *Reservoir) atomBytesFor(buf, traceMini []byte) []byte {
	if r.cfg.AtomKind == AtomMinifiedTrace {
		return traceMini
	}
	return buf
}

// diversityOf computes the configured diversity kernel over entries: the
// NCD kernel in general, or normalized Levenshtein between exactly two
// entries when the reservoir is configured with K == 2.
func (r *Reservoir) diversityOf(entries []*QueueEntry) (float64, error) {
	if r.cfg.K == 2 {
		if len(entries) != 2 {
			r.fatal("reservoir: levenshtein kernel requires exactly 2 entries, got %d", len(entries))
			return 0, ErrInvariant
		}
		return diversity.NormalizedLevenshtein(entries[0].Atom(r.cfg.AtomKind), entries[1].Atom(r.cfg.AtomKind)), nil
	}
	atoms := make([][]byte, len(entries))
	for i, e := range entries {
		atoms[i] = e.Atom(r.cfg.AtomKind)
	}
	return diversity.NCD(atoms, r.scratch)
}

// SaveToEdgeEntries walks classifiedTrace (already Classify'd) one
// (edge, bucket) slot at a time. For every slot the trace hits it either
// admits cand as a brand new member (slot not yet full), skips it as a
// content duplicate of a member already present, or - once the slot is
// full - runs the rate-limited eviction search. It returns true if cand
// was inserted into at least one slot.
//
// The slot that creates a new QueueEntry for cand runs calibration (if a
// Calibrator is configured). cand lands in at most one slot per call:
// once it has been inserted or swapped in, every later slot the trace
// hits is skipped as a content duplicate, so calibration runs at most
// once and no further sibling entry is created.
func (r *Reservoir) SaveToEdgeEntries(classifiedTrace []byte, cand Candidate, newBits bitmap.NoveltyGrade) (bool, error) {
	if len(r.edges) == 0 {
		r.fatal("reservoir: SaveToEdgeEntries called before New")
		return false, ErrInvariant
	}

	var traceMini []byte
	var traceMiniReady bool
	ensureTraceMini := func() []byte {
		if !traceMiniReady {
			traceMini = r.computeTraceMini(classifiedTrace)
			traceMiniReady = true
		}
		return traceMini
	}

	var candCompLen int
	var candCompLenReady bool
	ensureCandCompLen := func() (int, error) {
		if candCompLenReady {
			return candCompLen, nil
		}
		atom := r.atomBytesFor(cand.Buf, ensureTraceMini())
		n, err := r.scratch.Compress(atom)
		if err != nil {
			return 0, err
		}
		candCompLen = n
		candCompLenReady = true
		return candCompLen, nil
	}

	// Calibration runs at most once per call, for the one slot the
	// candidate is inserted into as a new entry.
	var cal collab.CalibrationResult
	var calRun bool
	ensureCalibration := func() collab.CalibrationResult {
		if !calRun {
			if r.calibrator != nil {
				cal = r.calibrator.Calibrate(collab.Handle{Buf: cand.Buf}, r.cycle)
			}
			calRun = true
		}
		return cal
	}

	inserted := false
	seenDuplicate := r.index.Count(cand.InputHash) > 0

	for edge, v := range classifiedTrace {
		if v == 0 {
			continue
		}
		slotIdx := 8*edge + bucketOf(v)
		slot := &r.edges[slotIdx]
		slot.HitCount++

		if slot.entryHasHash(cand.InputHash) {
			continue
		}

		if len(slot.Entries) < r.cfg.K {
			if len(slot.Entries) == 0 {
				slot.DiscoveryExec = r.totalExecs
				r.discoveredEdgeEntries++
			}
			if seenDuplicate {
				// This atom's bytes are already elsewhere in the corpus;
				// don't let a pure duplicate occupy a fresh slot.
				continue
			}

			compLen, err := ensureCandCompLen()
			if err != nil {
				r.fatal("reservoir: %v", err)
				return inserted, err
			}
			entry := r.newEntry(cand, ensureTraceMini(), compLen, ensureCalibration())
			slot.Entries = append(slot.Entries, entry)
			if len(slot.Entries) >= 2 {
				d, err := r.diversityOf(slot.Entries)
				if err != nil {
					r.fatal("reservoir: %v", err)
					return inserted, err
				}
				slot.Diversity = d
			}
			inserted = true
			seenDuplicate = true
			continue
		}

		if seenDuplicate {
			continue
		}

		if evictIdx := firstDuplicateMember(slot.Entries); evictIdx != -1 {
			compLen, err := ensureCandCompLen()
			if err != nil {
				r.fatal("reservoir: %v", err)
				return inserted, err
			}
			if err := r.swapInCandidate(slot.Entries[evictIdx], cand, ensureTraceMini(), compLen); err != nil {
				r.fatal("reservoir: %v", err)
				return inserted, err
			}
			d, err := r.diversityOf(slot.Entries)
			if err != nil {
				r.fatal("reservoir: %v", err)
				return inserted, err
			}
			slot.Diversity = d
			seenDuplicate = true
			inserted = true
			continue
		}

		if !shouldEvaluateNCD(slot.HitCount) {
			continue
		}

		compLen, err := ensureCandCompLen()
		if err != nil {
			r.fatal("reservoir: %v", err)
			return inserted, err
		}
		newEntryProbe := &QueueEntry{Buf: cand.Buf, TraceMini: ensureTraceMini(), CompressedLen: compLen}
		bestIdx, bestDist, err := r.findEvictionCandidate(slot, newEntryProbe)
		if err != nil {
			r.fatal("reservoir: %v", err)
			return inserted, err
		}
		if bestIdx == -1 {
			continue
		}

		if err := r.swapInCandidate(slot.Entries[bestIdx], cand, ensureTraceMini(), compLen); err != nil {
			r.fatal("reservoir: %v", err)
			return inserted, err
		}
		slot.Diversity = bestDist
		slot.ReplacementCount++
		seenDuplicate = true
		inserted = true
	}

	return inserted, nil
}

func (s *EdgeEntry) entryHasHash(sig hashindex.Sig) bool {
	for _, e := range s.Entries {
		if e.InputHash == sig {
			return true
		}
	}
	return false
}

func firstDuplicateMember(entries []*QueueEntry) int {
	for i, e := range entries {
		if e.Duplicates > 0 {
			return i
		}
	}
	return -1
}

func (r *Reservoir) newEntry(cand Candidate, traceMini []byte, compLen int, cal collab.CalibrationResult) *QueueEntry {
	r.nextID++
	execCksum := cand.ExecCksum
	if execCksum == 0 {
		execCksum = cal.Checksum
	}
	e := &QueueEntry{
		ID:            r.nextID,
		Buf:           cand.Buf,
		InputHash:     cand.InputHash,
		ExecChecksum:  execCksum,
		TraceMini:     append([]byte(nil), traceMini...),
		CompressedLen: compLen,
		CalFailed:     cal.Failed,
		ExecUS:        cal.ExecUS,
		BitmapSize:    cal.BitmapSize,
		Handicap:      cal.Handicap,
	}
	r.index.Insert(cand.InputHash, e)
	r.arena = append(r.arena, e)
	return e
}
