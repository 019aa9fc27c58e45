// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package reservoir implements the per-edge x bucket reservoir of queue
// entries, its NCD/Levenshtein diversity eviction policy, and the
// favored-set builder that picks a diversity-maximizing near-minimum
// cover of every discovered edge.
package reservoir

import (
	"github.com/go-fuzz-corpus/edgecorpus/collab"
	"github.com/go-fuzz-corpus/edgecorpus/hashindex"
)

// AtomKind selects which bytes the diversity kernels treat as the NCD
// or Levenshtein atom for every entry in a run. Fixed at Reservoir
// construction time: the choice is invariant across a run, since mixing
// atom kinds would make cached compressed lengths incomparable.
type AtomKind int

const (
	// AtomTestcaseBuf uses the raw input bytes as the diversity atom.
	AtomTestcaseBuf AtomKind = iota
	// AtomMinifiedTrace uses the one-bit-per-edge minified trace.
	AtomMinifiedTrace
)

// QueueEntry is a candidate test case kept alive by the reservoir.
type QueueEntry struct {
	ID       uint64
	FilePath string
	Buf      []byte

	InputHash    hashindex.Sig
	ExecChecksum uint64 // 0 means stale, needs recalibration
	TraceMini    []byte

	CompressedLen int // cached compressed length of this entry's atom

	Duplicates int

	Favored     bool
	NCDMFavored bool
	WasFuzzed   bool
	FuzzLevel   int
	HasNewCov   bool
	Disabled    bool

	CalFailed  bool
	ExecUS     uint64
	BitmapSize uint32
	Handicap   uint64
}

// SetDuplicates satisfies hashindex.Entry.
func (q *QueueEntry) SetDuplicates(n int) { q.Duplicates = n }

// Atom returns the bytes the diversity kernels compress or diff for
// this entry, per the reservoir's configured AtomKind.
func (q *QueueEntry) Atom(kind AtomKind) []byte {
	if kind == AtomMinifiedTrace {
		return q.TraceMini
	}
	return q.Buf
}

// Handle converts a QueueEntry to the decoupled view collaborators see.
func (q *QueueEntry) Handle() collab.Handle {
	return collab.Handle{ID: q.ID, Path: q.FilePath, Buf: q.Buf}
}

// EdgeEntry is one (edge, bucket) reservoir slot.
type EdgeEntry struct {
	EdgeIndex int
	Bucket    int

	HitCount         uint64
	ReplacementCount uint64
	DiscoveryExec    uint64

	Entries   []*QueueEntry
	Diversity float64 // cached NCD or normalized Levenshtein of Entries
}
