// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package reservoir

import (
	"os"
	"testing"
	"time"

	"github.com/go-fuzz-corpus/edgecorpus/bitmap"
	"github.com/go-fuzz-corpus/edgecorpus/collab"
	"github.com/go-fuzz-corpus/edgecorpus/hashindex"
	"github.com/stretchr/testify/require"
)

func classifiedTrace(mapSize int, hits map[int]byte) []byte {
	trace := make([]byte, mapSize)
	for edge, v := range hits {
		trace[edge] = v
	}
	bitmap.Classify(trace)
	return trace
}

func TestSaveToEdgeEntriesFillsSlotUpToK(t *testing.T) {
	r := New(Config{MapSize: 16, K: 3, AtomKind: AtomTestcaseBuf}, nil, nil, nil)

	for i := 0; i < 3; i++ {
		trace := classifiedTrace(16, map[int]byte{0: 1})
		cand := Candidate{Buf: []byte{byte(i), byte(i), byte(i)}, InputHash: hashSigOf(i)}
		inserted, err := r.SaveToEdgeEntries(trace, cand, bitmap.NoveltyEdge)
		require.NoError(t, err)
		require.True(t, inserted)
	}

	slot := &r.edges[8*0+0]
	require.Len(t, slot.Entries, 3)
}

func TestSaveToEdgeEntriesRejectsPureDuplicateContent(t *testing.T) {
	r := New(Config{MapSize: 16, K: 3, AtomKind: AtomTestcaseBuf}, nil, nil, nil)

	trace1 := classifiedTrace(16, map[int]byte{0: 1})
	cand := Candidate{Buf: []byte("same"), InputHash: hashSigOf(1)}
	_, err := r.SaveToEdgeEntries(trace1, cand, bitmap.NoveltyEdge)
	require.NoError(t, err)

	// Same content hash hitting a different, still-open slot must not
	// occupy that slot either.
	trace2 := classifiedTrace(16, map[int]byte{1: 1})
	cand2 := Candidate{Buf: []byte("same"), InputHash: hashSigOf(1)}
	inserted, err := r.SaveToEdgeEntries(trace2, cand2, bitmap.NoveltyEdge)
	require.NoError(t, err)
	require.False(t, inserted)
	require.Empty(t, r.edges[8*1+0].Entries)
}

func TestFindEvictionCandidateBuildsCorrectSubsets(t *testing.T) {
	r := New(Config{MapSize: 8, K: 3, AtomKind: AtomTestcaseBuf}, nil, nil, nil)

	a := &QueueEntry{Buf: bytesOf("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")}
	b := &QueueEntry{Buf: bytesOf("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")}
	c := &QueueEntry{Buf: bytesOf("cccccccccccccccccccccccccccccccccccc")}
	slot := &EdgeEntry{Entries: []*QueueEntry{a, b, c}}
	d, err := r.diversityOf(slot.Entries)
	require.NoError(t, err)
	slot.Diversity = d

	// A wildly different candidate should raise diversity when it
	// replaces one of the near-identical members.
	newEntry := &QueueEntry{Buf: randomishBytes(400)}
	idx, dist, err := r.findEvictionCandidate(slot, newEntry)
	require.NoError(t, err)
	require.NotEqual(t, -1, idx)
	require.Greater(t, dist, slot.Diversity)

	// The chosen candidate subset must actually contain the new entry
	// and drop exactly the evicted member - not a duplicated pointer,
	// which is what a raw memcpy-by-sizeof(pointer) bug would produce.
	rebuilt := make([]*QueueEntry, len(slot.Entries))
	copy(rebuilt[:idx], slot.Entries[:idx])
	copy(rebuilt[idx:len(slot.Entries)-1], slot.Entries[idx+1:])
	rebuilt[len(slot.Entries)-1] = newEntry
	seen := map[*QueueEntry]bool{}
	for _, e := range rebuilt {
		require.False(t, seen[e], "candidate subset must not contain the same pointer twice")
		seen[e] = true
	}
	require.True(t, seen[newEntry])
}

func TestRenameWithUpdatedStampInsertsBeforeOp(t *testing.T) {
	path := "queue/id:000001,src:000000,op:havoc,rep:2"
	out, err := renameWithUpdatedStamp(path, 1500*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "queue/id:000001,src:000000,updated:1500,op:havoc,rep:2", out)
}

func TestRenameWithUpdatedStampReplacesExisting(t *testing.T) {
	path := "queue/id:000001,updated:200,op:havoc,rep:2"
	out, err := renameWithUpdatedStamp(path, 900*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "queue/id:000001,updated:900,op:havoc,rep:2", out)
}

func TestSwapInCandidateRewritesFileAndRenames(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{MapSize: 8, K: 1, AtomKind: AtomTestcaseBuf}, nil, nil, nil)

	path := dir + "/id:000000,src:000000,op:havoc,rep:0"
	require.NoError(t, os.WriteFile(path, []byte("old"), 0644))

	evictee := &QueueEntry{FilePath: path, Buf: []byte("old"), InputHash: hashSigOf(1)}
	r.index.Insert(evictee.InputHash, evictee)

	cand := Candidate{Buf: []byte("new-content"), InputHash: hashSigOf(2)}
	err := r.swapInCandidate(evictee, cand, []byte{0x01}, 5)
	require.NoError(t, err)

	require.Equal(t, "new-content", string(evictee.Buf))
	require.NotEqual(t, path, evictee.FilePath)
	require.Contains(t, evictee.FilePath, ",updated:")

	got, err := os.ReadFile(evictee.FilePath)
	require.NoError(t, err)
	require.Equal(t, "new-content", string(got))

	require.Equal(t, 0, r.index.Count(hashSigOf(1)))
	require.Equal(t, 1, r.index.Count(hashSigOf(2)))
}

func TestRepairFavoredPromotesCheapestSuccessor(t *testing.T) {
	fav := &fakeFavFactor{scores: map[uint64]uint64{}}
	r := New(Config{MapSize: 4, K: 2, AtomKind: AtomTestcaseBuf}, fav, &fakeScoreUpdater{}, nil)

	evictee := &QueueEntry{ID: 1, Favored: true, Buf: []byte("evictee-content-longer")}
	cheap := &QueueEntry{ID: 2, Buf: []byte("cheap")}
	pricey := &QueueEntry{ID: 3, Buf: []byte("pricey")}
	fav.scores[cheap.ID] = 10
	fav.scores[pricey.ID] = 1000

	r.arena = append(r.arena, evictee, cheap, pricey)
	r.SetTopRated(0, evictee)
	r.edges[8*0+0].Entries = []*QueueEntry{cheap}
	r.edges[8*0+1].Entries = []*QueueEntry{pricey}

	r.repairFavored(evictee)

	require.False(t, evictee.Favored)
	require.True(t, cheap.Favored)
	require.Same(t, cheap, r.TopRated(0))
}

func TestRepairFavoredRestoresWhenNoSuccessor(t *testing.T) {
	r := New(Config{MapSize: 4, K: 2, AtomKind: AtomTestcaseBuf}, nil, nil, nil)
	evictee := &QueueEntry{ID: 1, Favored: true}
	r.SetTopRated(0, evictee)

	r.repairFavored(evictee)

	require.True(t, evictee.Favored)
}

type fakeFavFactor struct{ scores map[uint64]uint64 }

func (f *fakeFavFactor) FavFactor(h collab.Handle) uint64 { return f.scores[h.ID] }

type fakeScoreUpdater struct{ calls int }

func (f *fakeScoreUpdater) UpdateBitmapScore(h collab.Handle) { f.calls++ }

func bytesOf(s string) []byte { return []byte(s) }

func randomishBytes(n int) []byte {
	out := make([]byte, n)
	x := uint32(2654435761)
	for i := range out {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		out[i] = byte(x >> 3)
	}
	return out
}

func hashSigOf(i int) hashindex.Sig { return hashindex.Sig(i + 1) }

type fakeCalibrator struct {
	calls  int
	cycles []int
}

func (f *fakeCalibrator) Calibrate(h collab.Handle, cycle int) collab.CalibrationResult {
	f.calls++
	f.cycles = append(f.cycles, cycle)
	return collab.CalibrationResult{ExecUS: 100, Checksum: 0xabc, BitmapSize: 12, Handicap: 3}
}

func TestSaveToEdgeEntriesCalibratesOnceForMultiEdgeTrace(t *testing.T) {
	cal := &fakeCalibrator{}
	r := New(Config{MapSize: 16, K: 3, AtomKind: AtomTestcaseBuf}, nil, nil, cal)
	r.SetCycle(2)

	// This candidate hits two distinct edges in one call; it becomes a
	// new entry in the first slot only, and is calibrated exactly once.
	trace := classifiedTrace(16, map[int]byte{0: 1, 1: 1})
	cand := Candidate{Buf: []byte("payload"), InputHash: hashSigOf(1)}
	inserted, err := r.SaveToEdgeEntries(trace, cand, bitmap.NoveltyEdge)
	require.NoError(t, err)
	require.True(t, inserted)

	require.Equal(t, 1, cal.calls)
	require.Equal(t, []int{2}, cal.cycles)

	for _, e := range r.arena {
		require.EqualValues(t, 100, e.ExecUS)
		require.EqualValues(t, 12, e.BitmapSize)
		require.EqualValues(t, 3, e.Handicap)
		require.EqualValues(t, 0xabc, e.ExecChecksum)
	}
}
