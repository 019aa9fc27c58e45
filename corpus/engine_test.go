// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"testing"

	"github.com/go-fuzz-corpus/edgecorpus/bitmap"
	"github.com/go-fuzz-corpus/edgecorpus/collab"
	"github.com/go-fuzz-corpus/edgecorpus/triage"
	"github.com/stretchr/testify/require"
)

type seqHasher struct{ next uint64 }

func (h *seqHasher) Hash64(buf []byte, seed uint64) uint64 {
	h.next++
	return h.next
}

type noopAdder struct{}

func (noopAdder) AddToQueue(path string, length int, passedDet bool) collab.Handle {
	return collab.Handle{Path: path}
}

var testProv = triage.Provenance{SourceEntry: 0, SplicingWith: -1, StageName: "havoc", StageCurByte: -1, StageRepeat: -1}

func newTestEngine(t *testing.T, mapSize int) *Engine {
	cfg := Config{
		MapSize:         mapSize,
		ReservoirK:      4,
		AtomKind:        0,
		OutDir:          t.TempDir(),
		KeepUniqueHang:  true,
		KeepUniqueCrash: true,
	}
	e := New(cfg, &seqHasher{}, noopAdder{}, nil, nil, nil, nil)
	e.Fatal = func(format string, args ...any) { t.Fatalf(format, args...) }
	e.Reservoir.SetFatal(e.Fatal)
	e.Sink.SetFatal(e.Fatal)
	return e
}

func traceHitting(mapSize int, edges ...int) []byte {
	trace := make([]byte, mapSize)
	for _, e := range edges {
		trace[e] = 1
	}
	return trace
}

func TestEngineQueuesFirstNovelInput(t *testing.T) {
	e := newTestEngine(t, 32)
	verdict, err := e.ProcessExecution([]byte("seed-one"), traceHitting(32, 1, 2), collab.FaultNone, testProv)
	require.NoError(t, err)
	require.Equal(t, triage.OutcomeQueued, verdict.Kind)
	require.Equal(t, 1, len(e.Reservoir.Arena()))
}

func TestEngineIgnoresRepeatedCoverage(t *testing.T) {
	e := newTestEngine(t, 32)
	_, err := e.ProcessExecution([]byte("seed-one"), traceHitting(32, 1, 2), collab.FaultNone, testProv)
	require.NoError(t, err)

	verdict, err := e.ProcessExecution([]byte("seed-two"), traceHitting(32, 1, 2), collab.FaultNone, testProv)
	require.NoError(t, err)
	require.Equal(t, triage.OutcomeIgnored, verdict.Kind)
}

func TestEngineAcceptsNewBucketOnKnownEdge(t *testing.T) {
	e := newTestEngine(t, 32)
	_, err := e.ProcessExecution([]byte("seed-one"), traceHitting(32, 1), collab.FaultNone, testProv)
	require.NoError(t, err)

	trace := make([]byte, 32)
	trace[1] = 5 // same edge, different (unclassified) hit count -> different bucket after classify
	verdict, err := e.ProcessExecution([]byte("seed-two"), trace, collab.FaultNone, testProv)
	require.NoError(t, err)
	require.Equal(t, triage.OutcomeQueued, verdict.Kind)
}

func TestEngineFlushBitmapWritesOnlyWhenDirty(t *testing.T) {
	e := newTestEngine(t, 16)
	require.NoError(t, e.FlushBitmap())
	require.False(t, e.Virgins.Changed())

	_, err := e.ProcessExecution([]byte("x"), traceHitting(16, 0), collab.FaultNone, testProv)
	require.NoError(t, err)
	require.True(t, e.Virgins.Changed())

	require.NoError(t, e.FlushBitmap())
	require.False(t, e.Virgins.Changed())
}

func TestEngineBuildFavoredSetCoversEverything(t *testing.T) {
	e := newTestEngine(t, 16)
	_, err := e.ProcessExecution([]byte("aaaa"), traceHitting(16, 0, 1), collab.FaultNone, testProv)
	require.NoError(t, err)
	_, err = e.ProcessExecution([]byte("bbbb"), traceHitting(16, 2, 3), collab.FaultNone, testProv)
	require.NoError(t, err)

	report, err := e.BuildFavoredSet()
	require.NoError(t, err)
	require.Equal(t, 2, report.NCDMFavoredCount)

	for _, q := range e.Reservoir.Arena() {
		require.True(t, q.NCDMFavored)
	}
}

func TestEngineSnapshotReflectsExecutionsAndCoverage(t *testing.T) {
	e := newTestEngine(t, 16)
	_, err := e.ProcessExecution([]byte("aaaa"), traceHitting(16, 0), collab.FaultNone, testProv)
	require.NoError(t, err)

	snap := e.Snapshot()
	require.EqualValues(t, 1, snap.ExecCount)
	require.EqualValues(t, 1, snap.CorpusSize)
	require.EqualValues(t, 1, snap.EdgesCovered)
}

func TestEngineCrashGatedByKeepUniqueCrash(t *testing.T) {
	e := newTestEngine(t, 16)
	verdict, err := e.ProcessExecution([]byte("boom"), traceHitting(16, 4), collab.FaultCrash, testProv)
	require.NoError(t, err)
	require.Equal(t, triage.OutcomeCrash, verdict.Kind)
}

func TestEngineTargetErrorCallsFatal(t *testing.T) {
	e := newTestEngine(t, 16)
	var got bool
	e.Sink.SetFatal(func(format string, args ...any) { got = true })

	_, err := e.ProcessExecution([]byte("bad"), nil, collab.FaultError, testProv)
	require.NoError(t, err)
	require.True(t, got)
}

func TestEngineVirginBitmapsSeparateFaultKinds(t *testing.T) {
	e := newTestEngine(t, 16)
	_, err := e.ProcessExecution([]byte("normal"), traceHitting(16, 0), collab.FaultNone, testProv)
	require.NoError(t, err)

	// A crash hitting the very same edge is still novel against the
	// crash virgin map, which starts independently all-0xff.
	verdict, err := e.ProcessExecution([]byte("crashy"), traceHitting(16, 0), collab.FaultCrash, testProv)
	require.NoError(t, err)
	require.Equal(t, triage.OutcomeCrash, verdict.Kind)

	require.EqualValues(t, 1, bitmap.CountNon255Bytes(e.Virgins.Crash))
}
