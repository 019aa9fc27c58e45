// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package corpus wires the bitmap, diversity, hashindex, reservoir, and
// triage packages into a single per-execution pipeline: the entry point
// a fuzzer's main loop calls once per target run.
package corpus

import (
	"log"
	"time"

	"github.com/go-fuzz-corpus/edgecorpus/bitmap"
	"github.com/go-fuzz-corpus/edgecorpus/collab"
	"github.com/go-fuzz-corpus/edgecorpus/reservoir"
	"github.com/go-fuzz-corpus/edgecorpus/triage"
)

// Config assembles every tunable the constituent packages expose.
type Config struct {
	MapSize                int
	ReservoirK             int
	AtomKind               reservoir.AtomKind
	OutDir                 string
	KeepUniqueHang         bool
	KeepUniqueCrash        bool
	HangTimeout            time.Duration
	HashfuzzEnabled        bool
	HashfuzzMimic          bool
	HashfuzzPartitionCount int
}

// Engine is the corpus curation engine: everything downstream of "the
// target just ran and here is its trace".
type Engine struct {
	cfg       Config
	Virgins   *bitmap.VirginBitmaps
	Reservoir *reservoir.Reservoir
	Sink      *triage.Sink

	execCount uint64

	// Fatal is called on unrecoverable invariant violations. Defaults to
	// log.Fatalf; tests may override it to capture the message instead
	// of exiting the process.
	Fatal func(format string, args ...any)
}

// New wires an Engine from its collaborator contracts. calibrator may
// be nil; when set, it is consulted on first insertion into the
// reservoir and, inline by the triage sink, for interesting inputs the
// reservoir never actually calibrated itself.
func New(cfg Config, hasher collab.Hasher64, adder collab.QueueAdder, favFactor collab.FavFactorGetter, scoreUpdater collab.BitmapScoreUpdater, rerun collab.TargetRerunner, calibrator collab.Calibrator) *Engine {
	virgins := bitmap.NewVirginBitmaps(cfg.MapSize)
	res := reservoir.New(reservoir.Config{
		MapSize:  cfg.MapSize,
		K:        cfg.ReservoirK,
		AtomKind: cfg.AtomKind,
	}, favFactor, scoreUpdater, calibrator)

	sink := triage.NewSink(triage.Config{
		OutDir:                 cfg.OutDir,
		KeepUniqueHang:         cfg.KeepUniqueHang,
		KeepUniqueCrash:        cfg.KeepUniqueCrash,
		HangTimeout:            cfg.HangTimeout,
		HashfuzzEnabled:        cfg.HashfuzzEnabled,
		HashfuzzMimic:          cfg.HashfuzzMimic,
		HashfuzzPartitionCount: cfg.HashfuzzPartitionCount,
	}, virgins, res, hasher, adder, rerun, calibrator)

	e := &Engine{cfg: cfg, Virgins: virgins, Reservoir: res, Sink: sink, Fatal: log.Fatalf}
	res.SetFatal(e.Fatal)
	sink.SetFatal(e.Fatal)
	return e
}

// ProcessExecution is the per-run entry point: feed it the input bytes,
// the raw trace bits from that run, the fault it produced, and prov
// describing how the input was produced (for triage's descriptor
// strings).
func (e *Engine) ProcessExecution(mem, trace []byte, fault collab.Fault, prov triage.Provenance) (triage.Verdict, error) {
	e.execCount++
	e.Reservoir.SetTotalExecs(e.execCount)
	return e.Sink.SaveIfInteresting(mem, trace, fault, prov)
}

// FlushBitmap persists the normal-path virgin map if it has changed
// since the last flush.
func (e *Engine) FlushBitmap() error {
	return e.Virgins.WriteFuzzBitmap(e.cfg.OutDir)
}

// BuildFavoredSet runs the favored-set builder over everything the
// reservoir has discovered so far.
func (e *Engine) BuildFavoredSet() (reservoir.FavoredSetReport, error) {
	allDiscovered := bitmap.InvertAndMinimize(e.Virgins.Normal)
	return e.Reservoir.SetNCDMFavored(allDiscovered)
}

// DebugSnapshot summarizes the engine's state for diagnostics, replacing
// the ad hoc stdout dumps a C fuzzer would print: total executions,
// corpus size, and coverage saturation.
type DebugSnapshot struct {
	ExecCount    uint64
	CorpusSize   int
	EdgesCovered uint32
	MapSize      int
}

// Snapshot captures a DebugSnapshot of the engine's current state.
func (e *Engine) Snapshot() DebugSnapshot {
	return DebugSnapshot{
		ExecCount:    e.execCount,
		CorpusSize:   len(e.Reservoir.Arena()),
		EdgesCovered: bitmap.CountNon255Bytes(e.Virgins.Normal),
		MapSize:      e.cfg.MapSize,
	}
}
