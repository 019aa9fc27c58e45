// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package collab declares the interfaces the corpus engine expects the
// rest of a fuzzer (target execution, scheduling, forkserver) to
// satisfy. reservoir and triage only ever call through these
// contracts; the only implementations in this module are minimal ones
// (corpus.DefaultScheduler, and the hasher, calibrator and queue adder
// in cmd/corpusd).
package collab

import "time"

// Fault is the outcome of a single target execution.
type Fault int

const (
	FaultNone Fault = iota
	FaultTimeout
	FaultCrash
	FaultError
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultTimeout:
		return "timeout"
	case FaultCrash:
		return "crash"
	case FaultError:
		return "error"
	default:
		return "unknown"
	}
}

// Handle is the minimal, decoupled view of a queue entry that
// collaborators need. Calibration, scheduling, and queue registration
// all operate on it rather than on the reservoir package's own
// QueueEntry, so packages on either side of the boundary never need to
// import each other.
type Handle struct {
	ID   uint64
	Path string
	Buf  []byte
}

// CalibrationResult is the side-effect payload of running a fresh input
// through the target several times to measure its cost and stability.
type CalibrationResult struct {
	Failed     bool
	ExecUS     uint64
	Checksum   uint64
	BitmapSize uint32
	Handicap   uint64
}

// Calibrator times a new entry and measures its bitmap footprint.
type Calibrator interface {
	Calibrate(h Handle, cycle int) CalibrationResult
}

// QueueAdder registers a freshly written file as a queue entry with the
// surrounding fuzzer, returning the handle the fuzzer will use to refer
// to it from then on.
type QueueAdder interface {
	AddToQueue(path string, length int, passedDet bool) Handle
}

// BitmapScoreUpdater recomputes the scheduler's bitmap score for an
// entry, and is responsible for the scheduler's own top_rated pointers.
type BitmapScoreUpdater interface {
	UpdateBitmapScore(h Handle)
}

// FavFactorGetter supplies the scheduler's monotonically comparable cost
// metric, used to pick a favored-successor on eviction.
type FavFactorGetter interface {
	FavFactor(h Handle) uint64
}

// Hasher64 implements the content-hash contract every hashindex lookup
// is keyed on.
type Hasher64 interface {
	Hash64(buf []byte, seed uint64) uint64
}

// TargetRerunner re-executes the target for hang confirmation, with a
// caller-supplied timeout more generous than the fuzzing default.
type TargetRerunner interface {
	Rerun(mem []byte, timeout time.Duration) (Fault, []byte)
}
