// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package triage implements the sink that decides whether an
// execution's outcome is worth keeping: dispatching on fault, gating
// hangs and crashes behind their keep-unique flags, and re-running
// timeouts to confirm they aren't a fluke before filing them as hangs.
package triage

import (
	"crypto/sha256"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/go-fuzz-corpus/edgecorpus/bitmap"
	"github.com/go-fuzz-corpus/edgecorpus/collab"
	"github.com/go-fuzz-corpus/edgecorpus/hashindex"
	"github.com/go-fuzz-corpus/edgecorpus/reservoir"
)

// NameMax bounds the length of a generated crash/hang filename, mirroring
// the filesystem limits AFL-style fuzzers guard against on Linux.
const NameMax = 255

// Verdict is the sum-typed outcome of SaveIfInteresting: what happened
// to a single execution result, and where (if anywhere) it landed.
type Verdict struct {
	Kind Outcome
	Path string
	// Partition is set only when Kind is a hashfuzz path-partition
	// outcome (OutcomeMimic or OutcomeSwap): the partition class mem
	// classified into.
	Partition string
}

// Outcome names why an execution was, or was not, kept.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeQueued
	OutcomeHang
	OutcomeCrash
	OutcomeTargetError
	OutcomeMimic
	OutcomeSwap
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeQueued:
		return "queued"
	case OutcomeHang:
		return "hang"
	case OutcomeCrash:
		return "crash"
	case OutcomeTargetError:
		return "target_error"
	case OutcomeMimic:
		return "mimic"
	case OutcomeSwap:
		return "swap"
	default:
		return "unknown"
	}
}

// Config fixes triage's keep-unique gates and output locations.
type Config struct {
	OutDir          string
	KeepUniqueHang  bool
	KeepUniqueCrash bool
	HangTimeout     time.Duration
	// HashfuzzEnabled enables the hashfuzz-derived path-partition mode:
	// inputs that add no coverage can still be worth keeping if they
	// land in a partition of the content-hash space not yet seen.
	// Supplements the base save_if_interesting design.
	HashfuzzEnabled bool
	// HashfuzzMimic selects the mimic variant: a single bitmap of
	// partitions ever seen across the whole run, rather than one
	// per-coverage-path bitmap. False keeps the swap (per-path) variant.
	HashfuzzMimic bool
	// HashfuzzPartitionCount sizes the partition space. Defaults to 32.
	HashfuzzPartitionCount int
}

// Sink is the triage entry point: one execution outcome in, one Verdict
// out, with every file it writes landing under Config.OutDir.
type Sink struct {
	cfg        Config
	virgins    *bitmap.VirginBitmaps
	res        *reservoir.Reservoir
	hasher     collab.Hasher64
	adder      collab.QueueAdder
	rerun      collab.TargetRerunner
	calibrator collab.Calibrator

	crashCount int
	hangCount  int
	queueCount int
	cycle      int

	partitions           map[uint64]*PathPartition
	discoveredPartitions uint32

	startedAt time.Time

	fatal func(format string, args ...any)
}

// NewSink constructs a Sink. rerun may be nil if the caller never
// expects a timeout fault (Rerun is only consulted on FaultTimeout).
// calibrator may be nil; when set it is only ever consulted inline, as
// a fallback for inputs the reservoir judged interesting but never
// actually calibrated itself (see saveNormal).
func NewSink(cfg Config, virgins *bitmap.VirginBitmaps, res *reservoir.Reservoir, hasher collab.Hasher64, adder collab.QueueAdder, rerun collab.TargetRerunner, calibrator collab.Calibrator) *Sink {
	return &Sink{
		cfg:        cfg,
		virgins:    virgins,
		res:        res,
		hasher:     hasher,
		adder:      adder,
		rerun:      rerun,
		calibrator: calibrator,
		startedAt:  time.Now(),
		fatal:      defaultFatal,
	}
}

func defaultFatal(format string, args ...any) {
	panic(fmt.Sprintf(format, args...))
}

// SetFatal overrides the panic-on-target-error hook, primarily for
// tests that want to assert on the message instead of recovering a
// panic.
func (s *Sink) SetFatal(f func(format string, args ...any)) { s.fatal = f }

// SetCycle records the fuzzer's current queue cycle, passed through to
// an inline Calibrator.Calibrate call.
func (s *Sink) SetCycle(n int) { s.cycle = n }

func (s *Sink) elapsedMS() int64 { return time.Since(s.startedAt).Milliseconds() }

// SaveIfInteresting is the triage dispatcher: it decides, based on
// fault and each fault's virgin-map novelty, whether mem is worth
// keeping, and if so writes it to disk and (for the normal-path case)
// folds it into the reservoir. prov describes how mem was produced, for
// the descriptor string embedded in whatever filename gets written.
func (s *Sink) SaveIfInteresting(mem []byte, trace []byte, fault collab.Fault, prov Provenance) (Verdict, error) {
	switch fault {
	case collab.FaultNone:
		return s.saveNormal(mem, trace, prov)
	case collab.FaultTimeout:
		return s.saveTimeout(mem, trace, prov)
	case collab.FaultCrash:
		return s.saveCrash(mem, trace, prov)
	case collab.FaultError:
		return s.saveTargetError(mem)
	default:
		return Verdict{Kind: OutcomeIgnored}, fmt.Errorf("triage: unknown fault %v", fault)
	}
}

// calibrateInline runs the configured Calibrator over mem and logs a
// failure, without keeping the result anywhere: it exists purely to
// satisfy "calibrate inline unless NCD mode already did" for inputs
// that never became a reservoir.QueueEntry (partition-only novelty, or
// a full/duplicate-only edge slot the reservoir declined to insert
// into).
func (s *Sink) calibrateInline(mem []byte) {
	if s.calibrator == nil {
		return
	}
	res := s.calibrator.Calibrate(collab.Handle{Buf: mem}, s.cycle)
	if res.Failed {
		log.Printf("triage: inline calibration failed for a %d-byte input", len(mem))
	}
}

func (s *Sink) saveNormal(mem, trace []byte, prov Provenance) (Verdict, error) {
	classified := append([]byte(nil), trace...)
	grade := s.virgins.HasNewBitsNormal(classified)

	if grade != bitmap.NoveltyNone {
		sig := hashindex.Sig(s.hasher.Hash64(mem, 0))
		cand := reservoir.Candidate{Buf: append([]byte(nil), mem...), InputHash: sig}
		inserted, err := s.res.SaveToEdgeEntries(classified, cand, grade)
		if err != nil {
			return Verdict{}, err
		}
		if !inserted {
			s.calibrateInline(mem)
		}

		desc := describeOp(prov, s.elapsedMS(), grade, false)
		path, err := s.writeQueueFile(mem, desc)
		if err != nil {
			return Verdict{}, err
		}
		s.res.SetFilePathForHash(sig, path)
		if s.adder != nil {
			s.adder.AddToQueue(path, len(mem), true)
		}
		return Verdict{Kind: OutcomeQueued, Path: path}, nil
	}

	if !s.cfg.HashfuzzEnabled {
		return Verdict{Kind: OutcomeIgnored}, nil
	}
	return s.tryPathPartition(mem, trace, prov)
}

// tryPathPartition implements the supplemented hashfuzz path-partition
// mode: inputs that add no coverage can still be worth keeping if they
// land in a partition of the content-hash space not yet seen, either
// globally (mimic mode) or along this specific coverage path (the
// default, swap mode). Grounded on afl-fuzz-bitmap.c's
// check_if_new_partition and the hashfuzz block inside
// save_if_interesting.
func (s *Sink) tryPathPartition(mem, trace []byte, prov Provenance) (Verdict, error) {
	partition := classifyPartition(s.hasher, mem, s.partitionCount())

	var newPartition bool
	outcome := OutcomeSwap
	if s.cfg.HashfuzzMimic {
		newPartition = s.checkIfNewMimicPartition(partition)
		outcome = OutcomeMimic
	} else {
		pathChecksum := s.hasher.Hash64(trace, partitionChecksumSeed)
		newPartition = s.checkIfNewPartition(pathChecksum, partition)
	}
	if !newPartition {
		return Verdict{Kind: OutcomeIgnored}, nil
	}

	s.calibrateInline(mem)

	desc := describeOp(prov, s.elapsedMS(), bitmap.NoveltyNone, true)
	path, err := s.writeQueueFile(mem, desc)
	if err != nil {
		return Verdict{}, err
	}
	if s.adder != nil {
		s.adder.AddToQueue(path, len(mem), true)
	}
	return Verdict{Kind: outcome, Path: path, Partition: fmt.Sprintf("%d", partition)}, nil
}

func (s *Sink) saveTimeout(mem, trace []byte, prov Provenance) (Verdict, error) {
	if !s.cfg.KeepUniqueHang {
		return Verdict{Kind: OutcomeIgnored}, nil
	}

	simplified := append([]byte(nil), trace...)
	bitmap.Classify(simplified)
	bitmap.Simplify(simplified)
	grade := s.virgins.HasNewBitsTimeout(simplified)
	if grade == bitmap.NoveltyNone {
		return Verdict{Kind: OutcomeIgnored}, nil
	}

	if s.rerun != nil {
		refault, retrace := s.rerun.Rerun(mem, s.cfg.HangTimeout)
		if refault == collab.FaultCrash {
			return s.saveCrash(mem, retrace, prov)
		}
		if refault != collab.FaultTimeout {
			return Verdict{Kind: OutcomeIgnored}, nil
		}
	}

	s.hangCount++
	path, err := s.writeCrashFile("hangs", "id", s.hangCount, "", describeHang(prov, s.elapsedMS()))
	if err != nil {
		return Verdict{}, err
	}
	if err := os.WriteFile(path, mem, 0644); err != nil {
		return Verdict{}, err
	}
	return Verdict{Kind: OutcomeHang, Path: path}, nil
}

func (s *Sink) saveCrash(mem, trace []byte, prov Provenance) (Verdict, error) {
	if !s.cfg.KeepUniqueCrash {
		return Verdict{Kind: OutcomeIgnored}, nil
	}

	classified := append([]byte(nil), trace...)
	grade := bitmap.HasNewBitsUnclassified(classified, s.virgins.Crash)
	if grade == bitmap.NoveltyNone {
		return Verdict{Kind: OutcomeIgnored}, nil
	}

	s.crashCount++
	desc := describeCrash(prov, s.elapsedMS(), grade)
	path, err := s.writeCrashFile("crashes", "id", s.crashCount, "cksum:"+contentDigest(mem), desc)
	if err != nil {
		return Verdict{}, err
	}
	if err := os.WriteFile(path, mem, 0644); err != nil {
		return Verdict{}, err
	}
	if err := writeCrashReadme(filepath.Dir(path)); err != nil {
		log.Printf("triage: could not write crash README: %v", err)
	}
	return Verdict{Kind: OutcomeCrash, Path: path}, nil
}

// saveTargetError handles a target that failed to execute at all
// (FaultError): an execution environment problem, not a fuzz finding.
// spec.md files this under the Fatal error category, so it aborts the
// process via s.fatal rather than returning a verdict anything
// downstream could silently ignore.
func (s *Sink) saveTargetError(mem []byte) (Verdict, error) {
	s.fatal("triage: target execution error on a %d-byte input", len(mem))
	return Verdict{Kind: OutcomeTargetError}, nil
}

func (s *Sink) writeQueueFile(mem []byte, describe string) (string, error) {
	queueDir := filepath.Join(s.cfg.OutDir, "queue")
	if err := os.MkdirAll(queueDir, 0755); err != nil {
		return "", err
	}
	s.queueCount++
	name := fmt.Sprintf("id:%06d,%s", s.queueCount, describe)
	if len(name) > NameMax {
		name = name[:NameMax]
	}
	path := filepath.Join(queueDir, name)
	if err := os.WriteFile(path, mem, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// writeCrashFile names a hang/crash file id:NNNNNN[,mid],<describe>, mid
// being the extra segment afl-fuzz-bitmap.c places right after the id
// (a signal number there; a content digest here, since collab.Fault
// carries no signal). Empty mid is omitted entirely.
func (s *Sink) writeCrashFile(subdir, prefix string, n int, mid, describe string) (string, error) {
	dir := filepath.Join(s.cfg.OutDir, subdir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s:%06d,%s", prefix, n, describe)
	if mid != "" {
		name = fmt.Sprintf("%s:%06d,%s,%s", prefix, n, mid, describe)
	}
	if len(name) > NameMax {
		name = name[:NameMax]
	}
	return filepath.Join(dir, name), nil
}

func contentDigest(mem []byte) string {
	sum := sha256.Sum256(mem)
	return fmt.Sprintf("%x", sum[:8])
}
