// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Command corpusd is a thin driver for the corpus curation engine: it
// wires flags to corpus.Config and drains a JSON-lines file of
// pre-recorded (input, trace, fault) executions through it, for offline
// replay of a fuzzing session's raw execution log.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-fuzz-corpus/edgecorpus/collab"
	"github.com/go-fuzz-corpus/edgecorpus/corpus"
	"github.com/go-fuzz-corpus/edgecorpus/reservoir"
	"github.com/go-fuzz-corpus/edgecorpus/triage"
)

var (
	flagWorkdir         = flag.String("workdir", ".", "dir with persistent corpus data")
	flagMapSize         = flag.Int("mapsize", 1<<16, "coverage bitmap size in bytes")
	flagReservoirK      = flag.Int("edges-per-slot", 32, "max entries kept per (edge, bucket) slot; 2 switches to the levenshtein kernel")
	flagAtomKind        = flag.String("ncd-atom", "buf", "diversity kernel atom: buf or trace")
	flagKeepUniqueHang  = flag.Bool("keep-unique-hang", true, "keep test cases that produce a previously unseen hang")
	flagKeepUniqueCrash = flag.Bool("keep-unique-crash", true, "keep test cases that produce a previously unseen crash")
	flagHangTimeout     = flag.Duration("hang-timeout", 3*time.Second, "timeout used when re-running a suspected hang")
	flagPathPartition   = flag.Bool("path-partition", false, "enable the hashfuzz-derived path-partition mode")
	flagReplayLog       = flag.String("replay", "", "JSON-lines execution log to replay through the engine")
	flagV               = flag.Int("v", 0, "verbosity level")
)

// execRecord is one line of a replay log: an input, its raw trace, the
// fault it produced, and (optionally) how it was produced.
type execRecord struct {
	Input []byte         `json:"input"`
	Trace []byte         `json:"trace"`
	Fault int            `json:"fault"`
	Prov  provenanceJSON `json:"prov"`
}

// provenanceJSON mirrors triage.Provenance for JSON decoding. Its zero
// value is not the right default (0 reads as "splicing with entry 0" /
// "byte offset 0" instead of "not applicable"), so every execRecord is
// pre-populated with defaultProvenance before json.Unmarshal runs -
// Unmarshal only ever overwrites fields actually present in the line.
type provenanceJSON struct {
	SourceEntry  int    `json:"source_entry"`
	SplicingWith int    `json:"splicing_with"`
	StageName    string `json:"stage_name"`
	StageCurByte int    `json:"stage_cur_byte"`
	StageValType int    `json:"stage_val_type"`
	StageCurVal  int64  `json:"stage_cur_val"`
	StageRepeat  int    `json:"stage_repeat"`
}

func defaultProvenance() provenanceJSON {
	return provenanceJSON{SplicingWith: -1, StageName: "replay", StageCurByte: -1, StageRepeat: -1}
}

func (p provenanceJSON) toTriage() triage.Provenance {
	return triage.Provenance{
		SourceEntry:  p.SourceEntry,
		SplicingWith: p.SplicingWith,
		StageName:    p.StageName,
		StageCurByte: p.StageCurByte,
		StageValType: triage.StageValType(p.StageValType),
		StageCurVal:  p.StageCurVal,
		StageRepeat:  p.StageRepeat,
	}
}

type xxhasher struct{}

func (xxhasher) Hash64(buf []byte, seed uint64) uint64 {
	return xxhash.Sum64(buf) ^ seed
}

// nopCalibrator stands in for a live forkserver-backed calibrator:
// corpusd replays a pre-recorded execution log with no target to
// re-execute, so calibration can only report a no-op result rather than
// actually timing anything.
type nopCalibrator struct{}

func (nopCalibrator) Calibrate(h collab.Handle, cycle int) collab.CalibrationResult {
	return collab.CalibrationResult{}
}

type logAdder struct{}

func (logAdder) AddToQueue(path string, length int, passedDet bool) collab.Handle {
	if *flagV > 0 {
		log.Printf("queued %s (%d bytes)", path, length)
	}
	return collab.Handle{Path: path}
}

func main() {
	flag.Parse()

	if *flagWorkdir == "" {
		log.Fatalf("-workdir is not set")
	}
	if err := os.MkdirAll(*flagWorkdir, 0755); err != nil {
		log.Fatalf("failed to create workdir: %v", err)
	}

	atomKind := reservoir.AtomTestcaseBuf
	if *flagAtomKind == "trace" {
		atomKind = reservoir.AtomMinifiedTrace
	}

	scheduler := corpus.NewDefaultScheduler()
	engine := corpus.New(corpus.Config{
		MapSize:         *flagMapSize,
		ReservoirK:      *flagReservoirK,
		AtomKind:        atomKind,
		OutDir:          *flagWorkdir,
		KeepUniqueHang:  *flagKeepUniqueHang,
		KeepUniqueCrash: *flagKeepUniqueCrash,
		HangTimeout:     *flagHangTimeout,
		HashfuzzEnabled: *flagPathPartition,
	}, xxhasher{}, logAdder{}, scheduler, scheduler, nil, nopCalibrator{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Printf("shutting down...")
		if err := engine.FlushBitmap(); err != nil {
			log.Printf("failed to flush bitmap: %v", err)
		}
		os.Exit(0)
	}()

	if *flagReplayLog == "" {
		log.Fatalf("-replay is not set")
	}
	if err := replay(engine, *flagReplayLog); err != nil {
		log.Fatalf("replay failed: %v", err)
	}

	if err := engine.FlushBitmap(); err != nil {
		log.Fatalf("failed to flush bitmap: %v", err)
	}

	report, err := engine.BuildFavoredSet()
	if err != nil {
		log.Fatalf("failed to build favored set: %v", err)
	}
	snap := engine.Snapshot()
	log.Printf("execs=%d corpus=%d edges_covered=%d/%d ncdm_favored=%d (ncd=%.4f) scheduler_favored=%d (ncd=%.4f)",
		snap.ExecCount, snap.CorpusSize, snap.EdgesCovered, snap.MapSize,
		report.NCDMFavoredCount, report.NCDMFavoredNCD,
		report.SchedulerFavoredCount, report.SchedulerFavoredNCD)
}

func replay(engine *corpus.Engine, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		rec := execRecord{Prov: defaultProvenance()}
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return err
		}
		verdict, err := engine.ProcessExecution(rec.Input, rec.Trace, collab.Fault(rec.Fault), rec.Prov.toTriage())
		if err != nil {
			return err
		}
		if *flagV > 1 {
			log.Printf("%s -> %s", verdict.Kind, verdict.Path)
		}
	}
	return scanner.Err()
}
