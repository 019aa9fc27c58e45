// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package triage

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-fuzz-corpus/edgecorpus/bitmap"
)

// StageValType distinguishes how StageCurVal should be rendered, mirroring
// the little/big-endian distinction AFL's mutators carry through
// describe_op.
type StageValType int

const (
	StageValNone StageValType = iota
	StageValLE
	StageValBE
)

// Provenance carries everything describeOp needs to name where a test
// case came from and what stage produced it. A caller that has no
// provenance to offer (e.g. a bare replay log) should leave SplicingWith,
// StageCurByte, and StageRepeat at -1 and StageName at whatever label
// makes sense for its own driver.
type Provenance struct {
	// SourceEntry is the queue index of the parent entry mutated to
	// produce this input.
	SourceEntry int
	// SplicingWith is the queue index of the entry spliced in, or -1 if
	// this input wasn't produced by splicing.
	SplicingWith int
	// StageName is the short mutator/stage label (e.g. "havoc", "flip1",
	// "arith8", "splice").
	StageName string
	// StageCurByte is the byte offset the stage was operating on, or -1
	// if the stage has no single-byte position (e.g. havoc).
	StageCurByte int
	StageValType StageValType
	StageCurVal  int64
	// StageRepeat is the havoc-style repeat count, or -1 if not
	// applicable. Only rendered when StageCurByte is -1.
	StageRepeat int
}

// describeOp renders the AFL-style comma-tag descriptor embedded in a
// queue/crash/hang filename: source lineage, elapsed time, stage, and
// (mutually exclusive) either byte-positional provenance or a repeat
// count, followed by a coverage/partition novelty flag.
func describeOp(prov Provenance, elapsedMS int64, grade bitmap.NoveltyGrade, newPartition bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "src:%06d", prov.SourceEntry)
	if prov.SplicingWith >= 0 {
		fmt.Fprintf(&b, "+%06d", prov.SplicingWith)
	}
	fmt.Fprintf(&b, ",time:%d,op:%s", elapsedMS, prov.StageName)

	if prov.StageCurByte >= 0 {
		fmt.Fprintf(&b, ",pos:%d", prov.StageCurByte)
		if prov.StageValType != StageValNone {
			prefix := ""
			if prov.StageValType == StageValBE {
				prefix = "be:"
			}
			fmt.Fprintf(&b, ",val:%s%+d", prefix, prov.StageCurVal)
		}
	} else if prov.StageRepeat >= 0 {
		fmt.Fprintf(&b, ",rep:%d", prov.StageRepeat)
	}

	switch {
	case grade == bitmap.NoveltyEdge:
		b.WriteString(",+cov")
	case grade == bitmap.NoveltyNone && newPartition:
		b.WriteString(",+partition")
	}
	return b.String()
}

func describeHang(prov Provenance, elapsedMS int64) string {
	return describeOp(prov, elapsedMS, bitmap.NoveltyNone, false)
}

func describeCrash(prov Provenance, elapsedMS int64, grade bitmap.NoveltyGrade) string {
	return describeOp(prov, elapsedMS, grade, false)
}

// writeCrashReadme drops a short human-readable note alongside a fresh
// crashes/ directory the first time it's created, the same way this
// project's other output writers explain what they just wrote.
func writeCrashReadme(dir string) error {
	path := dir + "/README.txt"
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	body := "Command line used to find this crash:\n\n" +
		"Unique crashing inputs land in this directory, named id:NNNNNN,<how it was found>.\n"
	return os.WriteFile(path, []byte(body), 0644)
}
