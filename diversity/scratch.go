// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package diversity implements the corpus diversity kernels: LZ4-based
// Normalized Compression Distance and normalized Levenshtein distance,
// both operating over caller-supplied "atoms" (a testcase buffer or a
// minified trace).
package diversity

import (
	"errors"

	"github.com/pierrec/lz4/v4"
)

// ErrCompressFailed reports the LZ4 block compressor returning a zero
// length for a non-empty atom, which only happens if Scratch's
// destination buffer was undersized for the input it was given -
// a bug in this package, not a property of the input.
var ErrCompressFailed = errors.New("diversity: lz4 compress returned 0 for a non-empty atom")

// Scratch holds the amortized, monotonically-growing buffers the NCD
// kernel reuses across calls: a concatenation buffer sized to the
// largest input seen so far, and the matching LZ4 destination buffer.
// Kept as an explicit, passed-by-reference object rather than package
// globals so independent callers (tests, multiple Engines) never share
// state by accident.
type Scratch struct {
	highWater  int
	concat     []byte
	compressed []byte
}

// NewScratch returns an empty Scratch. Buffers are allocated lazily on
// first use and grow only when an input exceeds the current capacity.
func NewScratch() *Scratch {
	return &Scratch{}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (s *Scratch) grow(n int) {
	if n <= s.highWater {
		return
	}
	s.highWater = nextPow2(n)
	s.concat = make([]byte, s.highWater)
	s.compressed = make([]byte, lz4.CompressBlockBound(s.highWater))
}

// concatBuf returns a slice of the shared concatenation buffer sized
// exactly to n, growing the backing array first if needed.
func (s *Scratch) concatBuf(n int) []byte {
	s.grow(n)
	return s.concat[:n]
}

// Compress returns the LZ4-compressed length of buf.
func (s *Scratch) Compress(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	s.grow(len(buf))
	var c lz4.Compressor
	n, err := c.CompressBlock(buf, s.compressed)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrCompressFailed
	}
	return n, nil
}
