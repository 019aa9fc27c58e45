// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package triage

import "github.com/go-fuzz-corpus/edgecorpus/collab"

// partitionSeed and partitionChecksumSeed keep the hashfuzz partition
// classification and the per-path checksum decorrelated from the
// content-hash sig (which is always Hash64(mem, 0)).
const (
	partitionSeed         = 0x9e3779b97f4a7c15
	partitionChecksumSeed = 0xc2b2ae3d27d4eb4f
)

// PathPartition tracks, for a single coverage path (identified by the
// checksum of its unclassified trace), which hashfuzz partitions have
// already been seen along that path.
type PathPartition struct {
	Checksum        uint64
	FoundPartitions uint32
}

// classifyPartition buckets mem into one of numPartitions classes,
// independent of coverage. Grounded on the hashfuzz block of
// save_if_interesting, which hashes the test case itself (not its
// trace) to pick a partition.
func classifyPartition(hasher collab.Hasher64, mem []byte, numPartitions int) int {
	if numPartitions <= 0 {
		numPartitions = 1
	}
	return int(hasher.Hash64(mem, partitionSeed) % uint64(numPartitions))
}

// checkIfNewPartition is the non-mimic path: partitions are tracked per
// coverage path, so the same partition can be "new" once for every
// distinct path it's first observed on. Grounded on
// afl-fuzz-bitmap.c's check_if_new_partition.
func (s *Sink) checkIfNewPartition(pathChecksum uint64, partition int) bool {
	if s.partitions == nil {
		s.partitions = make(map[uint64]*PathPartition)
	}
	pp, ok := s.partitions[pathChecksum]
	if !ok {
		pp = &PathPartition{Checksum: pathChecksum}
		s.partitions[pathChecksum] = pp
	}
	bit := uint32(1) << uint(partition)
	isNew := pp.FoundPartitions&bit == 0
	pp.FoundPartitions |= bit
	return isNew
}

// checkIfNewMimicPartition is the mimic path: a single bitmap of
// partitions ever seen across the whole run, so a partition is "new"
// exactly once no matter how many paths hit it.
func (s *Sink) checkIfNewMimicPartition(partition int) bool {
	bit := uint32(1) << uint(partition)
	isNew := s.discoveredPartitions&bit == 0
	s.discoveredPartitions |= bit
	return isNew
}

// partitionCount is the configured partition space, defaulting to 32
// (one per bit of the uint32 bitmaps above).
func (s *Sink) partitionCount() int {
	if s.cfg.HashfuzzPartitionCount > 0 {
		return s.cfg.HashfuzzPartitionCount
	}
	return 32
}
