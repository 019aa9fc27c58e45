// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package diversity

import "bytes"

// NormalizedLevenshtein returns (longer-editDistance)/longer using the
// standard, complete dynamic-programming edit distance between a and b.
// It deliberately computes the full matrix rather than the truncated
// band some C implementations use as a speed hack, since the truncated
// form silently overstates the distance for inputs that differ near
// both ends.
func NormalizedLevenshtein(a, b []byte) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	longer, shorter := a, b
	if len(b) > len(a) {
		longer, shorter = b, a
	}
	if bytes.Equal(longer, shorter) {
		return 0
	}

	prev := make([]int, len(shorter)+1)
	cur := make([]int, len(shorter)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(longer); i++ {
		cur[0] = i
		for j := 1; j <= len(shorter); j++ {
			cost := 1
			if longer[i-1] == shorter[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := cur[j-1] + 1
			sub := prev[j-1] + cost
			cur[j] = min3(del, ins, sub)
		}
		prev, cur = cur, prev
	}

	editDist := prev[len(shorter)]
	return float64(len(longer)-editDist) / float64(len(longer))
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
