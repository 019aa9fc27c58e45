// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package diversity

// NCD computes the Normalized Compression Distance over a set of atoms:
//
//	(C(concat(atoms)) - min(C(atom))) / max(C(concat(atoms \ {atom})))
//
// atoms must contain at least two elements to be meaningful; NCD of a
// single atom or an empty set is defined as 0.
func NCD(atoms [][]byte, scratch *Scratch) (float64, error) {
	if len(atoms) < 2 {
		return 0, nil
	}

	minCompLen := -1
	total := 0
	for _, a := range atoms {
		c, err := scratch.Compress(a)
		if err != nil {
			return 0, err
		}
		if minCompLen == -1 || c < minCompLen {
			minCompLen = c
		}
		total += len(a)
	}

	buf := scratch.concatBuf(total)
	pos := 0
	for _, a := range atoms {
		pos += copy(buf[pos:], a)
	}
	fullCompLen, err := scratch.Compress(buf[:pos])
	if err != nil {
		return 0, err
	}

	maxSubCompLen := 0
	for skip := range atoms {
		buf := scratch.concatBuf(total)
		pos := 0
		for i, a := range atoms {
			if i == skip {
				continue
			}
			pos += copy(buf[pos:], a)
		}
		c, err := scratch.Compress(buf[:pos])
		if err != nil {
			return 0, err
		}
		if c > maxSubCompLen {
			maxSubCompLen = c
		}
	}

	if maxSubCompLen == 0 {
		return 0, nil
	}
	return float64(fullCompLen-minCompLen) / float64(maxSubCompLen), nil
}
