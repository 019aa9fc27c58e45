// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package bitmap

import (
	"os"
	"path/filepath"
)

// WriteFuzzBitmap atomically rewrites <outDir>/fuzz_bitmap with the
// current normal-path virgin map, but only if it has changed since the
// last write.
func (vb *VirginBitmaps) WriteFuzzBitmap(outDir string) error {
	if !vb.changed {
		return nil
	}
	path := filepath.Join(outDir, "fuzz_bitmap")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, vb.Normal, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	vb.changed = false
	return nil
}
