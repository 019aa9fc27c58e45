// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"testing"

	"github.com/go-fuzz-corpus/edgecorpus/collab"
	"github.com/stretchr/testify/require"
)

func TestDefaultSchedulerClampsScore(t *testing.T) {
	s := NewDefaultScheduler()
	require.EqualValues(t, defScore, s.FavFactor(collab.Handle{ID: 1}))

	s.RecordExecUS(1, 0)
	require.EqualValues(t, minScore, s.FavFactor(collab.Handle{ID: 1}))

	s.RecordExecUS(1, 5_000_000)
	require.EqualValues(t, maxScore, s.FavFactor(collab.Handle{ID: 1}))

	s.RecordExecUS(1, 500)
	require.EqualValues(t, 500, s.FavFactor(collab.Handle{ID: 1}))
}
