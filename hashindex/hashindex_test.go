// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package hashindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeEntry struct {
	id  int
	dup int
}

func (f *fakeEntry) SetDuplicates(n int) { f.dup = n }

func TestDuplicateCountInvariant(t *testing.T) {
	ix := New()
	a := &fakeEntry{id: 1}
	b := &fakeEntry{id: 2}
	c := &fakeEntry{id: 3}

	ix.Insert(42, a)
	require.Equal(t, 0, a.dup)

	ix.Insert(42, b)
	require.Equal(t, 1, a.dup)
	require.Equal(t, 1, b.dup)

	ix.Insert(42, c)
	require.Equal(t, 2, a.dup)
	require.Equal(t, 2, b.dup)
	require.Equal(t, 2, c.dup)

	ix.Remove(42, b)
	require.Equal(t, 1, a.dup)
	require.Equal(t, 1, c.dup)
	require.Equal(t, []Entry{a, c}, ix.Lookup(42))

	ix.Remove(42, c)
	require.Equal(t, 0, a.dup)

	ix.Remove(42, a)
	require.Equal(t, 0, ix.Count(42))
	require.Nil(t, ix.Lookup(42))
}

func TestIndependentSignaturesDoNotInteract(t *testing.T) {
	ix := New()
	a := &fakeEntry{id: 1}
	b := &fakeEntry{id: 2}
	ix.Insert(1, a)
	ix.Insert(2, b)
	require.Equal(t, 0, a.dup)
	require.Equal(t, 0, b.dup)
}
