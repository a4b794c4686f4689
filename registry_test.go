// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package rtpproxy

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func fakeSession(tag string, fd0, fd1 int) *Session {
	s := &Session{Tag: tag, log: zerolog.Nop(), sridx: -1}
	s.Legs[LegCallee].fd = fd0
	s.Legs[LegCaller].fd = fd1
	s.Legs[LegCallee].localPort = fd0
	s.Legs[LegCaller].localPort = fd1
	return s
}

func TestRegistryInsertStampsSidx(t *testing.T) {
	r := NewRegistry()
	s := fakeSession("a", 10, 11)
	r.Insert(s)

	require.Equal(t, 2, r.Len())
	assert.Equal(t, 0, s.Legs[LegCallee].sidx)
	assert.Equal(t, 1, s.Legs[LegCaller].sidx)
}

func TestRegistryCompactionPreservesInvariant(t *testing.T) {
	r := NewRegistry()
	a := fakeSession("a", 10, 11)
	b := fakeSession("b", 20, 21)
	c := fakeSession("c", 30, 31)
	r.Insert(a)
	r.Insert(b)
	r.Insert(c)
	require.Equal(t, 6, r.Len())

	r.MarkDeleted(b)

	r.WithLock(func() {
		r.SweepCompacted()
	})

	require.Equal(t, 4, r.Len())
	// Registry compactness: every surviving leg's sidx must point
	// back to a row carrying that exact fd.
	for _, s := range []*Session{a, c} {
		for leg := 0; leg < 2; leg++ {
			idx := s.Legs[leg].sidx
			require.GreaterOrEqual(t, idx, 0)
			require.Less(t, idx, r.Len())
			assert.EqualValues(t, s.Legs[leg].fd, r.DescriptorAt(idx).Fd)
		}
	}
}

func TestRegistrySnapshotApplyRevents(t *testing.T) {
	r := NewRegistry()
	s := fakeSession("a", 10, 11)
	r.Insert(s)

	polled := r.Snapshot()
	require.Len(t, polled, 2)
	polled[0].Revents = unix.POLLIN

	r.ApplyRevents(polled)
	assert.Equal(t, int16(unix.POLLIN), r.DescriptorAt(0).Revents)
	assert.Equal(t, int16(0), r.DescriptorAt(1).Revents)
}

func TestRegistryLookupByPort(t *testing.T) {
	r := NewRegistry()
	s := fakeSession("a", 10, 11)
	r.Insert(s)

	found, leg, ok := r.LookupByPort(10)
	require.True(t, ok)
	assert.Same(t, s, found)
	assert.Equal(t, LegCallee, leg)

	_, _, ok = r.LookupByPort(999)
	assert.False(t, ok)
}
