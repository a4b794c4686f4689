// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package rtpproxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortAllocatorEvenOnly(t *testing.T) {
	pa := NewPortAllocator(10000, 10010)
	require.Equal(t, 6, pa.Capacity())

	seen := make(map[int]bool)
	for i := 0; i < 6; i++ {
		p, err := pa.Allocate()
		require.NoError(t, err)
		assert.Zero(t, p%2)
		assert.GreaterOrEqual(t, p, 10000)
		assert.LessOrEqual(t, p, 10010)
		seen[p] = true
	}
	assert.Len(t, seen, 6)
}

func TestPortAllocatorExhaustion(t *testing.T) {
	pa := NewPortAllocator(10000, 10002)
	_, err := pa.Allocate()
	require.NoError(t, err)
	_, err = pa.Allocate()
	require.NoError(t, err)

	_, err = pa.Allocate()
	require.Error(t, err)
	assert.True(t, IsKind(err, KindPortExhausted))
}

func TestPortAllocatorReleaseReuse(t *testing.T) {
	pa := NewPortAllocator(10000, 10000)
	p, err := pa.Allocate()
	require.NoError(t, err)
	require.Equal(t, 0, pa.Available())

	pa.Release(p)
	require.Equal(t, 1, pa.Available())

	p2, err := pa.Allocate()
	require.NoError(t, err)
	assert.Equal(t, p, p2)
}
