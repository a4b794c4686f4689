// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package rtpproxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRoundsPortMinUp(t *testing.T) {
	c := DefaultConfig()
	c.PortMin = 35001
	c.PortMax = 40000
	require.NoError(t, c.Normalize())
	assert.Equal(t, 35002, c.PortMin)
}

func TestNormalizePortMaxLeavesRoomForRTCP(t *testing.T) {
	c := DefaultConfig()
	c.PortMin = 35000
	c.PortMax = 40001 // odd: decrement by 1
	require.NoError(t, c.Normalize())
	assert.Equal(t, 40000, c.PortMax)

	c2 := DefaultConfig()
	c2.PortMin = 35000
	c2.PortMax = 40000 // even: decrement by 2, to leave port_max+1 free
	require.NoError(t, c2.Normalize())
	assert.Equal(t, 39998, c2.PortMax)
}

func TestNormalizeRejectsInvertedRange(t *testing.T) {
	c := DefaultConfig()
	c.PortMin = 40000
	c.PortMax = 35000
	err := c.Normalize()
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConfigInvalid))
}

func TestNormalizeRejectsSessionDirWithoutRecordDir(t *testing.T) {
	c := DefaultConfig()
	c.PortMin, c.PortMax = 35000, 40000
	c.SessionDir = "/tmp/sdir"
	err := c.Normalize()
	require.Error(t, err)
}

func TestParseBindPairBridging(t *testing.T) {
	bp, err := ParseBindPair("10.0.0.1/192.168.1.1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", bp.External.String())
	assert.Equal(t, "192.168.1.1", bp.Internal.String())
}
