// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package rtpproxy

import (
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(ttlMode TTLMode) *Session {
	return &Session{
		Tag:          "test",
		TTLMode:      ttlMode,
		MaxTTL:       2,
		LBRThreshold: DefaultLBRThreshold,
		UpdateWindow: DefaultUpdateWindow,
		log:          zerolog.Nop(),
		sridx:        -1,
	}
}

func udpAddr(ip string, port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
}

func TestLearnBootstrap(t *testing.T) {
	s := newTestSession(TTLUnified)
	res := s.learn(1.0, LegCallee, udpAddr("10.0.0.1", 30000))
	assert.True(t, res.accept)
	assert.Equal(t, udpAddr("10.0.0.1", 30000), s.Legs[LegCallee].remoteAddr)
	assert.True(t, s.Legs[LegCallee].untrustedAddr)
	assert.EqualValues(t, 1, s.Pcount[LegCallee])
}

func TestLearnSymmetricRejectsMismatch(t *testing.T) {
	s := newTestSession(TTLUnified)
	s.learn(1.0, LegCallee, udpAddr("10.0.0.1", 30000))

	res := s.learn(2.0, LegCallee, udpAddr("10.0.0.2", 30000))
	assert.False(t, res.accept)
	assert.EqualValues(t, 1, s.Pcount[LegCallee], "pcount must not advance on a rejected datagram")
}

func TestLearnSymmetricAcceptsMatch(t *testing.T) {
	s := newTestSession(TTLUnified)
	s.learn(1.0, LegCallee, udpAddr("10.0.0.1", 30000))

	res := s.learn(2.0, LegCallee, udpAddr("10.0.0.1", 30000))
	assert.True(t, res.accept)
	assert.EqualValues(t, 2, s.Pcount[LegCallee])
}

func TestLatchMonotonicityAfterCanUpdateCleared(t *testing.T) {
	s := newTestSession(TTLUnified)
	s.learn(1.0, LegCallee, udpAddr("10.0.0.1", 30000))
	s.Legs[LegCallee].canUpdate = true

	// First mismatch is accepted as a new latch (can_update is set).
	res := s.learn(2.0, LegCallee, udpAddr("10.0.0.2", 30000))
	require.True(t, res.accept)
	assert.Equal(t, "10.0.0.2", s.Legs[LegCallee].remoteAddr.IP.String())
	assert.False(t, s.Legs[LegCallee].canUpdate, "a single new-host latch must clear can_update")

	// A further mismatch must now be rejected.
	res = s.learn(3.0, LegCallee, udpAddr("10.0.0.3", 30000))
	assert.False(t, res.accept)
	assert.Equal(t, "10.0.0.2", s.Legs[LegCallee].remoteAddr.IP.String())
}

func TestAsymmetricIgnoresPort(t *testing.T) {
	s := newTestSession(TTLUnified)
	s.Legs[LegCallee].asymmetric = true
	s.learn(1.0, LegCallee, udpAddr("10.0.0.1", 30000))

	res := s.learn(2.0, LegCallee, udpAddr("10.0.0.1", 40000))
	assert.True(t, res.accept, "asymmetric legs authenticate on host only")

	res = s.learn(3.0, LegCallee, udpAddr("10.0.0.2", 30000))
	assert.False(t, res.accept, "a different host must still be rejected")
}

func TestGuessRTCPIdempotent(t *testing.T) {
	rtp := newTestSession(TTLUnified)
	rtcp := newTestSession(TTLUnified)
	rtcp.IsRTCP = true
	rtp.sibling = rtcp
	rtcp.sibling = rtp

	rtp.learn(1.0, LegCallee, udpAddr("10.0.0.1", 30000))
	require.NotNil(t, rtcp.Legs[LegCallee].remoteAddr)
	assert.Equal(t, 30001, rtcp.Legs[LegCallee].remoteAddr.Port)
	firstGuess := rtcp.Legs[LegCallee].remoteAddr

	// A second datagram on the RTP leg from the same host is a no-op for
	// the sibling RTCP leg's latch.
	rtp.Legs[LegCallee].canUpdate = true
	rtp.learn(2.0, LegCallee, udpAddr("10.0.0.1", 30002))
	assert.Same(t, firstGuess, rtcp.Legs[LegCallee].remoteAddr)
}

func TestTTLUnifiedSurvivesOnEitherLeg(t *testing.T) {
	s := newTestSession(TTLUnified)
	s.Legs[LegCallee].ttl = 2
	s.Legs[LegCaller].ttl = 0

	assert.True(t, s.aliveAfterDecrement())
	assert.EqualValues(t, 1, s.Legs[LegCallee].ttl)
	assert.True(t, s.aliveAfterDecrement())
	assert.EqualValues(t, 0, s.Legs[LegCallee].ttl)
	assert.False(t, s.aliveAfterDecrement())
}

func TestTTLIndependentDiesWithFirstIdleLeg(t *testing.T) {
	s := newTestSession(TTLIndependent)
	s.Legs[LegCallee].ttl = 2
	s.Legs[LegCaller].ttl = 1

	assert.True(t, s.aliveAfterDecrement())
	assert.EqualValues(t, 1, s.Legs[LegCallee].ttl)
	assert.EqualValues(t, 0, s.Legs[LegCaller].ttl)

	assert.False(t, s.aliveAfterDecrement(), "one leg already at zero must end an independent-mode session")
}

func TestTTLEvictionScenario(t *testing.T) {
	// max_ttl=2, a 1s ticker, no traffic for 3 ticks -> removed on the
	// third tick.
	s := newTestSession(TTLUnified)
	s.Legs[LegCallee].ttl = 2
	s.Legs[LegCaller].ttl = 2

	assert.True(t, s.aliveAfterDecrement()) // tick 1: (2,2) -> (1,1)
	assert.True(t, s.aliveAfterDecrement()) // tick 2: (1,1) -> (0,0)
	assert.False(t, s.aliveAfterDecrement()) // tick 3: (0,0) -> removed
}
