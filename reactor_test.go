// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package rtpproxy

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	registry := NewRegistry()
	ports := NewPortAllocator(40000, 40200)
	e := NewEngine(registry, ports, NewSystemClock(), NopNotifier{}, zerolog.Nop())
	e.BindHost = net.ParseIP("127.0.0.1")
	return e
}

func TestInsertSessionAllocatesAndRegisters(t *testing.T) {
	e := newTestEngine(t)

	s, err := e.InsertSession("call-1", TTLUnified, false, 0)
	require.NoError(t, err)
	defer e.DeleteSession("call-1")

	require.NotNil(t, s)
	require.Equal(t, 4, e.Registry.Len(), "RTP + RTCP session pair register two legs each")

	require.Zero(t, s.Legs[LegCallee].localPort%2, "RTP port must be even")
	require.Equal(t, s.Legs[LegCallee].localPort+1, s.RTP().sibling.Legs[LegCallee].localPort)

	found, ok := e.LookupSession("call-1")
	require.True(t, ok)
	require.Same(t, s, found)
}

func TestInsertSessionDuplicateTagRejected(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.InsertSession("dup", TTLUnified, false, 0)
	require.NoError(t, err)
	defer e.DeleteSession("dup")

	_, err = e.InsertSession("dup", TTLUnified, false, 0)
	require.Error(t, err)
	require.True(t, IsKind(err, KindConfigInvalid))
}

func TestDeleteSessionReturnsPorts(t *testing.T) {
	e := newTestEngine(t)
	before := e.Ports.Available()

	_, err := e.InsertSession("call-2", TTLUnified, false, 0)
	require.NoError(t, err)
	require.Less(t, e.Ports.Available(), before)

	require.True(t, e.DeleteSession("call-2"))
	require.Equal(t, before, e.Ports.Available())

	_, ok := e.LookupSession("call-2")
	require.False(t, ok)
}

// TestForwardingRoundTrip exercises the full address-learning + forwarding
// path against real loopback sockets: a datagram from the
// callee leg with no latched peer on the caller side is dropped, and once
// the callee leg has latched its peer, a caller datagram is relayed to the
// callee's endpoint.
func TestForwardingRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	s, err := e.InsertSession("rt", TTLUnified, false, 0)
	require.NoError(t, err)
	defer e.DeleteSession("rt")

	calleePeer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer calleePeer.Close()
	callerPeer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer callerPeer.Close()

	rtpCalleeAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: s.Legs[LegCallee].localPort}
	rtpCallerAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: s.Legs[LegCaller].localPort}

	_, err = calleePeer.WriteToUDP([]byte("hello-from-callee"), rtpCalleeAddr)
	require.NoError(t, err)
	waitReadable(t, s.Legs[LegCallee].fd)
	e.rxmitOne(s, LegCallee, e.clock.Now())
	require.EqualValues(t, 1, s.Pcount[pcDropped], "no latched caller peer yet, datagram must be dropped")

	_, err = callerPeer.WriteToUDP([]byte("hello-from-caller"), rtpCallerAddr)
	require.NoError(t, err)
	waitReadable(t, s.Legs[LegCaller].fd)
	e.rxmitOne(s, LegCaller, e.clock.Now())
	require.EqualValues(t, 1, s.Pcount[pcForwarded], "callee peer is now latched, this datagram must forward")

	calleePeer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, _, err := calleePeer.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, "hello-from-caller", string(buf[:n]))
}

func waitReadable(t *testing.T, fd int) {
	t.Helper()
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for i := 0; i < 50; i++ {
		n, err := unix.Poll(pfd, 10)
		if err == nil && n > 0 && pfd[0].Revents&unix.POLLIN != 0 {
			return
		}
	}
	t.Fatal("socket never became readable")
}
