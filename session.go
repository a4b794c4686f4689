// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package rtpproxy

import (
	"net"

	"github.com/rs/zerolog"
)

// Leg indices.
const (
	LegCallee = 0
	LegCaller = 1
)

func legName(leg int) string {
	if leg == LegCallee {
		return "callee"
	}
	return "caller"
}

// TTLMode selects how a session's two legs combine into a liveness
// decision during a ticker sweep.
type TTLMode int

const (
	// TTLUnified keeps a session alive while either leg's ttl is nonzero.
	TTLUnified TTLMode = iota
	// TTLIndependent ends the whole session as soon as either leg's ttl is
	// zero; legs are not removed individually.
	TTLIndependent
)

// pcount indices: a session-level array, not per-leg --
// index 0/1 are packets received on leg 0/1, index 2 is total forwarded,
// index 3 is total dropped, matching the reference's struct rtpp_session.
const (
	pcForwarded = 2
	pcDropped   = 3
)

// Compile-time policy defaults: the reference's SESSION_TIMEOUT, a zero
// log-coalescing window (Session.UpdateWindow; zero disables coalescing),
// and the reference's compiled-in low-bitrate threshold.
const (
	DefaultMaxTTL       = 60
	DefaultUpdateWindow = 0
	DefaultLBRThreshold = 128
)

// Leg holds everything the address-learning state machine and the
// forwarding reactor need about one side of a relayed leg.
type Leg struct {
	fd        int
	localAddr *net.UDPAddr
	localPort int
	sidx      int // this leg's row index in the owning Registry

	remoteAddr     *net.UDPAddr
	prevRemoteAddr *net.UDPAddr

	asymmetric    bool
	canUpdate     bool
	untrustedAddr bool
	lastUpdate    float64

	ttl int

	generator Generator
	recorder  Recorder
	resizer   Resizer
}

// RemoteAddr returns the currently latched peer endpoint, or nil if the
// leg hasn't learned one yet. Exposed for the command channel's "Q" query.
func (l *Leg) RemoteAddr() *net.UDPAddr { return l.remoteAddr }

// Asymmetric, CanUpdate, UntrustedAddr mirror the session-state flags the
// command channel is allowed to inspect/mutate.
func (l *Leg) Asymmetric() bool    { return l.asymmetric }
func (l *Leg) CanUpdate() bool     { return l.canUpdate }
func (l *Leg) UntrustedAddr() bool { return l.untrustedAddr }

// Session is a bidirectional pairing of two Legs, and a sibling link to its
// RTP/RTCP counterpart session. The sibling is a non-owning
// pointer: deletion frees both sides together under
// the global lock, never via reference counting.
type Session struct {
	Tag string // call-id/tag key the command channel inserted this under

	// CorrelationID disambiguates two Insert/Delete cycles that reuse the
	// same Tag (the command channel's tag namespace is the signalling
	// peer's, not this process's) across logs and recorder filenames.
	CorrelationID string

	Legs [2]Leg

	IsRTCP  bool // false: this is the RTP session; true: its RTCP sibling
	sibling *Session

	MaxTTL       int
	TTLMode      TTLMode
	Dmode        bool
	LBRThreshold int
	UpdateWindow float64

	// Pcount is session-level, indexed [receivedOnLeg0, receivedOnLeg1,
	// forwarded, dropped].
	Pcount [4]uint64

	// sridx is this session's row index in the Engine's RTP-server list,
	// or -1 when no generator is attached to either leg.
	sridx int

	log zerolog.Logger
}

// Counters returns a snapshot of (received-on-leg, forwarded, dropped) --
// forwarded/dropped are session totals, not per-leg, per the reference's
// pcount layout.
func (s *Session) Counters(leg int) (received, forwarded, dropped uint64) {
	return s.Pcount[leg], s.Pcount[pcForwarded], s.Pcount[pcDropped]
}

// RTP returns the RTP session of an RTP/RTCP pair, whichever side s is.
func (s *Session) RTP() *Session {
	if s.IsRTCP {
		return s.sibling
	}
	return s
}

// aliveAfterDecrement implements the TTL liveness check: in
// unified mode the session stays alive while either leg's ttl is nonzero
// (traffic on one leg masks silence on the other); in independent mode it
// requires both legs nonzero, so the first leg to go idle ends the session.
// Liveness is evaluated before decrementing, matching the reference's
// get_ttl()-then-decrement ordering: an already-expired session is reported
// dead without a further decrement.
func (s *Session) aliveAfterDecrement() bool {
	var alive bool
	switch s.TTLMode {
	case TTLIndependent:
		alive = s.Legs[0].ttl != 0 && s.Legs[1].ttl != 0
	default: // TTLUnified
		alive = s.Legs[0].ttl != 0 || s.Legs[1].ttl != 0
	}
	if !alive {
		return false
	}
	for leg := 0; leg < 2; leg++ {
		if s.Legs[leg].ttl != 0 {
			s.Legs[leg].ttl--
		}
	}
	return true
}

// learnResult tells the caller (Engine.rxmitOne) whether a just-learned
// packet is accepted for delivery.
type learnResult struct {
	accept bool
}

// learn implements the per-leg address-learning state machine: bootstrap,
// symmetric re-latching, and asymmetric host-only authentication. ridx is
// the leg the datagram arrived on.
func (s *Session) learn(now float64, ridx int, peer *net.UDPAddr) learnResult {
	leg := &s.Legs[ridx]

	if leg.remoteAddr == nil {
		// Step 1: bootstrap.
		s.Pcount[ridx]++
		leg.untrustedAddr = true
		leg.remoteAddr = peer
		s.log.Info().
			Str("leg", legName(ridx)).
			Str("addr", peer.String()).
			Msg("address filled in")
		s.guessRTCP(ridx, peer)
		return learnResult{accept: true}
	}

	if !leg.asymmetric {
		// Step 2: symmetric authenticity.
		if sameAddr(leg.remoteAddr, peer) {
			s.Pcount[ridx]++
			if leg.canUpdate && (leg.lastUpdate == 0 || now-leg.lastUpdate > s.UpdateWindow) {
				s.log.Info().
					Str("leg", legName(ridx)).
					Str("addr", peer.String()).
					Msg("address latched in")
				leg.canUpdate = false
			}
			leg.lastUpdate = now
			return learnResult{accept: true}
		}
		if !leg.canUpdate {
			return learnResult{accept: false}
		}
		// Accept as a new latch.
		s.Pcount[ridx]++
		leg.untrustedAddr = true
		prev := leg.prevRemoteAddr
		leg.prevRemoteAddr = leg.remoteAddr
		leg.remoteAddr = peer
		if prev == nil || !sameAddr(prev, peer) {
			leg.canUpdate = false
		}
		s.log.Info().
			Str("leg", legName(ridx)).
			Str("addr", peer.String()).
			Msg("address filled in")
		s.guessRTCP(ridx, peer)
		return learnResult{accept: true}
	}

	// Step 3: asymmetric authenticity -- host only, port ignored.
	if !sameHost(leg.remoteAddr, peer) {
		return learnResult{accept: false}
	}
	s.Pcount[ridx]++
	return learnResult{accept: true}
}

// guessRTCP infers the RTCP sibling's peer address from the RTP peer
// address (RTP port + 1): only meaningful when s is the RTP session and has
// an RTCP sibling. A second datagram on the same leg with the same peer
// host is a no-op.
func (s *Session) guessRTCP(ridx int, peer *net.UDPAddr) {
	if s.IsRTCP || s.sibling == nil {
		return
	}
	rtcpLeg := &s.sibling.Legs[ridx]
	if rtcpLeg.remoteAddr != nil && sameHost(rtcpLeg.remoteAddr, peer) {
		return
	}
	guessed := &net.UDPAddr{IP: peer.IP, Port: peer.Port + 1, Zone: peer.Zone}
	rtcpLeg.remoteAddr = guessed
	rtcpLeg.canUpdate = !s.Legs[ridx].asymmetric
	s.log.Info().
		Str("leg", legName(ridx)).
		Int("port", guessed.Port).
		Msg("guessing RTCP port")
}
