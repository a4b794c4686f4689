// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package rtpproxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Engine is the forwarding reactor plus its concurrency envelope and
// mutation surface: it implements CommandHandler directly, since the
// command channel's wire parser is the only piece out of scope here -- the
// mutations themselves are in scope.
type Engine struct {
	Registry *Registry
	Ports    *PortAllocator

	clock    Clock
	notifier Notifier
	log      zerolog.Logger

	// PollRate bounds reactor iterations per second (nominal upper bound).
	// TimeTick is the eviction ticker period in seconds.
	PollRate float64
	TimeTick float64

	BindHost net.IP
	TOS      int

	// globalMu is the global lock: held for the duration of
	// processRTP/processRTPServers, and by every CommandHandler mutation.
	globalMu sync.Mutex
	byTag    map[string]*Session
	rtpServers []*Session

	recvBuf []byte
}

// NewEngine builds a reactor around an already-constructed registry and
// port allocator. PollRate and TimeTick start at the reference's defaults
// (100Hz poll, 1s eviction ticks); both are exported fields callers may
// override before Run.
func NewEngine(registry *Registry, ports *PortAllocator, clock Clock, notifier Notifier, log zerolog.Logger) *Engine {
	return &Engine{
		Registry: registry,
		Ports:    ports,
		clock:    clock,
		notifier: notifier,
		log:      log,
		PollRate: 100,
		TimeTick: 1.0,
		BindHost: net.IPv4zero,
		byTag:    make(map[string]*Session),
		recvBuf:  make([]byte, MaxDatagramSize),
	}
}

// Run is the reactor's main loop. It returns when ctx is
// cancelled, or on an unrecoverable poll(2) failure.
func (e *Engine) Run(ctx context.Context) error {
	sleepBaseline := e.clock.Now()
	eptime := sleepBaseline
	lastTick := 0.0
	interval := 1.0 / e.PollRate
	suppressTick := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Step 1: pace the loop to ~PollRate iterations/second.
		delay := eptime - sleepBaseline
		switch {
		case delay <= 0:
			// Clock went backwards (or this is the first iteration):
			// reset the pacing baseline and suppress exactly one
			// ticker increment.
			sleepBaseline = eptime
			suppressTick = true
		case delay < interval:
			sleepBaseline += interval
			e.clock.Sleep(time.Duration((interval - delay) * float64(time.Second)))
		default:
			sleepBaseline = eptime
		}

		// Step 2: snapshot session count, poll if nonzero.
		n := e.Registry.Len()
		if n == 0 {
			e.clock.Sleep(time.Duration(interval * float64(time.Second)))
		} else {
			polled := e.Registry.Snapshot()
			nready, err := unix.Poll(polled, int(interval*1000))
			if err != nil {
				if err == unix.EINTR {
					continue
				}
				return newErr(KindTransient, "poll", err)
			}
			if nready > 0 {
				e.Registry.ApplyRevents(polled)
			}
		}

		eptime = e.clock.Now()

		// Step 3: at most one catch-up tick per TIMETICK of wall time.
		var alarmTick bool
		if suppressTick {
			suppressTick = false
		} else if eptime > lastTick+e.TimeTick {
			alarmTick = true
			lastTick = eptime
		}

		// Step 4-5: under the global lock, drive forwarding and the
		// RTP-server sweep.
		e.globalMu.Lock()
		e.processRTP(eptime, alarmTick)
		if len(e.rtpServers) > 0 {
			e.processRTPServers(eptime)
		}
		e.globalMu.Unlock()
	}
}

// processRTP runs ticker-driven eviction, tombstone compaction, and a
// bounded drain of each ready socket.
func (e *Engine) processRTP(now float64, alarmTick bool) {
	var expired []*Session

	e.Registry.WithLock(func() {
		for i := 0; i < e.Registry.NumRows(); i++ {
			session, leg := e.Registry.RowAt(i)
			if session == nil {
				continue
			}

			if alarmTick && !session.IsRTCP && session.sibling != nil && leg == LegCallee {
				if !session.aliveAfterDecrement() {
					e.log.Info().Str("tag", session.Tag).Msg("session timeout")
					expired = append(expired, session)
					continue
				}
			}

			if e.Registry.DescriptorAt(i).Fd == -1 {
				continue
			}

			pfd := e.Registry.DescriptorAt(i)
			if pfd.Revents&unix.POLLIN != 0 {
				e.rxmitOne(session, leg, now)
			}
			if leg := &session.Legs[leg]; leg.resizer != nil {
				for {
					pkt, ok := leg.resizer.Pull(now)
					if !ok {
						break
					}
					e.sendPacket(session, session.legOf(leg), pkt)
				}
			}
		}
		e.Registry.SweepCompacted()
	})

	for _, session := range expired {
		e.notifier.Schedule(session)
		e.removeSessionLocked(session)
	}
}

// legOf is a small helper so processRTP can recover a leg index from a
// *Leg pointer without threading the index through the resizer-pull branch
// separately; it's cheap because Legs is a fixed [2]Leg array.
func (s *Session) legOf(l *Leg) int {
	if &s.Legs[0] == l {
		return LegCallee
	}
	return LegCaller
}

// rxmitOne drains exactly one datagram from session's ridx leg, bounding
// per-session latency fairness under load: a busy leg can never starve its
// siblings within a single sweep.
func (e *Engine) rxmitOne(session *Session, ridx int, now float64) {
	leg := &session.Legs[ridx]
	pkt, err := recvFrom(leg.fd, e.recvBuf, leg.localPort, leg.localAddr, now)
	if err != nil {
		if re, ok := err.(*RelayError); ok && re.Kind == KindAllocFailure {
			e.log.Error().Err(err).Str("tag", session.Tag).Msg("can't allocate memory for remote address - removing session")
			e.removeSessionLocked(session)
		}
		return // WouldBlock/Transient: drop and move on.
	}

	res := session.learn(now, ridx, pkt.Peer)
	if !res.accept {
		return
	}

	if leg.resizer != nil {
		leg.resizer.Enqueue(pkt)
		return
	}
	e.sendPacket(session, ridx, pkt)
}

// sendPacket implements the forwarding rule: reset the receiving leg's ttl
// (kept on the RTP session), drop if the opposite leg has no latched address
// or has an active generator, else send once (or twice under dmode for
// small payloads), and tee to a recorder if attached and not shadowed by a
// generator.
func (e *Engine) sendPacket(session *Session, ridx int, pkt *Packet) {
	payload := pkt.Payload
	rtp := session.RTP()
	sidx := 1 - ridx
	rtp.Legs[ridx].ttl = rtp.MaxTTL

	opposite := &session.Legs[sidx]
	if opposite.remoteAddr == nil || opposite.generator != nil {
		session.Pcount[pcDropped]++
	} else {
		session.Pcount[pcForwarded]++
		sends := 1
		if session.Dmode && len(payload) < session.LBRThreshold {
			sends = 2
		}
		for i := 0; i < sends; i++ {
			if err := sendTo(opposite.fd, payload, opposite.remoteAddr); err != nil {
				e.log.Debug().Err(err).Str("tag", session.Tag).Msg("send failed")
			}
		}
	}

	source := &session.Legs[ridx]
	if source.recorder != nil && source.generator == nil {
		if err := source.recorder.Write(session, ridx, pkt); err != nil {
			e.log.Warn().Err(err).Str("tag", session.Tag).Msg("recorder write failed")
		}
	}
}

// processRTPServers pulls due packets from every session with an active
// generator, sends them (with the same double-send rule as
// processRTP/sendPacket), and frees exhausted generators, compacting the
// server list exactly like the registry's tombstone sweep.
func (e *Engine) processRTPServers(now float64) {
	skip := 0
	for i := 0; i < len(e.rtpServers); i++ {
		sp := e.rtpServers[i]
		if sp == nil {
			skip++
			continue
		}
		if skip > 0 {
			e.rtpServers[i-skip] = sp
			sp.sridx = i - skip
		}

		anyActive := false
		for sidx := 0; sidx < 2; sidx++ {
			leg := &sp.Legs[sidx]
			if leg.generator == nil {
				continue
			}
			if leg.remoteAddr == nil {
				anyActive = true
				continue
			}
			for {
				payload, state := leg.generator.Pull(now)
				if state == GeneratorLater {
					anyActive = true
					break
				}
				if state == GeneratorDone {
					leg.generator = nil
					break
				}
				sends := 1
				if sp.Dmode && len(payload) < sp.LBRThreshold {
					sends = 2
				}
				for k := 0; k < sends; k++ {
					if err := sendTo(leg.fd, payload, leg.remoteAddr); err != nil {
						e.log.Debug().Err(err).Str("tag", sp.Tag).Msg("rtp-server send failed")
					}
				}
			}
			if leg.generator != nil {
				anyActive = true
			}
		}
		if !anyActive {
			e.rtpServers[i-skip] = nil
			sp.sridx = -1
			skip++
		}
	}
	e.rtpServers = e.rtpServers[:len(e.rtpServers)-skip]
}

// addRTPServer registers an RTP session in the generator-sweep list the
// first time a generator is attached to either of its legs.
func (e *Engine) addRTPServer(session *Session) {
	if session.sridx >= 0 {
		return
	}
	session.sridx = len(e.rtpServers)
	e.rtpServers = append(e.rtpServers, session)
}

// ---- Session lifecycle ----

// InsertSession creates an RTP session and its sibling RTCP session, each
// with two legs bound to a fresh even/odd port pair, and registers both
// under tag. It is the Go analogue of the reference's U/L command
// handling, minus the wire protocol.
func (e *Engine) InsertSession(tag string, ttlMode TTLMode, dmode bool, lbrThreshold int) (*Session, error) {
	if lbrThreshold <= 0 {
		lbrThreshold = DefaultLBRThreshold
	}

	e.globalMu.Lock()
	defer e.globalMu.Unlock()

	if _, exists := e.byTag[tag]; exists {
		return nil, newErr(KindConfigInvalid, "InsertSession", fmt.Errorf("tag %q already in use", tag))
	}

	corrID := uuid.New().String()
	rtpSession := &Session{Tag: tag, CorrelationID: corrID, TTLMode: ttlMode, Dmode: dmode, LBRThreshold: lbrThreshold,
		MaxTTL: DefaultMaxTTL, UpdateWindow: DefaultUpdateWindow,
		log: e.log.With().Str("tag", tag).Str("correlation_id", corrID).Logger(), sridx: -1}
	rtcpSession := &Session{Tag: tag, CorrelationID: corrID, IsRTCP: true, TTLMode: ttlMode, Dmode: dmode, LBRThreshold: lbrThreshold,
		MaxTTL: DefaultMaxTTL, UpdateWindow: DefaultUpdateWindow,
		log: e.log.With().Str("tag", tag).Str("correlation_id", corrID).Str("proto", "rtcp").Logger(), sridx: -1}
	rtpSession.sibling = rtcpSession
	rtcpSession.sibling = rtpSession

	var allocated []int
	cleanup := func() {
		for _, p := range allocated {
			e.Ports.Release(p)
		}
	}

	for leg := 0; leg < 2; leg++ {
		port, err := e.Ports.Allocate()
		if err != nil {
			cleanup()
			return nil, err
		}
		allocated = append(allocated, port)

		rtpFd, rtpLaddr, err := bindUDP(e.BindHost, port, e.TOS)
		if err != nil {
			cleanup()
			return nil, err
		}
		rtcpFd, rtcpLaddr, err := bindUDP(e.BindHost, port+1, e.TOS)
		if err != nil {
			unix.Close(rtpFd)
			cleanup()
			return nil, err
		}

		rtpSession.Legs[leg] = Leg{fd: rtpFd, localAddr: rtpLaddr, localPort: port, ttl: DefaultMaxTTL}
		rtcpSession.Legs[leg] = Leg{fd: rtcpFd, localAddr: rtcpLaddr, localPort: port + 1, ttl: DefaultMaxTTL}
	}

	e.Registry.Insert(rtpSession)
	e.Registry.Insert(rtcpSession)
	e.byTag[tag] = rtpSession

	e.log.Info().Str("tag", tag).
		Int("callee_rtp", rtpSession.Legs[LegCallee].localPort).
		Int("caller_rtp", rtpSession.Legs[LegCaller].localPort).
		Msg("session created")
	return rtpSession, nil
}

// DeleteSession tears down the session pair registered under tag, releasing
// ports and freeing both the RTP and RTCP sessions together.
func (e *Engine) DeleteSession(tag string) bool {
	e.globalMu.Lock()
	defer e.globalMu.Unlock()
	session, ok := e.byTag[tag]
	if !ok {
		return false
	}
	e.removeSessionLocked(session)
	return true
}

// removeSessionLocked tears down a session pair: remove from the registry,
// free both sibling sessions, close sockets, return ports. Caller must hold
// globalMu.
func (e *Engine) removeSessionLocked(session *Session) {
	rtp := session.RTP()
	rtcp := rtp.sibling

	e.Registry.MarkDeleted(rtp)
	if rtcp != nil {
		e.Registry.MarkDeleted(rtcp)
	}

	for leg := 0; leg < 2; leg++ {
		unix.Close(rtp.Legs[leg].fd)
		if rtcp != nil {
			unix.Close(rtcp.Legs[leg].fd)
			e.Ports.Release(rtp.Legs[leg].localPort)
		}
	}

	if rtp.sridx >= 0 && rtp.sridx < len(e.rtpServers) {
		e.rtpServers[rtp.sridx] = nil
	}
	if rtcp != nil && rtcp.sridx >= 0 && rtcp.sridx < len(e.rtpServers) {
		e.rtpServers[rtcp.sridx] = nil
	}
	delete(e.byTag, rtp.Tag)
}

// LookupSession returns the RTP session registered under tag.
func (e *Engine) LookupSession(tag string) (*Session, bool) {
	e.globalMu.Lock()
	defer e.globalMu.Unlock()
	s, ok := e.byTag[tag]
	return s, ok
}

// LookupByPort delegates to the registry.
func (e *Engine) LookupByPort(port int) (*Session, int, bool) {
	return e.Registry.LookupByPort(port)
}

// AttachRecorder, AttachGenerator, AttachResizer, SetAsymmetric,
// SetCanUpdate and QueryCounters implement the remaining CommandHandler
// mutations, each acquiring the global lock itself.

func (e *Engine) AttachRecorder(tag string, leg int, rec Recorder) bool {
	e.globalMu.Lock()
	defer e.globalMu.Unlock()
	s, ok := e.byTag[tag]
	if !ok {
		return false
	}
	s.Legs[leg].recorder = rec
	return true
}

func (e *Engine) AttachGenerator(tag string, leg int, gen Generator) bool {
	e.globalMu.Lock()
	defer e.globalMu.Unlock()
	s, ok := e.byTag[tag]
	if !ok {
		return false
	}
	s.Legs[leg].generator = gen
	e.addRTPServer(s)
	return true
}

// AttachRTCPGenerator attaches gen to the RTCP sibling of the RTP session
// registered under tag, so an injected stream's RTCP sender reports ride
// the RTP-server sweep alongside the media itself.
func (e *Engine) AttachRTCPGenerator(tag string, leg int, gen Generator) bool {
	e.globalMu.Lock()
	defer e.globalMu.Unlock()
	s, ok := e.byTag[tag]
	if !ok || s.sibling == nil {
		return false
	}
	rtcp := s.sibling
	rtcp.Legs[leg].generator = gen
	e.addRTPServer(rtcp)
	return true
}

func (e *Engine) AttachResizer(tag string, leg int, rs Resizer) bool {
	e.globalMu.Lock()
	defer e.globalMu.Unlock()
	s, ok := e.byTag[tag]
	if !ok {
		return false
	}
	s.Legs[leg].resizer = rs
	return true
}

func (e *Engine) SetAsymmetric(tag string, leg int, asymmetric bool) bool {
	e.globalMu.Lock()
	defer e.globalMu.Unlock()
	s, ok := e.byTag[tag]
	if !ok {
		return false
	}
	s.Legs[leg].asymmetric = asymmetric
	return true
}

func (e *Engine) SetCanUpdate(tag string, leg int, canUpdate bool) bool {
	e.globalMu.Lock()
	defer e.globalMu.Unlock()
	s, ok := e.byTag[tag]
	if !ok {
		return false
	}
	s.Legs[leg].canUpdate = canUpdate
	return true
}

func (e *Engine) QueryCounters(tag string, leg int) (received, forwarded, dropped uint64, ok bool) {
	e.globalMu.Lock()
	defer e.globalMu.Unlock()
	s, found := e.byTag[tag]
	if !found {
		return 0, 0, 0, false
	}
	r, f, d := s.Counters(leg)
	return r, f, d, true
}

var _ CommandHandler = (*Engine)(nil)
