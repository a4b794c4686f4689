// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package rtpproxy

// This file holds the thin contracts for the core's external
// collaborators: the on-disk recorder, the ptime resizer, the timeout
// notifier, and the mutation surface the (out-of-scope) command channel
// drives. None of these own forwarding-plane logic; the core only needs to
// call them.

// GeneratorState is returned alongside a pulled packet from an injected
// media generator.
type GeneratorState int

const (
	// GeneratorReady means the returned packet is due now.
	GeneratorReady GeneratorState = iota
	// GeneratorLater means no packet is due yet this tick.
	GeneratorLater
	// GeneratorDone means the generator is exhausted and can be freed.
	GeneratorDone
)

// Generator is an injected-media source attached to one leg of a session.
// While attached it takes over that leg's outbound traffic entirely: the
// forwarding reactor drops datagrams that would otherwise be relayed to a
// leg with an active generator.
type Generator interface {
	// Pull returns the next due outbound packet, or (nil, GeneratorLater)
	// if nothing is due at now, or (nil, GeneratorDone) once exhausted.
	Pull(now float64) (payload []byte, state GeneratorState)
}

// Resizer re-frames RTP payloads to a different ptime before they're
// forwarded. Its re-framing arithmetic belongs to whatever implements it;
// this package only defines the shape the core drives it through.
type Resizer interface {
	Enqueue(pkt *Packet)
	Pull(now float64) (*Packet, bool)
}

// Recorder is a synchronous, best-effort sink a leg can be attached to.
// Errors are logged by the core and never propagated or retried --
// recording is never allowed to affect the media path.
type Recorder interface {
	Write(session *Session, leg int, pkt *Packet) error
}

// Notifier delivers a timeout notification out of band once a session is
// evicted by the ticker.
type Notifier interface {
	Schedule(session *Session)
}

// CommandHandler is the mutation surface the (out-of-scope) command
// channel drives: session lifecycle plus per-leg
// flag/attachment changes. Every method here acquires the engine's global
// lock (and the registry's session-list lock for Insert/Delete) itself --
// callers never need to, and must never call these while already holding
// either lock.
type CommandHandler interface {
	InsertSession(tag string, ttlMode TTLMode, dmode bool, lbrThreshold int) (*Session, error)
	DeleteSession(tag string) bool
	LookupSession(tag string) (*Session, bool)
	LookupByPort(port int) (*Session, int, bool)
	AttachRecorder(tag string, leg int, rec Recorder) bool
	AttachGenerator(tag string, leg int, gen Generator) bool
	AttachRTCPGenerator(tag string, leg int, gen Generator) bool
	AttachResizer(tag string, leg int, rs Resizer) bool
	SetAsymmetric(tag string, leg int, asymmetric bool) bool
	SetCanUpdate(tag string, leg int, canUpdate bool) bool
	QueryCounters(tag string, leg int) (received, forwarded, dropped uint64, ok bool)
}
