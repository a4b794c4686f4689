// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"math/rand"

	"github.com/pion/rtp"

	rtpproxy "github.com/sippysoft/rtpproxy"
)

// PacketSource supplies successive payload frames to a PullGenerator. It
// returns ok == false once exhausted.
type PacketSource interface {
	NextFrame() (payload []byte, ok bool)
}

// PullGenerator implements rtpproxy.Generator, packetizing frames from a
// PacketSource into RTP packets on a due-time schedule. It carries the same
// sequencing/timestamp bookkeeping as RTPPacketWriter but reshaped around a
// non-blocking Pull instead of a blocking Write-plus-ticker: the reactor
// that drives injected media here cannot afford to block on a clock ticker
// the way an io.Writer call chain can.
type PullGenerator struct {
	Source PacketSource

	PayloadType uint8
	SampleRate  uint32
	SSRC        uint32

	sampleRateTimestamp uint32
	seq                 RTPExtendedSequenceNumber
	nextTimestamp       uint32
	firstFrame          bool
	nextDue             float64
	periodSeconds       float64
	done                bool
}

// NewPullGenerator builds a generator that emits one packetized frame every
// periodSeconds, starting as soon as Pull is first called.
func NewPullGenerator(source PacketSource, codec Codec, periodSeconds float64) *PullGenerator {
	return &PullGenerator{
		Source:              source,
		PayloadType:         codec.PayloadType,
		SampleRate:          codec.SampleRate,
		SSRC:                rand.Uint32(),
		sampleRateTimestamp: codec.SampleTimestamp(),
		seq:                 NewRTPSequencer(),
		firstFrame:          true,
		periodSeconds:       periodSeconds,
	}
}

// Pull returns the next due RTP-packetized frame, or (nil, GeneratorLater)
// if periodSeconds hasn't elapsed since the last pull, or (nil,
// GeneratorDone) once the source is exhausted.
func (g *PullGenerator) Pull(now float64) ([]byte, rtpproxy.GeneratorState) {
	if g.done {
		return nil, rtpproxy.GeneratorDone
	}
	if !g.firstFrame && now < g.nextDue {
		return nil, rtpproxy.GeneratorLater
	}

	payload, ok := g.Source.NextFrame()
	if !ok {
		g.done = true
		return nil, rtpproxy.GeneratorDone
	}

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         g.firstFrame,
			PayloadType:    g.PayloadType,
			Timestamp:      g.nextTimestamp,
			SequenceNumber: g.seq.NextSeqNumber(),
			SSRC:           g.SSRC,
		},
		Payload: payload,
	}
	g.firstFrame = false
	g.nextTimestamp += g.sampleRateTimestamp
	g.nextDue = now + g.periodSeconds

	raw, err := pkt.Marshal()
	if err != nil {
		return nil, rtpproxy.GeneratorLater
	}
	return raw, rtpproxy.GeneratorReady
}

var _ rtpproxy.Generator = (*PullGenerator)(nil)
