// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"github.com/pion/rtp"

	rtpproxy "github.com/sippysoft/rtpproxy"
)

// FixedPtimeResizer implements rtpproxy.Resizer, re-framing a stream of
// fixed-size RTP payloads to a different packetization interval before
// they reach the forwarding reactor. It's built from the same
// sequencing/marker conventions as PullGenerator, just driven by
// Enqueue/Pull instead of a writer/ticker pair.
type FixedPtimeResizer struct {
	inFrameBytes  int
	outFrameBytes int

	payloadType         uint8
	sampleRateTimestamp uint32

	seq           RTPExtendedSequenceNumber
	ssrc          uint32
	nextTimestamp uint32
	firstFrame    bool

	pending []byte
	peer    *rtpproxy.Packet // carries Local/LocalPort through to the re-framed output; RecvTime is the Pull time
	queue   [][]byte
}

// NewFixedPtimeResizer builds a resizer that accumulates inCodec-sized
// frames and emits outCodec-sized ones. Both codecs must share a sample
// rate; re-framing across sample rates would require resampling, which is
// out of scope here.
func NewFixedPtimeResizer(inCodec, outCodec Codec, ssrc uint32) *FixedPtimeResizer {
	return &FixedPtimeResizer{
		inFrameBytes:        int(inCodec.SampleTimestamp()),
		outFrameBytes:       int(outCodec.SampleTimestamp()),
		payloadType:         outCodec.PayloadType,
		sampleRateTimestamp: outCodec.SampleTimestamp(),
		seq:                 NewRTPSequencer(),
		ssrc:                ssrc,
		firstFrame:          true,
	}
}

// Enqueue appends pkt's RTP payload to the accumulation buffer, stripping
// the RTP header (the resizer re-packetizes from raw samples, it doesn't
// pass headers through).
func (r *FixedPtimeResizer) Enqueue(pkt *rtpproxy.Packet) {
	var parsed rtp.Packet
	payload := pkt.Payload
	if err := parsed.Unmarshal(pkt.Payload); err == nil {
		payload = parsed.Payload
	}
	r.pending = append(r.pending, payload...)
	r.peer = pkt

	for len(r.pending) >= r.outFrameBytes {
		frame := make([]byte, r.outFrameBytes)
		copy(frame, r.pending[:r.outFrameBytes])
		r.pending = r.pending[r.outFrameBytes:]
		r.queue = append(r.queue, frame)
	}
}

// Pull returns the next re-framed, re-packetized output packet, if one has
// accumulated.
func (r *FixedPtimeResizer) Pull(now float64) (*rtpproxy.Packet, bool) {
	if len(r.queue) == 0 {
		return nil, false
	}
	payload := r.queue[0]
	r.queue = r.queue[1:]

	out := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         r.firstFrame,
			PayloadType:    r.payloadType,
			Timestamp:      r.nextTimestamp,
			SequenceNumber: r.seq.NextSeqNumber(),
			SSRC:           r.ssrc,
		},
		Payload: payload,
	}
	r.firstFrame = false
	r.nextTimestamp += r.sampleRateTimestamp

	raw, err := out.Marshal()
	if err != nil {
		return nil, false
	}

	pkt := &rtpproxy.Packet{Payload: raw, RecvTime: now}
	if r.peer != nil {
		pkt.Local = r.peer.Local
		pkt.LocalPort = r.peer.LocalPort
	}
	return pkt, true
}

var _ rtpproxy.Resizer = (*FixedPtimeResizer)(nil)
