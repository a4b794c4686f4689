// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import "time"

// Codec describes the clock rate and packetization interval a generator
// packetizes its frames against. It carries no SDP negotiation: the relay
// never negotiates media itself, it only injects a stream an operator has
// already chosen a codec for.
var (
	CodecAudioUlaw = Codec{PayloadType: 0, SampleRate: 8000, SampleDur: 20 * time.Millisecond}
	CodecAudioAlaw = Codec{PayloadType: 8, SampleRate: 8000, SampleDur: 20 * time.Millisecond}
	// CodecAudioG722's RTP clock rate is 8000 by RFC 3551 convention even
	// though the codec itself samples at 16kHz.
	CodecAudioG722 = Codec{PayloadType: 9, SampleRate: 8000, SampleDur: 20 * time.Millisecond}
)

type Codec struct {
	PayloadType uint8
	SampleRate  uint32
	SampleDur   time.Duration
}

func (c *Codec) SampleTimestamp() uint32 {
	return uint32(float64(c.SampleRate) * c.SampleDur.Seconds())
}

// CodecFromPayloadType builds a Codec for a well-known static RTP payload
// type, defaulting to an 8kHz/20ms clock for anything it doesn't recognise.
func CodecFromPayloadType(payloadType uint8) Codec {
	switch payloadType {
	case CodecAudioUlaw.PayloadType:
		return CodecAudioUlaw
	case CodecAudioAlaw.PayloadType:
		return CodecAudioAlaw
	case CodecAudioG722.PayloadType:
		return CodecAudioG722
	default:
		return Codec{PayloadType: payloadType, SampleRate: 8000, SampleDur: 20 * time.Millisecond}
	}
}
