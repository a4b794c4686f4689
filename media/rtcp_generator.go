// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"github.com/pion/rtcp"

	rtpproxy "github.com/sippysoft/rtpproxy"
)

// RTCPSenderReportGenerator implements rtpproxy.Generator on an RTCP leg,
// emitting a Sender Report every periodSeconds for the RTP stream
// identified by ssrc. It follows PullGenerator's due-time shape while using
// pion/rtcp for the wire encoding instead of pion/rtp.
type RTCPSenderReportGenerator struct {
	SSRC          uint32
	SampleRate    uint32
	periodSeconds float64

	packetCount uint32
	octetCount  uint32
	rtpTime     uint32
	nextDue     float64
	firstReport bool
}

// NewRTCPSenderReportGenerator builds a generator that reports on ssrc's
// stream every periodSeconds.
func NewRTCPSenderReportGenerator(ssrc uint32, sampleRate uint32, periodSeconds float64) *RTCPSenderReportGenerator {
	return &RTCPSenderReportGenerator{
		SSRC:          ssrc,
		SampleRate:    sampleRate,
		periodSeconds: periodSeconds,
		firstReport:   true,
	}
}

// Observe lets the RTP-side generator sharing this SSRC report one sent
// packet (its sample count and payload size). Each call counts as one
// packet; packetCount/octetCount/rtpTime accumulate over the whole stream
// and are not reset when a Sender Report is emitted.
func (g *RTCPSenderReportGenerator) Observe(samples uint32, payloadBytes int) {
	g.packetCount++
	g.octetCount += uint32(payloadBytes)
	g.rtpTime += samples
}

// Pull returns the next due Sender Report, or GeneratorLater if
// periodSeconds hasn't elapsed. RTCPSenderReportGenerator never completes
// on its own -- it is torn down with its session, not by exhaustion.
func (g *RTCPSenderReportGenerator) Pull(now float64) ([]byte, rtpproxy.GeneratorState) {
	if !g.firstReport && now < g.nextDue {
		return nil, rtpproxy.GeneratorLater
	}
	g.firstReport = false
	g.nextDue = now + g.periodSeconds

	sr := &rtcp.SenderReport{
		SSRC:        g.SSRC,
		NTPTime:     ntpTime(now),
		RTPTime:     g.rtpTime,
		PacketCount: g.packetCount,
		OctetCount:  g.octetCount,
	}
	raw, err := sr.Marshal()
	if err != nil {
		return nil, rtpproxy.GeneratorLater
	}
	return raw, rtpproxy.GeneratorReady
}

// ntpTime converts a relative-seconds clock sample to a 64-bit NTP
// timestamp (32.32 fixed point, seconds since 1900). now is not
// wall-clock, so only the fractional resolution is meaningful here; the
// epoch offset is intentionally left at 0 since no peer can cross-check it
// without also seeing this process's Clock implementation.
func ntpTime(now float64) uint64 {
	sec := uint64(now)
	frac := uint64((now - float64(sec)) * (1 << 32))
	return sec<<32 | frac
}

var _ rtpproxy.Generator = (*RTCPSenderReportGenerator)(nil)
