// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package rtpproxy

import (
	"fmt"
	"net"
	"strings"
)

// Config holds every startup knob the CLI exposes. Flag parsing itself
// lives in cmd/rtpproxy (pflag), keeping this package importable without
// pulling in a CLI dependency; Config is the validated, normalised result.
type Config struct {
	Foreground bool

	BindV4 BindPair
	BindV6 BindPair
	Bridge bool // true when either BindV4 or BindV6 carries a second address

	CommandSocket string // "udp:host[:port]" | "udp6:host[:port]" | "unix:path" | bare path

	TOS int

	Dmode bool

	RecordDir       string
	SessionDir      string // requires RecordDir
	NoRTCPRecording bool
	RecordAll       bool
	PcapRecording   bool

	PidFile string

	MaxTTL         int
	IndependentTTL bool

	NofileLimit int

	PortMin int
	PortMax int

	RunUser  string
	RunGroup string

	SkipSuperuserCheck bool

	NotifySocket string // "unix:PATH"

	LogLevel    string
	LogFacility string

	AdvertisedAddress string
}

// BindPair is a single -l/-6 flag value: one address, or two joined by "/"
// selecting bridging mode.
type BindPair struct {
	External net.IP
	Internal net.IP // nil unless bridging
}

// ParseBindPair splits "A[/B]" and resolves both sides.
func ParseBindPair(s string) (BindPair, error) {
	parts := strings.SplitN(s, "/", 2)
	ext := net.ParseIP(parts[0])
	if ext == nil {
		return BindPair{}, newErr(KindConfigInvalid, "ParseBindPair", fmt.Errorf("invalid address %q", parts[0]))
	}
	bp := BindPair{External: ext}
	if len(parts) == 2 {
		internal := net.ParseIP(parts[1])
		if internal == nil {
			return BindPair{}, newErr(KindConfigInvalid, "ParseBindPair", fmt.Errorf("invalid address %q", parts[1]))
		}
		bp.Internal = internal
	}
	return bp, nil
}

// DefaultConfig mirrors the reference's compiled-in defaults.
func DefaultConfig() *Config {
	return &Config{
		BindV4:        BindPair{External: net.IPv4zero},
		CommandSocket: "udp:localhost:22222",
		MaxTTL:        DefaultMaxTTL,
		PortMin:       35000,
		PortMax:       65000,
		LogLevel:      "info",
	}
}

// Normalize applies the port-normalisation rule and cross-field
// validation, returning a ConfigInvalid error describing the first problem
// found. It must be called once, after flags are parsed and before any
// socket is opened.
func (c *Config) Normalize() error {
	if c.PortMin%2 != 0 {
		c.PortMin++
	}
	if c.PortMax%2 != 0 {
		c.PortMax--
	} else {
		c.PortMax -= 2
	}
	if !validPort(c.PortMin) {
		return newErr(KindConfigInvalid, "Config.Normalize", fmt.Errorf("invalid port_min %d", c.PortMin))
	}
	if !validPort(c.PortMax) {
		return newErr(KindConfigInvalid, "Config.Normalize", fmt.Errorf("invalid port_max %d", c.PortMax))
	}
	if c.PortMin > c.PortMax {
		return newErr(KindConfigInvalid, "Config.Normalize", fmt.Errorf("port_min %d should be less than port_max %d", c.PortMin, c.PortMax))
	}

	if c.BindV4.Internal != nil || c.BindV6.Internal != nil {
		c.Bridge = true
	}
	if c.BindV4.Internal != nil && c.BindV6.Internal != nil {
		return newErr(KindConfigInvalid, "Config.Normalize", fmt.Errorf("bridging mode cannot mix address families across -l and -6"))
	}

	if c.SessionDir != "" && c.RecordDir == "" {
		return newErr(KindConfigInvalid, "Config.Normalize", fmt.Errorf("-S requires -r"))
	}

	if c.TOS < 0 || c.TOS > 255 {
		return newErr(KindConfigInvalid, "Config.Normalize", fmt.Errorf("TOS %d out of range", c.TOS))
	}

	return nil
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}
