// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	rtpproxy "github.com/sippysoft/rtpproxy"
	"github.com/sippysoft/rtpproxy/internal/sysutil"
)

const daemonizedEnv = "RTPPROXY_DAEMONIZED"

const protoVersion = "20040107"

var opt struct {
	Foreground  bool
	BindV4      string
	BindV6      string
	CmdSock     string
	TOS         int
	Dmode       bool
	RecordDir   string
	SessionDir  string
	NoRTCPRec   bool
	RecordAll   bool
	Pcap        bool
	PidFile     string
	MaxTTL      int
	NofileLim   int
	PortMin     int
	PortMax     int
	RunAs       string
	NoCheck     bool
	Independent bool
	NotifySock  string
	LogSpec     string
	Advertised  string
	Version     bool
}

func init() {
	pflag.BoolVarP(&opt.Foreground, "foreground", "f", false, "run in foreground")
	pflag.StringVarP(&opt.BindV4, "bind4", "l", "", "IPv4 bind host(s): A[/B]")
	pflag.StringVarP(&opt.BindV6, "bind6", "6", "", "IPv6 bind host(s): A[/B]")
	pflag.StringVarP(&opt.CmdSock, "control", "s", "udp:localhost:22222", "command socket: udp:host[:port]|udp6:host[:port]|unix:path")
	pflag.IntVarP(&opt.TOS, "tos", "t", 0, "IP TOS (0..255)")
	pflag.BoolVarP(&opt.Dmode, "double-send", "2", false, "double-send mode for low-bitrate codecs")
	pflag.StringVarP(&opt.RecordDir, "record-dir", "r", "", "enable recording, writing into this directory")
	pflag.StringVarP(&opt.SessionDir, "session-dir", "S", "", "separate per-session recording directory (requires -r)")
	pflag.BoolVarP(&opt.NoRTCPRec, "no-rtcp-record", "R", false, "disable RTCP recording")
	pflag.StringVarP(&opt.PidFile, "pidfile", "p", "/var/run/rtpproxy.pid", "pidfile path")
	pflag.IntVarP(&opt.MaxTTL, "max-ttl", "T", rtpproxy.DefaultMaxTTL, "max session TTL in ticker units")
	pflag.IntVarP(&opt.NofileLim, "nofile-limit", "L", 0, "raise RLIMIT_NOFILE to this value")
	pflag.IntVarP(&opt.PortMin, "port-min", "m", 35000, "lowest RTP proxy port")
	pflag.IntVarP(&opt.PortMax, "port-max", "M", 65000, "highest RTP proxy port")
	pflag.StringVarP(&opt.RunAs, "user", "u", "", "drop privileges to user[:group]")
	pflag.BoolVarP(&opt.NoCheck, "no-superuser-check", "F", false, "skip superuser warning/check")
	pflag.BoolVarP(&opt.Independent, "independent-ttl", "i", false, "independent TTL mode")
	pflag.StringVarP(&opt.NotifySock, "notify", "n", "", "timeout notification socket: unix:PATH")
	pflag.BoolVarP(&opt.Pcap, "pcap", "P", false, "enable pcap recording")
	pflag.BoolVarP(&opt.RecordAll, "record-all", "a", false, "record every session unconditionally")
	pflag.StringVarP(&opt.LogSpec, "log-level", "d", "info", "log level[:facility]")
	pflag.StringVarP(&opt.Advertised, "advertised", "A", "", "advertised address")
	pflag.BoolVarP(&opt.Version, "version", "v", false, "print protocol version (no capability list)")
}

func main() {
	pflag.Parse()

	if opt.Version {
		fmt.Printf("Basic version: %s\n", protoVersion)
		os.Exit(0)
	}

	logSpec := strings.SplitN(opt.LogSpec, ":", 2)
	level, err := zerolog.ParseLevel(logSpec[0])
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	var w io.Writer = os.Stderr
	if opt.Foreground {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMicro}
	}
	logCtx := zerolog.New(w).With().Timestamp()
	if len(logSpec) == 2 {
		logCtx = logCtx.Str("facility", logSpec[1])
	}
	log := logCtx.Logger().Level(level)

	if !opt.Foreground && os.Getenv(daemonizedEnv) == "" {
		daemonize(log)
		return
	}

	cfg, err := buildConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := cfg.Normalize(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if !cfg.SkipSuperuserCheck && sysutil.RunningAsRoot() && cfg.RunUser == "" {
		log.Warn().Msg("running as superuser is strongly discouraged; use -u to drop privileges or -F to suppress this warning")
	}

	if cfg.NofileLimit > 0 {
		got, err := sysutil.RaiseNofileLimit(uint64(cfg.NofileLimit))
		if err != nil {
			log.Fatal().Err(err).Msg("setrlimit failed")
		}
		if int(got) < cfg.NofileLimit {
			log.Warn().Uint64("granted", got).Int("requested", cfg.NofileLimit).Msg("nofile limit granted is less than requested")
		}
	}

	if err := rtpproxy.WritePidfile(cfg.PidFile); err != nil {
		log.Fatal().Err(err).Msg("can't write pidfile")
	}
	defer rtpproxy.RemovePidfile(cfg.PidFile)

	if cfg.RunUser != "" {
		uid, gid, err := sysutil.LookupCredentials(cfg.RunUser, cfg.RunGroup)
		if err != nil {
			log.Fatal().Err(err).Msg("can't resolve run-as credentials")
		}
		if err := sysutil.DropPrivileges(uid, gid); err != nil {
			log.Fatal().Err(err).Msg("can't drop privileges")
		}
	}

	registry := rtpproxy.NewRegistry()
	ports := rtpproxy.NewPortAllocator(cfg.PortMin, cfg.PortMax)

	var notifier rtpproxy.Notifier = rtpproxy.NopNotifier{}
	if cfg.NotifySocket != "" {
		path := strings.TrimPrefix(cfg.NotifySocket, "unix:")
		n, err := rtpproxy.NewUnixNotifier(path, 64, log.With().Str("component", "notify").Logger())
		if err != nil {
			log.Fatal().Err(err).Msg("can't set up notification socket")
		}
		defer n.Close()
		notifier = n
	}

	engine := rtpproxy.NewEngine(registry, ports, rtpproxy.NewSystemClock(), notifier, log.With().Str("component", "reactor").Logger())
	engine.TOS = cfg.TOS
	engine.BindHost = cfg.BindV4.External

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	log.Info().Int("port_min", cfg.PortMin).Int("port_max", cfg.PortMax).Msg("rtpproxy started")
	if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("reactor exited with error")
	}
	log.Info().Msg("shutting down")
}

func buildConfig() (*rtpproxy.Config, error) {
	cfg := rtpproxy.DefaultConfig()
	cfg.Foreground = opt.Foreground
	cfg.CommandSocket = opt.CmdSock
	cfg.TOS = opt.TOS
	cfg.Dmode = opt.Dmode
	cfg.RecordDir = opt.RecordDir
	cfg.SessionDir = opt.SessionDir
	cfg.NoRTCPRecording = opt.NoRTCPRec
	cfg.RecordAll = opt.RecordAll
	cfg.PcapRecording = opt.Pcap
	cfg.PidFile = opt.PidFile
	cfg.MaxTTL = opt.MaxTTL
	cfg.NofileLimit = opt.NofileLim
	cfg.PortMin = opt.PortMin
	cfg.PortMax = opt.PortMax
	cfg.SkipSuperuserCheck = opt.NoCheck
	cfg.IndependentTTL = opt.Independent
	cfg.NotifySocket = opt.NotifySock
	cfg.AdvertisedAddress = opt.Advertised

	if spec := strings.SplitN(opt.LogSpec, ":", 2); len(spec) == 2 {
		cfg.LogLevel, cfg.LogFacility = spec[0], spec[1]
	} else {
		cfg.LogLevel = opt.LogSpec
	}

	if opt.RunAs != "" {
		parts := strings.SplitN(opt.RunAs, ":", 2)
		cfg.RunUser = parts[0]
		if len(parts) == 2 {
			cfg.RunGroup = parts[1]
		}
	}

	if opt.BindV4 != "" {
		bp, err := rtpproxy.ParseBindPair(opt.BindV4)
		if err != nil {
			return nil, err
		}
		cfg.BindV4 = bp
	}
	if opt.BindV6 != "" {
		bp, err := rtpproxy.ParseBindPair(opt.BindV6)
		if err != nil {
			return nil, err
		}
		cfg.BindV6 = bp
	}
	return cfg, nil
}

// daemonize implements the reference's daemon(3) call as a re-exec with
// setsid(2) in the child, the closest a multi-threaded Go runtime gets to
// a safe fork+detach (see DESIGN.md).
func daemonize(log zerolog.Logger) {
	exe, err := os.Executable()
	if err != nil {
		log.Fatal().Err(err).Msg("can't daemonize: os.Executable failed")
	}
	attr := &os.ProcAttr{
		Env:   append(os.Environ(), daemonizedEnv+"=1"),
		Files: []*os.File{nil, nil, nil},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}
	proc, err := os.StartProcess(exe, os.Args, attr)
	if err != nil {
		log.Fatal().Err(err).Msg("can't daemonize: re-exec failed")
	}
	_ = proc.Release()
}
