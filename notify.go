// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package rtpproxy

import (
	"net"

	"github.com/rs/zerolog"
)

// UnixNotifier implements Notifier by
// writing one line per evicted session to a unixgram socket, the Go
// analogue of the reference's rtpp_notify worker thread. Schedule never
// blocks the reactor: it enqueues onto a buffered channel drained by a
// single background goroutine, and drops (logging) under sustained
// backpressure rather than stall eviction.
type UnixNotifier struct {
	conn *net.UnixConn
	ch   chan string
	log  zerolog.Logger
	done chan struct{}
}

// NewUnixNotifier dials sockPath and starts the drain goroutine. The queue
// depth bounds how many pending notifications can outlive a slow or
// wedged listener before Schedule starts dropping them.
func NewUnixNotifier(sockPath string, queueDepth int, log zerolog.Logger) (*UnixNotifier, error) {
	addr, err := net.ResolveUnixAddr("unixgram", sockPath)
	if err != nil {
		return nil, newErr(KindConfigInvalid, "NewUnixNotifier", err)
	}
	conn, err := net.DialUnix("unixgram", nil, addr)
	if err != nil {
		return nil, newErr(KindSocketUnavailable, "NewUnixNotifier", err)
	}
	n := &UnixNotifier{
		conn: conn,
		ch:   make(chan string, queueDepth),
		log:  log,
		done: make(chan struct{}),
	}
	go n.run()
	return n, nil
}

func (n *UnixNotifier) run() {
	defer close(n.done)
	for line := range n.ch {
		if _, err := n.conn.Write([]byte(line + "\n")); err != nil {
			n.log.Warn().Err(err).Str("line", line).Msg("notify write failed")
		}
	}
}

// Schedule implements Notifier. The wire format is the tag alone -- the
// command channel's own framing is out of scope here, so the notification
// line is deliberately minimal.
func (n *UnixNotifier) Schedule(session *Session) {
	select {
	case n.ch <- session.Tag:
	default:
		n.log.Warn().Str("tag", session.Tag).Msg("notify queue full, dropping")
	}
}

// Close stops accepting new notifications, drains what's queued, and
// closes the socket.
func (n *UnixNotifier) Close() error {
	close(n.ch)
	<-n.done
	return n.conn.Close()
}

var _ Notifier = (*UnixNotifier)(nil)

// NopNotifier discards every notification; useful for tests and for
// configurations that run without a command channel attached at all.
type NopNotifier struct{}

func (NopNotifier) Schedule(*Session) {}

var _ Notifier = NopNotifier{}
