// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package rtpproxy

import (
	"sync"

	"golang.org/x/sys/unix"
)

// registryRow is the session-array half of the registry's two parallel
// arrays: which session and which leg of it a given descriptor row
// represents.
type registryRow struct {
	session *Session
	leg     int
}

// Registry is the compact parallel-array session table the reactor polls
// every iteration. Its invariant: for every active leg L of
// every live session S there is exactly one index i with
// descriptors[i].Fd == S.Legs[L].fd and rows[i].session == S, and
// S.Legs[L].sidx == i. Deleted rows are tombstoned with Fd == -1 and
// compacted lazily by the reactor, never synchronously here.
//
// This is parallel slices rather than a map by design: poll-readiness
// iteration is a single linear scan over descriptors, and sidx
// back-references keep deletion O(1) with amortised O(n) compaction,
// without rebuilding a descriptor vector every iteration the way a
// map-of-session would require.
type Registry struct {
	mu          sync.Mutex // the session-list lock
	descriptors []unix.PollFd
	rows        []registryRow
	nsessions   int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Insert appends two rows (one per leg) under the session-list lock and
// stamps sidx[0]/sidx[1] on session.
func (r *Registry) Insert(session *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for leg := 0; leg < 2; leg++ {
		idx := len(r.descriptors)
		r.descriptors = append(r.descriptors, unix.PollFd{Fd: int32(session.Legs[leg].fd), Events: unix.POLLIN})
		r.rows = append(r.rows, registryRow{session: session, leg: leg})
		session.Legs[leg].sidx = idx
	}
	r.nsessions = len(r.descriptors)
}

// MarkDeleted tombstones both of the session's rows under the session-list
// lock. Compaction happens later, inside the reactor's own
// critical section, so within a single sweep Fd == -1 is a reliable
// tombstone even though the delete itself can race with the reactor.
func (r *Registry) MarkDeleted(session *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for leg := 0; leg < 2; leg++ {
		idx := session.Legs[leg].sidx
		if idx < 0 || idx >= len(r.descriptors) {
			continue
		}
		r.descriptors[idx].Fd = -1
		r.rows[idx] = registryRow{}
	}
}

// Len returns the current descriptor-row count (including any unswept
// tombstones), the N the reactor snapshots before calling poll.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nsessions
}

// Snapshot copies the descriptor array out under the session-list lock, for
// passing to unix.Poll outside the lock.
func (r *Registry) Snapshot() []unix.PollFd {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]unix.PollFd, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// ApplyRevents copies poll(2) results from a snapshot taken via Snapshot
// back onto the live descriptor array, matching rows up to the caller's
// compaction pass (which must run under the same session-list lock as any
// concurrent Insert/MarkDeleted to preserve the tombstone invariant).
func (r *Registry) ApplyRevents(polled []unix.PollFd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(polled)
	if n > len(r.descriptors) {
		n = len(r.descriptors)
	}
	for i := 0; i < n; i++ {
		r.descriptors[i].Revents = polled[i].Revents
	}
}

// SweepCompacted runs the tombstone-compaction pass: rows with Fd == -1 are
// dropped, surviving rows slide down by
// the accumulated skip count, and sidx is rewritten on every surviving
// session. The caller must hold the session-list lock (via WithLock) for
// the whole sweep, matching the reference's single critical section.
func (r *Registry) SweepCompacted() {
	skip := 0
	for i := 0; i < len(r.descriptors); i++ {
		if r.descriptors[i].Fd == -1 {
			skip++
			continue
		}
		if skip > 0 {
			r.descriptors[i-skip] = r.descriptors[i]
			r.rows[i-skip] = r.rows[i]
			r.rows[i-skip].session.Legs[r.rows[i-skip].leg].sidx = i - skip
		}
	}
	r.descriptors = r.descriptors[:len(r.descriptors)-skip]
	r.rows = r.rows[:len(r.rows)-skip]
	r.nsessions = len(r.descriptors)
}

// WithLock runs fn with the session-list lock held, for callers (the
// reactor) that need Snapshot/ApplyRevents/SweepCompacted and row access to
// be atomic with respect to command-thread Insert/MarkDeleted calls.
func (r *Registry) WithLock(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

// RowAt returns the session and leg at descriptor index i. Caller must hold
// the session-list lock.
func (r *Registry) RowAt(i int) (*Session, int) {
	row := r.rows[i]
	return row.session, row.leg
}

// DescriptorAt returns the pollfd at index i. Caller must hold the
// session-list lock.
func (r *Registry) DescriptorAt(i int) unix.PollFd {
	return r.descriptors[i]
}

// NumRows returns len(descriptors). Caller must hold the session-list lock.
func (r *Registry) NumRows() int {
	return len(r.descriptors)
}

// LookupByPort finds the session bound to proxy port, for the command
// channel's L/Q operations.
func (r *Registry) LookupByPort(port int) (*Session, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, row := range r.rows {
		if row.session == nil {
			continue
		}
		if r.descriptors[i].Fd == -1 {
			continue
		}
		if row.session.Legs[row.leg].localPort == port {
			return row.session, row.leg, true
		}
	}
	return nil, 0, false
}
