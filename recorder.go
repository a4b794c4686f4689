// SPDX-License-Identifier: BSD-2-Clause
// Copyright (C) 2024 Emir Aganovic

package rtpproxy

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"sync"
)

// FileRecorder is a best-effort Recorder that appends every
// datagram it sees to an on-disk sink as a simple length-prefixed frame:
// an 8-byte recv-time (float64 bits, big-endian), a 4-byte leg index, a
// 4-byte payload length, then the payload itself. It intentionally carries
// no codec/PCM knowledge: it sits below the forwarding plane and never
// interprets payloads.
type FileRecorder struct {
	mu     sync.Mutex
	writer io.WriteCloser
	buf    []byte
}

// NewFileRecorder wraps an already-open sink. Callers own opening/rotating
// the underlying file; FileRecorder only ever appends and closes it.
func NewFileRecorder(w io.WriteCloser) *FileRecorder {
	return &FileRecorder{writer: w, buf: make([]byte, 16)}
}

// OpenFileRecorder opens (creating if needed) a sink at path and wraps it.
func OpenFileRecorder(path string) (*FileRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, newErr(KindConfigInvalid, "OpenFileRecorder", err)
	}
	return NewFileRecorder(f), nil
}

// Write implements Recorder. It issues at most two unbuffered writes to the
// sink (the 16-byte header, then the payload); I/O errors are returned for
// the caller to log and are never retried, keeping recording from ever
// affecting the media path.
func (r *FileRecorder) Write(session *Session, leg int, pkt *Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	binary.BigEndian.PutUint64(r.buf[0:8], math.Float64bits(pkt.RecvTime))
	binary.BigEndian.PutUint32(r.buf[8:12], uint32(leg))
	binary.BigEndian.PutUint32(r.buf[12:16], uint32(len(pkt.Payload)))
	if _, err := r.writer.Write(r.buf); err != nil {
		return err
	}
	if len(pkt.Payload) == 0 {
		return nil
	}
	_, err := r.writer.Write(pkt.Payload)
	return err
}

// Close closes the underlying sink; nothing is buffered, so there is
// nothing to flush.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writer.Close()
}
