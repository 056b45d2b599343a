// Copyright (c) 2025 hzcluster. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package wire

import "encoding/binary"

// FrameKind identifies what Framer.Next extracted from a Buffer.
type FrameKind int

const (
	// FrameNone means insufficient bytes remain for the next step; the
	// caller should stop and wait for more data.
	FrameNone FrameKind = iota
	// FrameHeartbeat is a zero-length frame.
	FrameHeartbeat
	// FrameEntry carries an entry payload.
	FrameEntry
)

// Framer scans a Buffer's readable region for length-prefixed entries and
// zero-length heartbeats, per spec.md §4.4 ("Framer"). It holds the single
// piece of state that must survive across partial reads: the size of an
// entry whose header has been seen but whose payload has not yet fully
// arrived.
type Framer struct {
	pending int // -1 is the NONE sentinel
}

// NewFramer returns a Framer ready to scan from the start of a stream.
func NewFramer() *Framer {
	return &Framer{pending: -1}
}

// Next extracts the next frame from buf's readable region. It advances the
// buffer's read cursor past whatever it consumes. The returned payload
// slice aliases buf's backing array and is only valid until the buffer is
// next mutated (including by a further Next call).
func (f *Framer) Next(buf *Buffer) (kind FrameKind, payload []byte) {
	if f.pending < 0 {
		if buf.Readable() < 2 {
			return FrameNone, nil
		}
		data := buf.Bytes()
		size := int(binary.BigEndian.Uint16(data[:2]))
		buf.Advance(2)
		if size == 0 {
			return FrameHeartbeat, nil
		}
		f.pending = size
	}

	if buf.Readable() < f.pending {
		return FrameNone, nil
	}
	data := buf.Bytes()
	payload = data[:f.pending]
	buf.Advance(f.pending)
	f.pending = -1
	return FrameEntry, payload
}
