// Copyright (c) 2025 hzcluster. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

// Package wire implements the framed byte buffers (C1) that pair a socket
// with a parser: a length-prefixed entry/heartbeat protocol over a
// compacting read/write byte region.
package wire

import "errors"

// MaxEntrySize is the hard ceiling on a single framed entry's payload, fixed
// by the 16-bit unsigned length prefix.
const MaxEntrySize = 65535

var (
	// ErrEntryTooLarge is returned when a caller attempts to stage an entry
	// whose payload would exceed MaxEntrySize bytes.
	ErrEntryTooLarge = errors.New("wire: entry exceeds 65535 bytes")

	// ErrBufferFull is returned when an outbound write cannot reserve the
	// 2-byte length prefix for the next entry because free space has run
	// out; callers should stop pumping and wait for a drain.
	ErrBufferFull = errors.New("wire: insufficient free space in buffer")
)
