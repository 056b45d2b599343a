// Copyright (c) 2025 hzcluster. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package mux

import (
	"encoding/binary"
	"errors"
)

// bootstrapTag marks a channel-0 payload as a dynamic-channel bootstrap
// announcement, per spec.md §4.7: {0x42, localId, c, lastModificationTime}.
const bootstrapTag = 0x42

// ErrNotBootstrap is returned by decodeBootstrap when the payload does not
// carry the bootstrap tag.
var ErrNotBootstrap = errors.New("mux: not a bootstrap message")

// ErrTruncatedBootstrap is returned when a bootstrap-tagged payload is
// shorter than the encoding requires.
var ErrTruncatedBootstrap = errors.New("mux: truncated bootstrap message")

func encodeBootstrap(senderID byte, channelID uint16, lastModTime int64) []byte {
	idLen := ChannelIDLen(channelID)
	out := make([]byte, 2+idLen+8)
	out[0] = bootstrapTag
	out[1] = senderID
	PutChannelID(out[2:2+idLen], channelID)
	binary.BigEndian.PutUint64(out[2+idLen:], uint64(lastModTime))
	return out
}

func decodeBootstrap(payload []byte) (senderID byte, channelID uint16, lastModTime int64, err error) {
	if len(payload) < 2 || payload[0] != bootstrapTag {
		return 0, 0, 0, ErrNotBootstrap
	}
	senderID = payload[1]
	rest := payload[2:]
	channelID, n := GetChannelID(rest)
	if n == 0 {
		return 0, 0, 0, ErrTruncatedBootstrap
	}
	rest = rest[n:]
	if len(rest) < 8 {
		return 0, 0, 0, ErrTruncatedBootstrap
	}
	lastModTime = int64(binary.BigEndian.Uint64(rest[:8]))
	return senderID, channelID, lastModTime, nil
}
