// Copyright (c) 2025 hzcluster. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

// Package transport implements the TCP replication engine: the connector
// (C3), peer session (C4), event loop (C5), write-interest mailbox (C6) and
// replicator facade (C8) of spec.md §4.
package transport

import "time"

// Clock is the pluggable time source referenced in spec.md §9 Design
// Notes, kept swappable so the deterministic scenarios of spec.md §8 can
// run without wall-clock sleeps.
type Clock interface {
	// NowMs returns the current time in milliseconds, on whatever epoch the
	// implementation chooses as long as it is monotonic for the lifetime of
	// a Replicator.
	NowMs() int64
}

// systemClock is the default Clock, backed by time.Now.
type systemClock struct{}

// SystemClock is the real-time Clock used outside tests.
var SystemClock Clock = systemClock{}

func (systemClock) NowMs() int64 { return time.Now().UnixMilli() }
