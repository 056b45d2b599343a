// Copyright (c) 2025 hzcluster. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

// Package throttle implements the fixed-window write gate (C2): a fixed
// per-interval byte budget, computed once at construction, whose written
// counter resets once per bucket interval; the event loop consults it to
// decide whether WRITE interest may stay armed for a peer.
package throttle

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	bitsPerByte    = 8
	secondsPerDay  = 24 * 60 * 60
	unlimitedBytes = -1
)

// computeMaxBytes turns a daily bit budget into a per-interval byte budget,
// per spec.md §4.2: maxBytes = round((B/day) / ms_per_day * T) - maxEntrySize.
// The conversion from a daily budget to a steady rate is expressed with
// golang.org/x/time/rate's Limit type, the way the teacher's ThrottledWriter
// clamps its burst size from a bytes/sec rate, even though the gate itself
// (below) is a plain per-interval counter rather than a draining bucket.
func computeMaxBytes(bitsPerDay int64, bucketInterval time.Duration, maxEntrySize int) int {
	if bitsPerDay <= 0 {
		return unlimitedBytes
	}

	bytesPerSecond := float64(bitsPerDay) / bitsPerByte / secondsPerDay
	limit := rate.Limit(bytesPerSecond)

	budget := int(math.Round(float64(limit) * bucketInterval.Seconds()))
	budget -= maxEntrySize
	if budget < 0 {
		budget = 0
	}
	return budget
}

// Throttler is the per-transport write gate of spec.md §4.2. It is only
// read and advanced from the selector goroutine (OnWrote, Tick); the
// tracked-channel set may be mutated from any goroutine via TrackChannel /
// UntrackChannel, using a copy-on-write snapshot so the selector never
// blocks on a lock mid-loop.
type Throttler struct {
	maxBytes      int // unlimitedBytes disables throttling entirely
	interval      time.Duration
	written       int
	intervalStart int64 // ms, set by the selector's nowMs snapshot

	mu       sync.Mutex
	channels map[uint8]struct{}
}

// New builds a Throttler. nowMs anchors the first interval.
func New(bitsPerDay int64, bucketInterval time.Duration, maxEntrySize int, nowMs int64) *Throttler {
	return &Throttler{
		maxBytes:      computeMaxBytes(bitsPerDay, bucketInterval, maxEntrySize),
		interval:      bucketInterval,
		intervalStart: nowMs,
		channels:      make(map[uint8]struct{}),
	}
}

// Enabled reports whether a byte budget is in effect.
func (t *Throttler) Enabled() bool { return t.maxBytes != unlimitedBytes }

// MaxBytes returns the per-interval byte budget, or -1 if throttling is
// disabled.
func (t *Throttler) MaxBytes() int { return t.maxBytes }

// TrackChannel registers a peer identifier as subject to this throttle's
// WRITE gating.
func (t *Throttler) TrackChannel(id uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := make(map[uint8]struct{}, len(t.channels)+1)
	for k := range t.channels {
		next[k] = struct{}{}
	}
	next[id] = struct{}{}
	t.channels = next
}

// UntrackChannel removes a peer identifier, typically on session close.
func (t *Throttler) UntrackChannel(id uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.channels[id]; !ok {
		return
	}
	next := make(map[uint8]struct{}, len(t.channels))
	for k := range t.channels {
		if k != id {
			next[k] = struct{}{}
		}
	}
	t.channels = next
}

// Channels returns a snapshot of currently tracked identifiers.
func (t *Throttler) Channels() []uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint8, 0, len(t.channels))
	for k := range t.channels {
		out = append(out, k)
	}
	return out
}

// OnWrote accounts for n bytes written in the current interval. It returns
// true if the budget has now been exceeded, meaning the caller should clear
// WRITE interest on every tracked channel (spec.md §4.2).
func (t *Throttler) OnWrote(n int) bool {
	if !t.Enabled() {
		return false
	}
	t.written += n
	return t.written > t.maxBytes
}

// Tick advances the interval if nowMs has reached the next boundary,
// resetting the counter and reporting whether WRITE interest should be
// re-armed on every tracked channel.
func (t *Throttler) Tick(nowMs int64) bool {
	if !t.Enabled() {
		return false
	}
	if nowMs < t.intervalStart+t.interval.Milliseconds() {
		return false
	}
	t.written = 0
	t.intervalStart = nowMs
	return true
}
