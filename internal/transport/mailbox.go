// Copyright (c) 2025 hzcluster. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package transport

import (
	stdbits "math/bits"
	"sync/atomic"
)

// identifierSpace is the number of distinct node identifiers (spec.md §3:
// one byte, [1,127], plus the unused slots below 1).
const identifierSpace = 128

// mailbox is the write-interest mailbox of spec.md §4.6: a fixed bit-vector
// sized to the identifier space, plus a keyStore mapping identifier to the
// session currently registered for it, plus an atomic dirty flag. Any
// goroutine may call Signal; only the selector goroutine calls Drain.
//
// The producer always sets the bit before setting dirty, so a consumer that
// observes dirty is guaranteed to observe every bit set up to that point —
// no signal can be lost (spec.md §4.6).
type mailbox struct {
	bits     [2]atomic.Uint64 // 128 bits across two atomic words
	dirty    atomic.Bool
	keyStore [identifierSpace]*session
}

func newMailbox() *mailbox {
	return &mailbox{}
}

// Signal marks identifier as having new write-interest work. It does not
// wake the selector itself; the notifier wired in bindPeer wakes the poller
// right after calling Signal. Safe to call from any goroutine, including
// concurrently with other Signal callers and with Drain's swap.
func (m *mailbox) Signal(identifier byte) {
	word, bit := identifier/64, identifier%64
	mask := uint64(1) << bit
	for {
		old := m.bits[word].Load()
		if old&mask != 0 {
			break
		}
		if m.bits[word].CompareAndSwap(old, old|mask) {
			break
		}
	}
	m.dirty.Store(true)
}

// Bind records which session currently owns identifier's selection key, so
// Drain can find it to re-arm WRITE interest. Selector-thread only.
func (m *mailbox) Bind(identifier byte, s *session) {
	m.keyStore[identifier] = s
}

// Unbind clears a session's registration, typically on close.
func (m *mailbox) Unbind(identifier byte) {
	m.keyStore[identifier] = nil
}

// Drain does nothing unless a bit was set since the last Drain; otherwise it
// clears the bits and invokes fn for every session bound to a set bit.
// Selector-thread only.
func (m *mailbox) Drain(fn func(s *session)) {
	if !m.dirty.Load() {
		return
	}
	m.dirty.Store(false)

	var bits [2]uint64
	bits[0] = m.bits[0].Swap(0)
	bits[1] = m.bits[1].Swap(0)

	for word := 0; word < 2; word++ {
		w := bits[word]
		for w != 0 {
			bit := stdbits.TrailingZeros64(w)
			w &^= 1 << uint(bit)
			id := byte(word*64 + bit)
			if s := m.keyStore[id]; s != nil {
				fn(s)
			}
		}
	}
}
