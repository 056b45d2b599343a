// Copyright (c) 2025 hzcluster. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package mux

import "sync"

// systemQueue is channel 0's in-memory FIFO of byte payloads, used for
// bootstrap announcements (spec.md §4.7). One instance is kept per peer, so
// a message destined for peer X never shows up in peer Y's outbound stream.
type systemQueue struct {
	mu      sync.Mutex
	pending [][]byte
}

func newSystemQueue() *systemQueue {
	return &systemQueue{}
}

func (q *systemQueue) enqueue(payload []byte) {
	q.mu.Lock()
	q.pending = append(q.pending, payload)
	q.mu.Unlock()
}

func (q *systemQueue) hasNext() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) > 0
}

func (q *systemQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	return msg, true
}
