// Copyright (c) 2025 hzcluster. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package transport

import "sync"

// pendingQueue is the multi-producer/single-consumer registration queue of
// spec.md §4.3/§4.5: helper goroutines append closures that mutate selector
// state, and the selector goroutine drains and runs them once per loop
// iteration, before select/epoll_wait. Modeled on the gaio watcher's
// pendingCreate/pendingProcessing swap-buffer pattern.
type pendingQueue struct {
	mu      sync.Mutex
	pending []func()
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{}
}

// Post appends fn for the selector goroutine to run. Safe from any
// goroutine.
func (q *pendingQueue) Post(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
}

// Drain swaps out the pending slice and runs every closure in submission
// order. Selector-thread only.
func (q *pendingQueue) Drain() {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, fn := range batch {
		fn()
	}
}
