// Copyright (c) 2025 hzcluster. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package mux

import "sync"

// compositeIterator is the per-peer ModificationIterator returned by
// Multiplexer.AcquireModificationIterator: it scans the reserved system
// channel first, then every occupied user channel in ascending id order
// (spec.md §4.7).
type compositeIterator struct {
	mux      *Multiplexer
	remoteID byte
	notifier ModificationNotifier
	sysQueue *systemQueue

	mu    sync.Mutex
	iters map[uint16]ModificationIterator
}

// HasNext is the disjunction over the system queue and every occupied
// channel's iterator.
func (c *compositeIterator) HasNext() bool {
	if c.sysQueue.hasNext() {
		return true
	}
	for _, id := range c.mux.occupiedChannels() {
		if c.iteratorFor(id).HasNext() {
			return true
		}
	}
	return false
}

// NextEntry scans channel 0 then occupied channels ascending, invoking cb
// exactly once for the first entry found.
func (c *compositeIterator) NextEntry(cb EntryCallback, _ uint16) bool {
	if msg, ok := c.sysQueue.pop(); ok {
		return cb(msg, SystemChannelID)
	}

	for _, id := range c.mux.occupiedChannels() {
		it := c.iteratorFor(id)
		if !it.HasNext() {
			continue
		}
		if it.NextEntry(cb, id) {
			return true
		}
	}
	return false
}

// DirtyEntries fans out to every occupied channel's iterator.
func (c *compositeIterator) DirtyEntries(sinceTs int64) {
	for _, id := range c.mux.occupiedChannels() {
		c.iteratorFor(id).DirtyEntries(sinceTs)
	}
}

func (c *compositeIterator) iteratorFor(id uint16) ModificationIterator {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.iters[id]; ok {
		return it
	}
	replica := c.mux.replicaAt(id)
	it := replica.AcquireModificationIterator(c.remoteID, c.notifier)
	c.iters[id] = it
	return it
}
