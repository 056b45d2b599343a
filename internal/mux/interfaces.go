// Copyright (c) 2025 hzcluster. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

// Package mux implements the channel multiplexer (C7): fan-in of N logical
// channels' dirty-entry iterators into one transport stream per peer, plus
// the reserved channel-0 system queue used for bootstrap announcements.
//
// The three interfaces below are the external collaborators of spec.md §6 —
// owned by the hash-map storage engine, not this transport. The transport
// only consumes them.
package mux

// Replica is a single logical map/channel's replication-facing view.
type Replica interface {
	// Identifier returns this replica's local node identifier.
	Identifier() byte
	// AcquireModificationIterator returns a (possibly cached) iterator over
	// entries modified locally that have not yet been sent to remoteID.
	// notifier is woken whenever new dirty entries appear for that peer.
	AcquireModificationIterator(remoteID byte, notifier ModificationNotifier) ModificationIterator
	// LastModificationTime returns the last-modification timestamp this
	// replica has observed having been acknowledged by remoteID, used to
	// prime bootstrap.
	LastModificationTime(remoteID byte) int64
	// Close releases any resources held on behalf of replication.
	Close() error
}

// EntryCallback receives one dirty entry's raw bytes together with the
// channel id that produced it.
type EntryCallback func(entry []byte, channelID uint16) bool

// ModificationIterator is a per-peer lazy cursor over locally modified
// entries not yet transmitted to that peer (spec.md §6).
type ModificationIterator interface {
	// HasNext reports whether at least one entry remains.
	HasNext() bool
	// NextEntry advances the cursor and invokes cb exactly once with the
	// next entry's bytes and channelID, returning true, if one is
	// available; returns false (without invoking cb) if none is.
	NextEntry(cb EntryCallback, channelID uint16) bool
	// DirtyEntries reprimes the iterator from every entry modified at or
	// after sinceTs, discarding any narrower cursor state.
	DirtyEntries(sinceTs int64)
}

// EntryExternalizable serializes and deserializes one channel's entries to
// and from the wire (spec.md §6).
type EntryExternalizable interface {
	// WriteExternalEntry serializes entry into dst starting at dst[0],
	// returning the number of bytes written. Returning 0 declines the
	// entry; dst is left untouched by the caller in that case.
	WriteExternalEntry(entry []byte, dst []byte) (int, error)
	// ReadExternalEntry consumes exactly one entry's bytes from src.
	ReadExternalEntry(src []byte) error
}

// ModificationNotifier is woken by a Replica when new dirty work exists for
// a particular peer (spec.md §6).
type ModificationNotifier interface {
	OnChange()
}
