// Copyright (c) 2025 hzcluster. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package mux

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hzcluster/hcreplica/internal/wire"
)

// SystemChannelID is the reserved channel carrying control messages.
const SystemChannelID uint16 = 0

var (
	// ErrUnknownChannel is returned when a frame references a channel id
	// that has no registered Replica/EntryExternalizable pair. Per
	// spec.md §4.7 the caller should log and skip, not fail the session.
	ErrUnknownChannel = errors.New("mux: unknown channel id")
	// ErrChannelOutOfRange is returned by RegisterChannel when id is 0 or
	// >= maxChannels.
	ErrChannelOutOfRange = errors.New("mux: channel id out of range")
	// ErrChannelAlreadyRegistered is returned by RegisterChannel for a
	// slot already occupied.
	ErrChannelAlreadyRegistered = errors.New("mux: channel already registered")
)

// Multiplexer is the channel multiplexer of spec.md §4.7 (C7). It fans N
// logical channels' dirty-entry iterators into per-peer composite streams
// and demultiplexes inbound frames back to the right channel.
type Multiplexer struct {
	localID     byte
	maxChannels int

	mu              sync.RWMutex
	replicas        []Replica
	externalizables []EntryExternalizable
	occupied        []bool

	peersMu sync.Mutex
	peers   map[byte]*peerState

	forceBootstrap atomic.Bool
}

type peerState struct {
	composite *compositeIterator
	sysQueue  *systemQueue
}

// New builds a Multiplexer for localID with room for maxChannels channels
// (channel 0 reserved for system messages).
func New(localID byte, maxChannels int) *Multiplexer {
	return &Multiplexer{
		localID:         localID,
		maxChannels:     maxChannels,
		replicas:        make([]Replica, maxChannels),
		externalizables: make([]EntryExternalizable, maxChannels),
		occupied:        make([]bool, maxChannels),
		peers:           make(map[byte]*peerState),
	}
}

// KnownPeers returns the identifiers of every peer a composite iterator has
// been acquired for.
func (m *Multiplexer) KnownPeers() []byte {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	out := make([]byte, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	return out
}

// RegisterChannel adds channel id with its Replica/EntryExternalizable
// pair. For every peer a composite iterator already exists for, it enqueues
// a channel-0 bootstrap announcement {0x42, localId, id, lastModTime} on
// that peer's system queue, per spec.md §4.7 "Adding a channel after
// connect".
func (m *Multiplexer) RegisterChannel(id uint16, replica Replica, ext EntryExternalizable) error {
	if id == SystemChannelID || int(id) >= m.maxChannels {
		return ErrChannelOutOfRange
	}

	m.mu.Lock()
	if m.occupied[id] {
		m.mu.Unlock()
		return ErrChannelAlreadyRegistered
	}
	m.occupied[id] = true
	m.replicas[id] = replica
	m.externalizables[id] = ext
	m.mu.Unlock()

	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	for peerID, ps := range m.peers {
		ts := replica.LastModificationTime(peerID)
		ps.sysQueue.enqueue(encodeBootstrap(m.localID, id, ts))
	}
	return nil
}

// AcquireModificationIterator returns the cached composite iterator for
// remoteID, creating it (and that peer's system queue) on first use.
func (m *Multiplexer) AcquireModificationIterator(remoteID byte, notifier ModificationNotifier) ModificationIterator {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()

	ps, ok := m.peers[remoteID]
	if !ok {
		ps = &peerState{
			sysQueue: newSystemQueue(),
		}
		ps.composite = &compositeIterator{
			mux:      m,
			remoteID: remoteID,
			notifier: notifier,
			sysQueue: ps.sysQueue,
			iters:    make(map[uint16]ModificationIterator),
		}
		m.peers[remoteID] = ps
	}
	return ps.composite
}

// OverallLastModificationTime returns the latest LastModificationTime that
// any occupied channel reports for remoteID, used to fill the handshake
// bootstrap-ts echo (spec.md §4.4.1) without requiring the transport to know
// about individual channels.
func (m *Multiplexer) OverallLastModificationTime(remoteID byte) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var max int64
	for id, on := range m.occupied {
		if !on {
			continue
		}
		if ts := m.replicas[id].LastModificationTime(remoteID); ts > max {
			max = ts
		}
	}
	return max
}

// ForceBootstrap sets the flag inspected by the event loop: on its next
// iteration it re-issues DirtyEntries from the peer's stored bootstrap
// timestamp for every handshake-complete session and re-arms WRITE interest
// (spec.md §4.7).
func (m *Multiplexer) ForceBootstrap() { m.forceBootstrap.Store(true) }

// ShouldForceBootstrap reports whether ForceBootstrap has been requested
// and not yet cleared.
func (m *Multiplexer) ShouldForceBootstrap() bool { return m.forceBootstrap.Load() }

// ClearForceBootstrap resets the flag once every known session has been
// re-bootstrapped.
func (m *Multiplexer) ClearForceBootstrap() { m.forceBootstrap.Store(false) }

// WriteExternalEntry prepends a stop-bit-encoded channelID to entry and
// delegates serialization to that channel's EntryExternalizable, staging
// the result into dst via its length-prefixed entry protocol. It returns
// the number of payload bytes written (0 if declined).
func (m *Multiplexer) WriteExternalEntry(entry []byte, dst *wire.Buffer, channelID uint16) (int, error) {
	ext := m.externalizableAt(channelID)
	if ext == nil {
		return 0, ErrUnknownChannel
	}

	header, payload, err := dst.ReserveEntry()
	if err != nil {
		return 0, err
	}

	idLen := ChannelIDLen(channelID)
	if len(payload) < idLen {
		return 0, wire.ErrBufferFull
	}
	PutChannelID(payload[:idLen], channelID)

	n, err := ext.WriteExternalEntry(entry, payload[idLen:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		if cerr := dst.CommitEntry(header, 0); cerr != nil {
			return 0, cerr
		}
		return 0, nil
	}

	total := idLen + n
	if err := dst.CommitEntry(header, total); err != nil {
		return 0, err
	}
	return total, nil
}

// MarshalEntry serializes entry for channelID into scratch, returning the
// stop-bit-prefixed slice ready to stage onto the wire. Unlike
// WriteExternalEntry, it does not touch a wire.Buffer directly: callers that
// need to transform the whole serialized unit before it is framed (such as
// compressing it) use this instead. Returns a nil slice, nil error if the
// channel declined the entry.
func (m *Multiplexer) MarshalEntry(entry []byte, channelID uint16, scratch []byte) ([]byte, error) {
	ext := m.externalizableAt(channelID)
	if ext == nil {
		return nil, ErrUnknownChannel
	}

	idLen := ChannelIDLen(channelID)
	if len(scratch) < idLen {
		return nil, wire.ErrBufferFull
	}
	PutChannelID(scratch[:idLen], channelID)

	n, err := ext.WriteExternalEntry(entry, scratch[idLen:])
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return scratch[:idLen+n], nil
}

// ReadExternalEntry reads the stop-bit channel id from the front of src and
// dispatches the remainder to that channel's EntryExternalizable. Channel 0
// payloads are interpreted as bootstrap announcements rather than handed to
// a user EntryExternalizable.
func (m *Multiplexer) ReadExternalEntry(src []byte, notifier ModificationNotifier) error {
	channelID, n := GetChannelID(src)
	if n == 0 {
		return ErrUnknownChannel
	}
	rest := src[n:]

	if channelID == SystemChannelID {
		return m.handleSystemMessage(rest, notifier)
	}

	ext := m.externalizableAt(channelID)
	if ext == nil {
		return ErrUnknownChannel
	}
	return ext.ReadExternalEntry(rest)
}

func (m *Multiplexer) handleSystemMessage(payload []byte, notifier ModificationNotifier) error {
	senderID, channelID, lastModTime, err := decodeBootstrap(payload)
	if err != nil {
		return err
	}
	replica := m.replicaAt(channelID)
	if replica == nil {
		return ErrUnknownChannel
	}
	replica.AcquireModificationIterator(senderID, notifier).DirtyEntries(lastModTime)
	return nil
}

func (m *Multiplexer) externalizableAt(id uint16) EntryExternalizable {
	if int(id) >= m.maxChannels {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.occupied[id] {
		return nil
	}
	return m.externalizables[id]
}

func (m *Multiplexer) replicaAt(id uint16) Replica {
	if int(id) >= m.maxChannels {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.occupied[id] {
		return nil
	}
	return m.replicas[id]
}

func (m *Multiplexer) isOccupied(id uint16) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int(id) < m.maxChannels && m.occupied[id]
}

func (m *Multiplexer) occupiedChannels() []uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint16, 0, len(m.occupied))
	for id, on := range m.occupied {
		if on {
			out = append(out, uint16(id))
		}
	}
	return out
}
