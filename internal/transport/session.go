// Copyright (c) 2025 hzcluster. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package transport

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/hzcluster/hcreplica/internal/mux"
	"github.com/hzcluster/hcreplica/internal/wire"
)

// handshakeState is the three-step handshake state machine of spec.md
// §4.4.1.
type handshakeState int

const (
	hsAwaitingRemoteID    handshakeState = iota // S0
	hsAwaitingBootstrapTS                       // S1
	hsAwaitingHeartbeatMs                       // S2
	hsComplete                                  // S3
)

// Remote identifiers are bounded to spec.md §3's [1,127] range; anything
// outside it must never reach keyStore/bits indexing in the mailbox (§4.6),
// which is sized exactly to this range.
const (
	minRemoteIdentifier = 1
	maxRemoteIdentifier = 127
)

// session is a peer session (C4): per-connection handshake progress,
// framed reader/writer, heartbeat bookkeeping, and the bound channel
// iterator. It is only ever touched from the selector goroutine.
type session struct {
	fd       int
	remote   string
	isServer bool

	localID                byte
	localHeartbeatInterval time.Duration
	maxEntrySize           int

	connector *Connector // nil for accepted (server) sessions
	mpx       *mux.Multiplexer
	notifier  mux.ModificationNotifier
	logger    *slog.Logger

	hsState                  handshakeState
	remoteIdentifier         byte
	remoteBootstrapTimestamp int64
	remoteHeartbeatInterval  time.Duration
	handshakeComplete        bool

	inbound  *wire.Buffer
	outbound *wire.Buffer
	framer   *wire.Framer

	remoteIterator mux.ModificationIterator

	// compressor is nil unless Config.Compression is set. When present, every
	// outbound entry is marshaled then zstd-compressed before it is staged,
	// and every inbound entry is decompressed before dispatch.
	compressor        *wire.Compressor
	marshalScratch    []byte
	compressScratch   []byte
	decompressScratch []byte

	lastSent     int64
	lastReceived int64

	bytesWritten int64
	bytesRead    int64

	connectPending bool // true while an active connect() has not yet completed
	interest       int

	// onChangeFn is wired by the event loop at registration time: it posts
	// the session's remote identifier into the write-interest mailbox.
	onChangeFn func(remoteIdentifier byte)
}

// lastModTimeFunc supplies the bootstrap-ts-echo sent during handshake: the
// last modification time this node has observed from a given remote
// identifier, aggregated across all registered channels.
type lastModTimeFunc func(remoteID byte) int64

func newSession(fd int, remote string, isServer bool, localID byte, heartBeatInterval time.Duration, maxEntrySize, packetSize int, mpx *mux.Multiplexer, connector *Connector, logger *slog.Logger) *session {
	s := &session{
		fd:                     fd,
		remote:                 remote,
		isServer:               isServer,
		localID:                localID,
		localHeartbeatInterval: heartBeatInterval,
		maxEntrySize:           maxEntrySize,
		connector:              connector,
		mpx:                    mpx,
		logger:                 logger,
		inbound:                wire.NewBuffer(packetSize + maxEntrySize),
		outbound:               wire.NewBuffer(packetSize + maxEntrySize),
		framer:                 wire.NewFramer(),
	}
	s.notifier = (*sessionNotifier)(s)
	return s
}

// sessionNotifier adapts a session to mux.ModificationNotifier: when the
// bound Replica signals new dirty work, the session's identifier is posted
// to the write-interest mailbox.
type sessionNotifier session

func (n *sessionNotifier) OnChange() {
	s := (*session)(n)
	if s.onChangeFn != nil {
		s.onChangeFn(s.remoteIdentifier)
	}
}

// queueLocalPreamble queues this side's 1-byte identifier immediately at
// session creation, per spec.md §4.4.1 ("the writer has already queued the
// local preamble ... at session creation").
func (s *session) queueLocalPreamble() error {
	return s.outbound.WriteRaw([]byte{s.localID})
}

// advanceHandshake consumes as many handshake bytes as are available from
// s.inbound, advancing hsState. lastModTime supplies the bootstrap-ts-echo.
// Returns ErrIdentifierOutOfRange if the remote announces an identifier
// outside [1,127], or ErrIdentifierCollision if it announces this node's own
// identifier.
func (s *session) advanceHandshake(lastModTime lastModTimeFunc) error {
	for !s.handshakeComplete {
		switch s.hsState {
		case hsAwaitingRemoteID:
			if s.inbound.Readable() < 1 {
				return nil
			}
			remoteID := s.inbound.Bytes()[0]
			s.inbound.Advance(1)

			if remoteID < minRemoteIdentifier || remoteID > maxRemoteIdentifier {
				return fmt.Errorf("%w: %w (%d)", ErrProtocol, ErrIdentifierOutOfRange, remoteID)
			}
			if remoteID == s.localID {
				return fmt.Errorf("%w: %w", ErrProtocol, ErrIdentifierCollision)
			}
			s.remoteIdentifier = remoteID
			s.remoteIterator = s.mpx.AcquireModificationIterator(remoteID, s.notifier)

			var echo [8]byte
			binary.BigEndian.PutUint64(echo[:], uint64(lastModTime(remoteID)))
			if err := s.outbound.WriteRaw(echo[:]); err != nil {
				return fmt.Errorf("%w: queueing bootstrap echo: %w", ErrTransientIO, err)
			}
			var hb [8]byte
			binary.BigEndian.PutUint64(hb[:], uint64(s.localHeartbeatInterval.Milliseconds()))
			if err := s.outbound.WriteRaw(hb[:]); err != nil {
				return fmt.Errorf("%w: queueing heartbeat interval: %w", ErrTransientIO, err)
			}

			s.hsState = hsAwaitingBootstrapTS

		case hsAwaitingBootstrapTS:
			if s.inbound.Readable() < 8 {
				return nil
			}
			ts := int64(binary.BigEndian.Uint64(s.inbound.Bytes()[:8]))
			s.inbound.Advance(8)
			s.remoteBootstrapTimestamp = ts
			s.hsState = hsAwaitingHeartbeatMs

		case hsAwaitingHeartbeatMs:
			if s.inbound.Readable() < 8 {
				return nil
			}
			ms := int64(binary.BigEndian.Uint64(s.inbound.Bytes()[:8]))
			s.inbound.Advance(8)
			// 1.25x latency margin on the peer's advertised interval.
			s.remoteHeartbeatInterval = time.Duration(float64(ms)*1.25) * time.Millisecond
			s.handshakeComplete = true
			s.hsState = hsComplete
			s.remoteIterator.DirtyEntries(s.remoteBootstrapTimestamp)
		}
	}
	return nil
}

// setOnChange is called by the event loop's bindPeer once the remote
// identifier is known.
func (s *session) setOnChange(fn func(remoteIdentifier byte)) {
	s.onChangeFn = fn
}

// setCompressor enables zstd framing of every entry this session exchanges.
// Shared across every session on a Replicator; nil leaves entries uncompressed.
func (s *session) setCompressor(c *wire.Compressor) {
	s.compressor = c
}

// pumpOutbound drains dirty entries from the bound iterator into the
// outbound buffer until either the iterator runs dry or free space falls
// below maxEntrySize (spec.md §4.4 outbound pipeline, step 1).
func (s *session) pumpOutbound() (wrote bool) {
	if s.remoteIterator == nil {
		return false
	}
	for s.outbound.Writable() >= s.maxEntrySize {
		if !s.remoteIterator.HasNext() {
			break
		}
		ok := s.remoteIterator.NextEntry(func(entry []byte, channelID uint16) bool {
			if s.compressor == nil {
				n, err := s.mpx.WriteExternalEntry(entry, s.outbound, channelID)
				if err != nil {
					if s.logger != nil {
						s.logger.Warn("dropping undeliverable entry", "channel", channelID, "error", err)
					}
					return false
				}
				return n > 0
			}
			return s.writeCompressedEntry(entry, channelID)
		}, 0)
		if !ok {
			break
		}
		wrote = true
	}
	return wrote
}

// writeCompressedEntry marshals entry through the channel's
// EntryExternalizable, zstd-compresses the result, and stages it into
// outbound. Declines (returns false) when the channel is unknown, the entry
// is declined by its externalizable, or the compressed form still doesn't
// fit the remaining entry budget.
func (s *session) writeCompressedEntry(entry []byte, channelID uint16) bool {
	if cap(s.marshalScratch) < s.maxEntrySize {
		s.marshalScratch = make([]byte, s.maxEntrySize)
	}
	marshaled, err := s.mpx.MarshalEntry(entry, channelID, s.marshalScratch[:s.maxEntrySize])
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("dropping undeliverable entry", "channel", channelID, "error", err)
		}
		return false
	}
	if marshaled == nil {
		return false
	}

	s.compressScratch = s.compressor.Compress(s.compressScratch[:0], marshaled)

	header, payload, err := s.outbound.ReserveEntry()
	if err != nil {
		return false
	}
	if len(s.compressScratch) > len(payload) {
		_ = s.outbound.CommitEntry(header, 0)
		return false
	}
	n := copy(payload, s.compressScratch)
	if err := s.outbound.CommitEntry(header, n); err != nil {
		return false
	}
	return true
}

// sendHeartbeatIfDue implements the send-if-due half of spec.md §4.5.1.
func (s *session) sendHeartbeatIfDue(nowMs int64) (sent bool, err error) {
	if !s.handshakeComplete {
		return false, nil
	}
	if nowMs-s.lastSent < s.localHeartbeatInterval.Milliseconds() {
		return false, nil
	}
	if err := s.outbound.WriteHeartbeat(); err != nil {
		return false, err
	}
	s.lastSent = nowMs
	return true, nil
}

// heartbeatExpired implements the receive-check half of spec.md §4.5.1:
// only client (non-server) sessions self-declare their peer lost.
func (s *session) heartbeatExpired(nowMs int64) bool {
	if s.isServer || !s.handshakeComplete {
		return false
	}
	return nowMs-s.lastReceived > s.remoteHeartbeatInterval.Milliseconds()
}

// drainInboundFrames runs the post-handshake entry/heartbeat framer over
// whatever bytes are available, dispatching entries to the multiplexer.
func (s *session) drainInboundFrames() error {
	for {
		kind, payload := s.framer.Next(s.inbound)
		switch kind {
		case wire.FrameNone:
			return nil
		case wire.FrameHeartbeat:
			continue
		case wire.FrameEntry:
			if s.compressor != nil {
				decompressed, err := s.compressor.Decompress(s.decompressScratch[:0], payload)
				if err != nil {
					if s.logger != nil {
						s.logger.Warn("dropping undecodable compressed entry", "error", err, "remote", s.remoteIdentifier)
					}
					continue
				}
				s.decompressScratch = decompressed
				payload = decompressed
			}
			if err := s.mpx.ReadExternalEntry(payload, s.notifier); err != nil {
				if s.logger != nil {
					s.logger.Info("skipping entry for unknown channel", "error", err, "remote", s.remoteIdentifier)
				}
			}
		}
	}
}
