// Copyright (c) 2025 hzcluster. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package transport

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hzcluster/hcreplica/internal/mux"
	"github.com/hzcluster/hcreplica/internal/wire"
)

type fakeEntryExternalizable struct{}

func (fakeEntryExternalizable) WriteExternalEntry(entry []byte, dst []byte) (int, error) {
	return copy(dst, entry), nil
}
func (fakeEntryExternalizable) ReadExternalEntry([]byte) error { return nil }

type fakeReplica struct{ id byte }

func (r *fakeReplica) Identifier() byte { return r.id }
func (r *fakeReplica) AcquireModificationIterator(byte, mux.ModificationNotifier) mux.ModificationIterator {
	return &fakeIterator{}
}
func (r *fakeReplica) LastModificationTime(byte) int64 { return 111 }
func (r *fakeReplica) Close() error                    { return nil }

type fakeIterator struct{ primed int64 }

func (it *fakeIterator) HasNext() bool                           { return false }
func (it *fakeIterator) NextEntry(mux.EntryCallback, uint16) bool { return false }
func (it *fakeIterator) DirtyEntries(sinceTs int64)               { it.primed = sinceTs }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestMultiplexer(localID byte) *mux.Multiplexer {
	m := mux.New(localID, 8)
	if err := m.RegisterChannel(1, &fakeReplica{id: localID}, fakeEntryExternalizable{}); err != nil {
		panic(err)
	}
	return m
}

func feedHandshakeBytes(s *session, remoteID byte, bootstrapTS int64, heartbeatMs int64) {
	s.inbound.WriteRaw([]byte{remoteID})
	var ts, hb [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(bootstrapTS))
	binary.BigEndian.PutUint64(hb[:], uint64(heartbeatMs))
	s.inbound.WriteRaw(ts[:])
	s.inbound.WriteRaw(hb[:])
}

func TestAdvanceHandshakeCompletesAcrossThreeFields(t *testing.T) {
	mpx := newTestMultiplexer(1)
	s := newSession(-1, "peer", false, 1, 500*time.Millisecond, 4096, 65536, mpx, nil, testLogger())

	feedHandshakeBytes(s, 2, 999, 400)

	if err := s.advanceHandshake(mpx.OverallLastModificationTime); err != nil {
		t.Fatalf("advanceHandshake: %v", err)
	}
	if !s.handshakeComplete {
		t.Fatal("expected handshake to complete")
	}
	if s.remoteIdentifier != 2 {
		t.Fatalf("remoteIdentifier = %d, want 2", s.remoteIdentifier)
	}
	if s.remoteBootstrapTimestamp != 999 {
		t.Fatalf("remoteBootstrapTimestamp = %d, want 999", s.remoteBootstrapTimestamp)
	}
	want := time.Duration(float64(400)*1.25) * time.Millisecond
	if s.remoteHeartbeatInterval != want {
		t.Fatalf("remoteHeartbeatInterval = %v, want %v", s.remoteHeartbeatInterval, want)
	}
}

func TestAdvanceHandshakeStopsAtPartialInput(t *testing.T) {
	mpx := newTestMultiplexer(1)
	s := newSession(-1, "peer", false, 1, 500*time.Millisecond, 4096, 65536, mpx, nil, testLogger())

	s.inbound.WriteRaw([]byte{2}) // only the 1-byte identifier, nothing else

	if err := s.advanceHandshake(mpx.OverallLastModificationTime); err != nil {
		t.Fatalf("advanceHandshake: %v", err)
	}
	if s.handshakeComplete {
		t.Fatal("handshake should not complete on partial input")
	}
	if s.hsState != hsAwaitingBootstrapTS {
		t.Fatalf("hsState = %v, want hsAwaitingBootstrapTS", s.hsState)
	}
}

func TestAdvanceHandshakeRejectsIdentifierCollision(t *testing.T) {
	mpx := newTestMultiplexer(1)
	s := newSession(-1, "peer", false, 1, 500*time.Millisecond, 4096, 65536, mpx, nil, testLogger())

	s.inbound.WriteRaw([]byte{1}) // same as localID

	err := s.advanceHandshake(mpx.OverallLastModificationTime)
	if !errors.Is(err, ErrProtocol) || !errors.Is(err, ErrIdentifierCollision) {
		t.Fatalf("expected ErrProtocol+ErrIdentifierCollision, got %v", err)
	}
}

func TestAdvanceHandshakeRejectsOutOfRangeIdentifier(t *testing.T) {
	mpx := newTestMultiplexer(1)
	s := newSession(-1, "peer", false, 1, 500*time.Millisecond, 4096, 65536, mpx, nil, testLogger())

	s.inbound.WriteRaw([]byte{128}) // one past the [1,127] range

	err := s.advanceHandshake(mpx.OverallLastModificationTime)
	if !errors.Is(err, ErrProtocol) || !errors.Is(err, ErrIdentifierOutOfRange) {
		t.Fatalf("expected ErrProtocol+ErrIdentifierOutOfRange, got %v", err)
	}

	mpx2 := newTestMultiplexer(1)
	s2 := newSession(-1, "peer", false, 1, 500*time.Millisecond, 4096, 65536, mpx2, nil, testLogger())
	s2.inbound.WriteRaw([]byte{0})
	err = s2.advanceHandshake(mpx2.OverallLastModificationTime)
	if !errors.Is(err, ErrProtocol) || !errors.Is(err, ErrIdentifierOutOfRange) {
		t.Fatalf("expected ErrProtocol+ErrIdentifierOutOfRange for id 0, got %v", err)
	}
}

func TestQueueLocalPreambleWritesOneByte(t *testing.T) {
	mpx := newTestMultiplexer(5)
	s := newSession(-1, "peer", false, 5, 500*time.Millisecond, 4096, 65536, mpx, nil, testLogger())

	if err := s.queueLocalPreamble(); err != nil {
		t.Fatalf("queueLocalPreamble: %v", err)
	}
	if got := s.outbound.Bytes(); len(got) != 1 || got[0] != 5 {
		t.Fatalf("outbound = %v, want [5]", got)
	}
}

func TestSendHeartbeatIfDueOnlyAfterHandshakeAndInterval(t *testing.T) {
	mpx := newTestMultiplexer(1)
	s := newSession(-1, "peer", false, 1, 100*time.Millisecond, 4096, 65536, mpx, nil, testLogger())

	sent, err := s.sendHeartbeatIfDue(0)
	if err != nil || sent {
		t.Fatalf("expected no heartbeat before handshake completes, sent=%v err=%v", sent, err)
	}

	s.handshakeComplete = true
	sent, err = s.sendHeartbeatIfDue(100)
	if err != nil || !sent {
		t.Fatalf("expected first heartbeat to send, sent=%v err=%v", sent, err)
	}
	sent, err = s.sendHeartbeatIfDue(150)
	if err != nil || sent {
		t.Fatalf("expected no second heartbeat before interval elapses, sent=%v err=%v", sent, err)
	}
	sent, err = s.sendHeartbeatIfDue(250)
	if err != nil || !sent {
		t.Fatalf("expected heartbeat once interval elapses, sent=%v err=%v", sent, err)
	}
}

func TestHeartbeatExpiredOnlyAppliesToClientSessions(t *testing.T) {
	mpx := newTestMultiplexer(1)
	server := newSession(-1, "peer", true, 1, 100*time.Millisecond, 4096, 65536, mpx, nil, testLogger())
	server.handshakeComplete = true
	server.remoteHeartbeatInterval = 100 * time.Millisecond
	server.lastReceived = 0
	if server.heartbeatExpired(10_000) {
		t.Fatal("server sessions must never self-declare a peer lost")
	}

	client := newSession(-1, "peer", false, 1, 100*time.Millisecond, 4096, 65536, mpx, nil, testLogger())
	client.handshakeComplete = true
	client.remoteHeartbeatInterval = 100 * time.Millisecond
	client.lastReceived = 0
	if !client.heartbeatExpired(1000) {
		t.Fatal("expected client session to declare the peer lost past remoteHeartbeatInterval")
	}
	if client.heartbeatExpired(50) {
		t.Fatal("expected client session to still consider the peer alive within the interval")
	}
}

// recordingEntryExternalizable records every entry handed to it verbatim, so
// a compression round trip can assert on what arrived.
type recordingEntryExternalizable struct{ received [][]byte }

func (e *recordingEntryExternalizable) WriteExternalEntry(entry []byte, dst []byte) (int, error) {
	return copy(dst, entry), nil
}

func (e *recordingEntryExternalizable) ReadExternalEntry(src []byte) error {
	e.received = append(e.received, append([]byte(nil), src...))
	return nil
}

func TestCompressedEntryRoundTripsThroughWriteAndDrain(t *testing.T) {
	compressor, err := wire.NewCompressor()
	if err != nil {
		t.Fatalf("NewCompressor: %v", err)
	}
	defer compressor.Close()

	mpx := mux.New(1, 8)
	rec := &recordingEntryExternalizable{}
	if err := mpx.RegisterChannel(1, &fakeReplica{id: 1}, rec); err != nil {
		t.Fatalf("RegisterChannel: %v", err)
	}

	s := newSession(-1, "peer", false, 1, 500*time.Millisecond, 4096, 65536, mpx, nil, testLogger())
	s.setCompressor(compressor)

	entry := []byte("a reasonably compressible entry payload, repeated, repeated, repeated")
	if ok := s.writeCompressedEntry(entry, 1); !ok {
		t.Fatal("writeCompressedEntry declined the entry")
	}

	// Move the staged bytes from outbound straight into inbound, as if they
	// had crossed the wire unchanged.
	if err := s.inbound.WriteRaw(s.outbound.Bytes()); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}

	if err := s.drainInboundFrames(); err != nil {
		t.Fatalf("drainInboundFrames: %v", err)
	}

	if len(rec.received) != 1 {
		t.Fatalf("received %d entries, want 1", len(rec.received))
	}
	if string(rec.received[0]) != string(entry) {
		t.Fatalf("received %q, want %q", rec.received[0], entry)
	}
}
