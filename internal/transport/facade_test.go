// Copyright (c) 2025 hzcluster. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package transport

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hzcluster/hcreplica/internal/config"
	"github.com/hzcluster/hcreplica/internal/mux"
)

// memIterator is an in-memory ModificationIterator backing memReplica below.
type memIterator struct {
	mu      sync.Mutex
	entries [][]byte
}

func (it *memIterator) HasNext() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return len(it.entries) > 0
}

func (it *memIterator) NextEntry(cb mux.EntryCallback, channelID uint16) bool {
	it.mu.Lock()
	if len(it.entries) == 0 {
		it.mu.Unlock()
		return false
	}
	e := it.entries[0]
	it.entries = it.entries[1:]
	it.mu.Unlock()
	return cb(e, channelID)
}

func (it *memIterator) DirtyEntries(int64) {}

func (it *memIterator) push(e []byte) {
	it.mu.Lock()
	it.entries = append(it.entries, e)
	it.mu.Unlock()
}

// memReplica is a minimal mux.Replica: one cached memIterator per peer,
// standing in for a real hash-map storage engine in tests.
type memReplica struct {
	id byte

	mu    sync.Mutex
	iters map[byte]*memIterator
}

func newMemReplica(id byte) *memReplica {
	return &memReplica{id: id, iters: make(map[byte]*memIterator)}
}

func (r *memReplica) Identifier() byte { return r.id }

func (r *memReplica) AcquireModificationIterator(remoteID byte, _ mux.ModificationNotifier) mux.ModificationIterator {
	return r.iteratorFor(remoteID)
}

func (r *memReplica) LastModificationTime(byte) int64 { return 0 }
func (r *memReplica) Close() error                    { return nil }

func (r *memReplica) iteratorFor(remoteID byte) *memIterator {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.iters[remoteID]
	if !ok {
		it = &memIterator{}
		r.iters[remoteID] = it
	}
	return it
}

func (r *memReplica) enqueueFor(remoteID byte, entry []byte) {
	r.iteratorFor(remoteID).push(entry)
}

// recordingExternalizable serializes entries verbatim and records every
// entry it deserializes, so a test can assert on what arrived.
type recordingExternalizable struct {
	mu       sync.Mutex
	received [][]byte
}

func (e *recordingExternalizable) WriteExternalEntry(entry []byte, dst []byte) (int, error) {
	return copy(dst, entry), nil
}

func (e *recordingExternalizable) ReadExternalEntry(src []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.received = append(e.received, append([]byte(nil), src...))
	return nil
}

func (e *recordingExternalizable) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.received)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("allocating a free port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func baseTestConfig(localID byte) *config.Config {
	return &config.Config{
		LocalIdentifier:        localID,
		HeartBeatInterval:      50 * time.Millisecond,
		PacketSize:             4096,
		MaxEntrySize:           1024,
		ThrottleBucketInterval: 200 * time.Millisecond,
		MaxChannels:            8,
	}
}

// TestReplicatorLoopbackHandshakeAndEntryExchange exercises spec.md §8's
// first scenario end to end: a passive (server) and an active (client)
// Replicator handshake over real loopback TCP, and one entry queued on the
// client's side before Start arrives at the server's EntryExternalizable.
func TestReplicatorLoopbackHandshakeAndEntryExchange(t *testing.T) {
	port := freePort(t)

	serverMpx := mux.New(1, 8)
	clientMpx := mux.New(2, 8)

	clientReplica := newMemReplica(2)
	serverExt := &recordingExternalizable{}
	clientExt := &recordingExternalizable{}

	if err := serverMpx.RegisterChannel(1, newMemReplica(1), serverExt); err != nil {
		t.Fatalf("RegisterChannel (server): %v", err)
	}
	if err := clientMpx.RegisterChannel(1, clientReplica, clientExt); err != nil {
		t.Fatalf("RegisterChannel (client): %v", err)
	}

	// Queue one entry from client -> server before either side starts; the
	// iterator is keyed by peer identifier and is order-independent of Start.
	clientReplica.enqueueFor(1, []byte("hello-from-client"))

	serverCfg := baseTestConfig(1)
	serverCfg.ServerPort = port

	clientCfg := baseTestConfig(2)
	clientCfg.Endpoints = []config.Endpoint{{Host: "127.0.0.1", Port: port}}

	serverRepl, err := NewReplicator(serverCfg, serverMpx, testLogger())
	if err != nil {
		t.Fatalf("NewReplicator (server): %v", err)
	}
	clientRepl, err := NewReplicator(clientCfg, clientMpx, testLogger())
	if err != nil {
		t.Fatalf("NewReplicator (client): %v", err)
	}

	if err := serverRepl.Start(); err != nil {
		t.Fatalf("server Start: %v", err)
	}
	defer serverRepl.Close()

	if err := clientRepl.Start(); err != nil {
		t.Fatalf("client Start: %v", err)
	}
	defer clientRepl.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if serverExt.count() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := serverExt.count(); got != 1 {
		t.Fatalf("server received %d entries, want 1", got)
	}
	if string(serverExt.received[0]) != "hello-from-client" {
		t.Fatalf("server received %q, want %q", serverExt.received[0], "hello-from-client")
	}
}

// TestReplicatorCloseIsIdempotentAndUnblocksPromptly checks that Close can
// be called more than once, that every call after the first reports
// ErrClosed instead of re-running teardown, and that it returns well within
// the selector's own poll timeout rather than leaking the goroutine.
func TestReplicatorCloseIsIdempotentAndUnblocksPromptly(t *testing.T) {
	port := freePort(t)
	mpx := mux.New(1, 8)
	cfg := baseTestConfig(1)
	cfg.ServerPort = port

	repl, err := NewReplicator(cfg, mpx, testLogger())
	if err != nil {
		t.Fatalf("NewReplicator: %v", err)
	}
	if err := repl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	var firstErr, secondErr error
	go func() {
		firstErr = repl.Close()
		secondErr = repl.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not return within 3s")
	}

	if firstErr != nil {
		t.Fatalf("first Close returned %v, want nil", firstErr)
	}
	if !errors.Is(secondErr, ErrClosed) {
		t.Fatalf("second Close returned %v, want ErrClosed", secondErr)
	}

	if got := repl.Snapshot(); got != nil {
		t.Fatalf("Snapshot after Close = %v, want nil", got)
	}
	repl.ForceBootstrap() // must not panic after Close
}
