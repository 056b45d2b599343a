// Copyright (c) 2025 hzcluster. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package transport

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hzcluster/hcreplica/internal/config"
	"github.com/hzcluster/hcreplica/internal/mux"
	"github.com/hzcluster/hcreplica/internal/stats"
	"github.com/hzcluster/hcreplica/internal/throttle"
	"github.com/hzcluster/hcreplica/internal/wire"
)

// snapshotTimeout bounds how long Snapshot() waits for the selector
// goroutine to answer before giving up and returning nil, so a stats sample
// can never wedge on a stuck event loop.
const snapshotTimeout = 2 * time.Second

// selectorTimeoutFloor bounds how tight the event loop's poller.wait
// deadline may get once peer heartbeat intervals are folded in (spec.md §9
// Open Question: "how low can selectorTimeout go before it starts just
// spinning"). 50ms keeps a busy loop with many peers from burning a core.
const selectorTimeoutFloor = 50 * time.Millisecond

// Replicator is the facade of spec.md §4 (C8). It owns the selector
// goroutine, the poller, the write-interest mailbox, the pending
// registration queue, every active Connector and every live session, and
// exposes Start/Close/ForceBootstrap as the only operations a caller needs.
// All fields below listenFd are touched only from the selector goroutine;
// Start populates connectors before that goroutine is launched.
type Replicator struct {
	cfg        *config.Config
	mpx        *mux.Multiplexer
	throttler  *throttle.Throttler
	clock      Clock
	logger     *slog.Logger
	compressor *wire.Compressor // nil unless Config.Compression is set

	poll    *poller
	pending *pendingQueue
	mailbox *mailbox

	listenFd int // -1 when not accepting inbound connections

	sessions     map[int]*session
	sessionsByID map[byte]*session
	connectors   []*Connector

	closing bool // selector-goroutine-only; guards the pending-queue teardown closure
	closed  atomic.Bool // set when Close is first called; gates post-Close calls from any goroutine
	doneCh  chan struct{}
}

// NewReplicator builds a Replicator from a validated configuration and the
// channel multiplexer the storage engine has already populated via
// mux.Multiplexer.RegisterChannel.
func NewReplicator(cfg *config.Config, mpx *mux.Multiplexer, logger *slog.Logger) (*Replicator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	poll, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("transport: starting poller: %w", err)
	}

	var compressor *wire.Compressor
	if cfg.Compression {
		compressor, err = wire.NewCompressor()
		if err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
	}

	now := SystemClock.NowMs()
	return &Replicator{
		cfg:          cfg,
		mpx:          mpx,
		throttler:    throttle.New(cfg.Throttle, cfg.ThrottleBucketInterval, cfg.MaxEntrySize, now),
		clock:        SystemClock,
		logger:       logger,
		compressor:   compressor,
		poll:         poll,
		pending:      newPendingQueue(),
		mailbox:      newMailbox(),
		listenFd:     -1,
		sessions:     make(map[int]*session),
		sessionsByID: make(map[byte]*session),
		doneCh:       make(chan struct{}),
	}, nil
}

// Start opens the listening socket (if configured), dials every configured
// endpoint, and launches the selector goroutine. Start must be called at
// most once.
func (r *Replicator) Start() error {
	if r.cfg.ServerPort != 0 {
		fd, err := listenSocket(r.cfg.ServerPort)
		if err != nil {
			return fmt.Errorf("transport: starting listener: %w", err)
		}
		if err := r.poll.add(fd, OpAccept); err != nil {
			unix.Close(fd)
			return err
		}
		r.listenFd = fd
		r.logger.Info("listening", "port", r.cfg.ServerPort)
	}

	for _, ep := range r.cfg.Endpoints {
		c := newConnector(ep.Host, ep.Port, r.pending, r.poll.wake, r.logger, r.onDial)
		r.connectors = append(r.connectors, c)
		c.Connect()
	}

	go r.loop()
	return nil
}

// Snapshot implements stats.Source: it returns a point-in-time view of every
// handshake-complete peer's replication counters. Safe to call from any
// goroutine — the read itself runs on the selector goroutine, reached via
// the pending queue, so it never races with loop's map mutations. Returns
// nil once Close has completed rather than posting to a drained queue.
func (r *Replicator) Snapshot() []stats.PeerSnapshot {
	if r.closed.Load() {
		r.logger.Warn("snapshot requested", "error", ErrClosed)
		return nil
	}

	resultCh := make(chan []stats.PeerSnapshot, 1)
	r.pending.Post(func() {
		out := make([]stats.PeerSnapshot, 0, len(r.sessionsByID))
		for id, s := range r.sessionsByID {
			out = append(out, stats.PeerSnapshot{
				Identifier:   id,
				BytesWritten: s.bytesWritten,
				BytesRead:    s.bytesRead,
				Backlog:      s.outbound.Readable(),
				RTTMillis:    float64(s.lastReceived - s.lastSent),
			})
		}
		resultCh <- out
	})
	r.poll.wake()

	select {
	case out := <-resultCh:
		return out
	case <-time.After(snapshotTimeout):
		r.logger.Warn("snapshot timed out waiting for selector goroutine")
		return nil
	}
}

// ForceBootstrap requests that every peer's dirty-entry iterators be
// re-primed from their stored bootstrap timestamp (spec.md §4.7), typically
// wired to SIGHUP. A no-op once Close has completed.
func (r *Replicator) ForceBootstrap() {
	if r.closed.Load() {
		r.logger.Warn("force bootstrap requested", "error", ErrClosed)
		return
	}
	r.mpx.ForceBootstrap()
}

// Close shuts the replicator down: every connector stops retrying, every
// live session and the listener are closed, the selector goroutine exits,
// and Close blocks until it has. Safe to call from any goroutine, including
// concurrently with itself; every call after the first returns ErrClosed
// immediately rather than re-running teardown.
func (r *Replicator) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	r.pending.Post(func() {
		if r.closing {
			return
		}
		r.closing = true
		for _, c := range r.connectors {
			c.Close()
		}
	})
	r.poll.wake()
	<-r.doneCh
	if r.compressor != nil {
		r.compressor.Close()
	}
	return nil
}

// onDial is posted to the pending queue by a Connector's helper goroutine
// once a non-blocking connect has been issued; it always runs on the
// selector goroutine.
func (r *Replicator) onDial(fd int, remote string, connector *Connector) {
	if r.closing {
		unix.Close(fd)
		return
	}
	s := newSession(fd, remote, false, r.cfg.LocalIdentifier, r.cfg.HeartBeatInterval, r.cfg.MaxEntrySize, r.cfg.PacketSize, r.mpx, connector, r.logger)
	s.setCompressor(r.compressor)
	s.connectPending = true
	s.interest = OpConnect
	if err := s.queueLocalPreamble(); err != nil {
		r.logger.Error("queueing local preamble", "remote", remote, "error", err)
		unix.Close(fd)
		connector.ConnectLater()
		return
	}
	if err := r.poll.add(fd, s.interest); err != nil {
		r.logger.Error("registering connect interest", "remote", remote, "error", err)
		unix.Close(fd)
		connector.ConnectLater()
		return
	}
	r.sessions[fd] = s
}
