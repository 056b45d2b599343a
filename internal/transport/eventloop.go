// Copyright (c) 2025 hzcluster. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package transport

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// loop is the selector goroutine of spec.md §4.5. Every field it touches is
// exclusively owned by this goroutine; cross-goroutine input arrives only
// through pendingQueue closures and mailbox bits, both drained here once per
// iteration.
func (r *Replicator) loop() {
	defer close(r.doneCh)
	defer r.cleanupAll()

	events := make([]unix.EpollEvent, 64)
	for {
		r.pending.Drain()
		if r.closing {
			return
		}

		timeout := r.computeTimeout()
		ready, err := r.poll.wait(int(timeout.Milliseconds()), events)
		if err != nil {
			r.logger.Error("event loop stopping", "error", fmt.Errorf("%w: %w", ErrFatal, err))
			return
		}

		now := r.clock.NowMs()
		if r.throttler.Tick(now) {
			r.rearmTrackedChannels()
		}
		r.heartbeatSweep(now)
		if r.mpx.ShouldForceBootstrap() {
			r.runForceBootstrap()
		}
		r.mailbox.Drain(func(s *session) { r.armWrite(s) })

		for _, ev := range ready {
			fd := int(ev.Fd)
			switch {
			case fd == r.poll.wakeFd:
				r.poll.drainWake()
			case fd == r.listenFd:
				if readyOps(ev.Events, OpAccept)&OpAccept != 0 {
					r.handleAccept()
				}
			default:
				r.dispatch(fd, ev.Events)
			}
		}
	}
}

// dispatch handles one ready session fd, in ACCEPT(n/a here) > CONNECT >
// READ > WRITE priority order, stopping as soon as the session is closed.
func (r *Replicator) dispatch(fd int, events uint32) {
	s, ok := r.sessions[fd]
	if !ok {
		return
	}
	ready := readyOps(events, s.interest)

	if ready&OpConnect != 0 {
		if r.handleConnectComplete(s) {
			return
		}
	}
	if ready&OpRead != 0 {
		if r.handleReadable(s) {
			return
		}
	}
	if ready&OpWrite != 0 {
		r.handleWritable(s)
	}
}

// handleAccept drains every pending connection on the listening socket,
// since edge-triggered-like accept bursts can otherwise starve a single
// epoll_wait round (spec.md §4.5 step 8).
func (r *Replicator) handleAccept() {
	for {
		fd, remote, err := acceptSocket(r.listenFd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			r.logger.Warn("accept failed", "error", err)
			return
		}

		s := newSession(fd, remote, true, r.cfg.LocalIdentifier, r.cfg.HeartBeatInterval, r.cfg.MaxEntrySize, r.cfg.PacketSize, r.mpx, nil, r.logger)
		s.setCompressor(r.compressor)
		s.interest = OpRead | OpWrite
		if err := s.queueLocalPreamble(); err != nil {
			r.logger.Error("queueing local preamble", "remote", remote, "error", err)
			unix.Close(fd)
			continue
		}
		if err := r.poll.add(fd, s.interest); err != nil {
			r.logger.Error("registering accepted session", "remote", remote, "error", err)
			unix.Close(fd)
			continue
		}
		r.sessions[fd] = s
		r.logger.Info("accepted connection", "remote", remote)
	}
}

// handleConnectComplete finishes an active connector's non-blocking
// connect(): SO_ERROR distinguishes a refused/unreachable peer from success,
// since writability alone does not. Returns true if the session was closed.
func (r *Replicator) handleConnectComplete(s *session) bool {
	if err := connectError(s.fd); err != nil {
		r.closeSession(s, fmt.Errorf("%w: connect %s: %w", ErrTransientIO, s.remote, err))
		return true
	}
	s.connectPending = false
	s.interest = OpRead | OpWrite
	if err := r.poll.modify(s.fd, s.interest); err != nil {
		r.closeSession(s, fmt.Errorf("%w: %w", ErrTransientIO, err))
		return true
	}
	return false
}

// handleReadable reads once from s.fd, advances the handshake if still in
// progress, then hands complete frames to the multiplexer. Returns true if
// the session was closed.
func (r *Replicator) handleReadable(s *session) bool {
	s.inbound.CompactIfNeeded(s.maxEntrySize)
	n, err := unix.Read(s.fd, s.inbound.WriteSlice())
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return false
		}
		r.closeSession(s, fmt.Errorf("%w: read %s: %w", ErrTransientIO, s.remote, err))
		return true
	}
	if n == 0 {
		r.closeSession(s, fmt.Errorf("%w: %s closed the connection", ErrTransientIO, s.remote))
		return true
	}
	s.inbound.Produced(n)
	s.lastReceived = r.clock.NowMs()
	s.bytesRead += int64(n)

	if !s.handshakeComplete {
		hadIdentifier := s.remoteIdentifier != 0
		if err := s.advanceHandshake(r.mpx.OverallLastModificationTime); err != nil {
			r.closeSession(s, err)
			return true
		}
		if !hadIdentifier && s.remoteIdentifier != 0 {
			r.bindPeer(s)
		}
		if s.handshakeComplete {
			if s.connector != nil {
				s.connector.OnHandshakeComplete()
			}
			r.sessionsByID[s.remoteIdentifier] = s
			r.throttler.TrackChannel(s.remoteIdentifier)
		}
		r.armWrite(s) // flush whatever the handshake step above just queued
	}

	if s.handshakeComplete {
		if err := s.drainInboundFrames(); err != nil {
			r.closeSession(s, fmt.Errorf("%w: %w", ErrProtocol, err))
			return true
		}
	}
	return false
}

// handleWritable pumps fresh entries onto the outbound buffer, flushes as
// much as the kernel will take, and applies the throttle gate. Returns true
// if the session was closed.
func (r *Replicator) handleWritable(s *session) bool {
	s.pumpOutbound()

	if s.outbound.Readable() == 0 {
		if s.handshakeComplete {
			r.disarmWrite(s)
		}
		return false
	}

	n, err := unix.Write(s.fd, s.outbound.Bytes())
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return false
		}
		r.closeSession(s, fmt.Errorf("%w: write %s: %w", ErrTransientIO, s.remote, err))
		return true
	}
	s.outbound.Advance(n)
	s.outbound.Compact()
	s.bytesWritten += int64(n)

	if s.handshakeComplete && r.throttler.OnWrote(n) {
		r.clearWriteForTrackedChannels()
		return false
	}
	if s.outbound.Readable() == 0 && s.handshakeComplete {
		r.disarmWrite(s)
	}
	return false
}

// bindPeer wires a session's OnChange notifications into the write-interest
// mailbox as soon as its remote identifier (and therefore its
// ModificationIterator) is known, ahead of full handshake completion.
func (r *Replicator) bindPeer(s *session) {
	s.setOnChange(func(identifier byte) {
		r.mailbox.Signal(identifier)
		if !r.closed.Load() {
			r.poll.wake()
		}
	})
	r.mailbox.Bind(s.remoteIdentifier, s)
}

// heartbeatSweep implements spec.md §4.5.1 for every live session: send a
// heartbeat if the local interval has elapsed, and, for client sessions
// only, declare the peer lost if none has arrived within its advertised
// (and latency-padded) interval.
func (r *Replicator) heartbeatSweep(now int64) {
	for _, s := range r.sessions {
		sent, err := s.sendHeartbeatIfDue(now)
		if err != nil {
			r.closeSession(s, fmt.Errorf("%w: %w", ErrTransientIO, err))
			continue
		}
		if sent {
			r.armWrite(s)
		}
		if s.heartbeatExpired(now) {
			r.closeSession(s, fmt.Errorf("%w: no heartbeat from %s within %s", ErrTransientIO, s.remote, s.remoteHeartbeatInterval))
		}
	}
}

// runForceBootstrap re-primes every handshake-complete peer's iterator from
// its originally negotiated bootstrap timestamp (spec.md §4.7), typically
// triggered by SIGHUP.
func (r *Replicator) runForceBootstrap() {
	for _, s := range r.sessions {
		if s.handshakeComplete {
			s.remoteIterator.DirtyEntries(s.remoteBootstrapTimestamp)
			r.armWrite(s)
		}
	}
	r.mpx.ClearForceBootstrap()
}

// closeSession unregisters and closes one session's fd, unwinds its
// throttle/mailbox bookkeeping, and — for an active client session not
// currently shutting down — schedules a reconnect.
func (r *Replicator) closeSession(s *session, cause error) {
	r.poll.remove(s.fd)
	unix.Close(s.fd)
	delete(r.sessions, s.fd)
	if s.remoteIdentifier != 0 {
		delete(r.sessionsByID, s.remoteIdentifier)
		r.mailbox.Unbind(s.remoteIdentifier)
		r.throttler.UntrackChannel(s.remoteIdentifier)
	}
	r.logger.Warn("session closed", "remote", s.remote, "cause", cause)
	if s.connector != nil && !r.closing {
		s.connector.ConnectLater()
	}
}

// armWrite / disarmWrite toggle WRITE interest on a session's selection key,
// skipping the epoll_ctl syscall when the bit is already in the desired
// state.
func (r *Replicator) armWrite(s *session) {
	if s.interest&OpWrite != 0 {
		return
	}
	s.interest |= OpWrite
	if err := r.poll.modify(s.fd, s.interest); err != nil {
		r.logger.Warn("re-arming write interest", "remote", s.remote, "error", err)
	}
}

func (r *Replicator) disarmWrite(s *session) {
	if s.interest&OpWrite == 0 {
		return
	}
	s.interest &^= OpWrite
	if err := r.poll.modify(s.fd, s.interest); err != nil {
		r.logger.Warn("clearing write interest", "remote", s.remote, "error", err)
	}
}

// clearWriteForTrackedChannels and rearmTrackedChannels implement the
// throttle gate of spec.md §4.2: once the interval budget is exceeded, WRITE
// interest is cleared on every throttled peer; Throttler.Tick re-arms it at
// the next interval boundary.
func (r *Replicator) clearWriteForTrackedChannels() {
	for _, id := range r.throttler.Channels() {
		if s, ok := r.sessionsByID[id]; ok {
			r.disarmWrite(s)
		}
	}
}

func (r *Replicator) rearmTrackedChannels() {
	for _, id := range r.throttler.Channels() {
		if s, ok := r.sessionsByID[id]; ok {
			r.armWrite(s)
		}
	}
}

// computeTimeout picks the poller's next deadline: the tighter of the
// locally configured heartbeat and throttle intervals, tightened further to
// the smallest interval any connected peer has actually advertised, and
// floored so a fleet of fast-heartbeating peers can't spin the loop
// (spec.md §9 Open Question).
func (r *Replicator) computeTimeout() time.Duration {
	t := r.cfg.HeartBeatInterval
	if r.cfg.ThrottleBucketInterval < t {
		t = r.cfg.ThrottleBucketInterval
	}
	for _, s := range r.sessions {
		if s.handshakeComplete && s.remoteHeartbeatInterval > 0 && s.remoteHeartbeatInterval < t {
			t = s.remoteHeartbeatInterval
		}
	}
	if t < selectorTimeoutFloor {
		t = selectorTimeoutFloor
	}
	return t
}

// cleanupAll runs once, after loop returns for any reason: every tracked fd
// is removed from the poller and closed, and the poller itself is closed.
func (r *Replicator) cleanupAll() {
	for fd := range r.sessions {
		r.poll.remove(fd)
		unix.Close(fd)
	}
	r.sessions = make(map[int]*session)
	r.sessionsByID = make(map[byte]*session)

	if r.listenFd >= 0 {
		r.poll.remove(r.listenFd)
		unix.Close(r.listenFd)
		r.listenFd = -1
	}
	r.poll.close()
}
