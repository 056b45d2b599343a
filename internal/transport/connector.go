// Copyright (c) 2025 hzcluster. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package transport

import (
	"fmt"
	"log/slog"
	"time"
)

// reconnectCap is the ceiling on the linear backoff multiplier of
// spec.md §4.3: connectLater() sleeps min(attempts,4)*100ms.
const reconnectCap = 4

const reconnectUnit = 100 * time.Millisecond

// Connector is a per-endpoint active client connector (C3). Each attempt
// opens a non-blocking socket on a short-lived helper goroutine and posts a
// pending registration for the event loop; it never touches selection
// state directly. Server (passive) connectors don't use this type — they
// register their listening fd once, directly, at Replicator.Start.
type Connector struct {
	host string
	port int

	attempts int

	onDial func(fd int, remote string, connector *Connector)

	pending *pendingQueue
	wake    func()
	logger  *slog.Logger

	closed bool
}

func newConnector(host string, port int, pending *pendingQueue, wake func(), logger *slog.Logger, onDial func(fd int, remote string, connector *Connector)) *Connector {
	return &Connector{
		host:    host,
		port:    port,
		pending: pending,
		wake:    wake,
		logger:  logger.With("endpoint", hostPort(host, port)),
		onDial:  onDial,
	}
}

func hostPort(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// Connect attempts an immediate connection on a helper goroutine.
func (c *Connector) Connect() {
	go c.dial()
}

// ConnectLater sleeps min(attempts,4)*100ms, linear and capped, then
// attempts a connection (spec.md §4.3).
func (c *Connector) ConnectLater() {
	n := c.attempts
	if n > reconnectCap {
		n = reconnectCap
	}
	delay := time.Duration(n) * reconnectUnit
	c.logger.Debug("scheduling reconnect", "delay", delay, "attempts", c.attempts)
	go func() {
		time.Sleep(delay)
		c.dial()
	}()
}

// OnHandshakeComplete resets the attempt counter, per spec.md §4.3
// ("attempts resets to 0 on a successful handshake").
func (c *Connector) OnHandshakeComplete() {
	c.attempts = 0
}

func (c *Connector) dial() {
	if c.closed {
		return
	}
	c.attempts++

	fd, inProgress, err := connectSocket(c.host, c.port)
	if err != nil {
		c.logger.Warn("connect failed", "error", err, "attempt", c.attempts)
		c.ConnectLater()
		return
	}

	remote := hostPort(c.host, c.port)
	c.pending.Post(func() {
		c.onDial(fd, remote, c)
	})
	c.wake()

	_ = inProgress // usually true; onDial registers OpConnect either way and handleConnectComplete covers both cases
}

// Close marks the connector as shutting down; in-flight dials still
// complete but no further ConnectLater is honored.
func (c *Connector) Close() {
	c.closed = true
}
