// Copyright (c) 2025 hzcluster. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package transport

import "errors"

// The transport's error taxonomy (spec.md §7). These are sentinel markers
// wrapped around the underlying cause with fmt.Errorf("...: %w", err);
// call sites branch on them with errors.Is/errors.As rather than on the
// wrapped syscall error.
var (
	// ErrTransientIO marks a peer-disappeared/reset/unreachable condition:
	// the session is closed and, if it is a client session, a reconnect is
	// scheduled.
	ErrTransientIO = errors.New("transport: transient I/O error")

	// ErrProtocol marks a framing-level violation (entry too large, bad
	// channel id, identifier collision). The session is closed; clients
	// reconnect, servers wait for a new accept.
	ErrProtocol = errors.New("transport: protocol error")

	// ErrIdentifierCollision is a specific ErrProtocol cause: the peer
	// announced the same identifier as this node.
	ErrIdentifierCollision = errors.New("transport: remote identifier collides with local identifier")

	// ErrIdentifierOutOfRange is a specific ErrProtocol cause: the peer
	// announced an identifier outside [1,127].
	ErrIdentifierOutOfRange = errors.New("transport: remote identifier out of range")

	// ErrFatal marks a condition that terminates the whole replicator
	// (closed selector observed outside shutdown).
	ErrFatal = errors.New("transport: fatal event loop error")

	// ErrClosed is returned by Replicator.Close on every call after the
	// first, and logged by Snapshot/ForceBootstrap when invoked post-Close.
	ErrClosed = errors.New("transport: replicator is closed")
)
