// Copyright (c) 2025 hzcluster. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

// Package stats implements the periodic metrics snapshot (SPEC_FULL.md §5):
// a cron-scheduled sample of per-peer replication counters alongside host
// resource usage, logged structurally and optionally appended to a CSV
// file, modeled on the teacher's internal/agent/stats_reporter.go.
package stats

// PeerSnapshot is one connected peer's replication counters at sample time.
type PeerSnapshot struct {
	Identifier   byte
	BytesWritten int64
	BytesRead    int64
	Backlog      int
	RTTMillis    float64
}

// Source is implemented by the replicator facade. Reporter depends only on
// this narrow view so that internal/stats never imports internal/transport.
type Source interface {
	Snapshot() []PeerSnapshot
}
