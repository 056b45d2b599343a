// Copyright (c) 2025 hzcluster. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package transport

import (
	"testing"
	"time"
)

func TestConnectorConnectLaterBackoffIsLinearAndCapped(t *testing.T) {
	pending := newPendingQueue()
	c := newConnector("127.0.0.1", 1, pending, func() {}, testLogger(), func(int, string, *Connector) {})

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 400 * time.Millisecond},
		{9, 400 * time.Millisecond}, // capped at reconnectCap
	}
	for _, tc := range cases {
		c.attempts = tc.attempts
		n := c.attempts
		if n > reconnectCap {
			n = reconnectCap
		}
		got := time.Duration(n) * reconnectUnit
		if got != tc.want {
			t.Errorf("attempts=%d: backoff = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestConnectorOnHandshakeCompleteResetsAttempts(t *testing.T) {
	pending := newPendingQueue()
	c := newConnector("127.0.0.1", 1, pending, func() {}, testLogger(), func(int, string, *Connector) {})
	c.attempts = 3
	c.OnHandshakeComplete()
	if c.attempts != 0 {
		t.Fatalf("attempts = %d, want 0", c.attempts)
	}
}

func TestConnectorDialFailureUnreachableHostSchedulesRetry(t *testing.T) {
	pending := newPendingQueue()
	c := newConnector("256.256.256.256", 1, pending, func() {}, testLogger(), func(int, string, *Connector) {
		t.Fatal("onDial should not run for an address that fails to resolve")
	})

	c.dial() // resolveIPv4 fails synchronously; dial should self-schedule ConnectLater

	if c.attempts != 1 {
		t.Fatalf("attempts = %d, want 1", c.attempts)
	}
}

func TestHostPortFormatting(t *testing.T) {
	if got := hostPort("example.test", 4242); got != "example.test:4242" {
		t.Fatalf("hostPort = %q", got)
	}
}
