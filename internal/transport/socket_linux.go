// Copyright (c) 2025 hzcluster. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

//go:build linux

package transport

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenSocket opens a non-blocking, SO_REUSEADDR listening socket on port,
// per the passive-connector rules of spec.md §4.3.
func listenSocket(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("transport: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("transport: SO_REUSEADDR: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("transport: set nonblocking: %w", err)
	}
	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("transport: bind :%d: %w", port, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("transport: listen :%d: %w", port, err)
	}
	return fd, nil
}

// acceptSocket accepts one pending connection from listenFd, returning a
// non-blocking client fd with the active-connector socket options applied
// (spec.md §4.3: SO_REUSEADDR is a listener-only option; TCP_NODELAY and
// SO_LINGER=0 apply to both sides of every session).
func acceptSocket(listenFd int) (fd int, remote string, err error) {
	nfd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, "", err
	}
	if err := applyConnOpts(nfd); err != nil {
		unix.Close(nfd)
		return -1, "", err
	}
	return nfd, sockaddrString(sa), nil
}

// connectSocket opens a non-blocking socket and starts an asynchronous
// connect to host:port. inProgress is true when the connect has not yet
// completed (the common case for a non-blocking socket) and the caller
// should register OpConnect and wait for writability.
func connectSocket(host string, port int) (fd int, inProgress bool, err error) {
	ip, err := resolveIPv4(host)
	if err != nil {
		return -1, false, err
	}

	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, false, fmt.Errorf("transport: socket: %w", err)
	}
	if err := applyConnOpts(fd); err != nil {
		unix.Close(fd)
		return -1, false, err
	}

	err = unix.Connect(fd, &unix.SockaddrInet4{Port: port, Addr: ip})
	switch err {
	case nil:
		return fd, false, nil
	case unix.EINPROGRESS:
		return fd, true, nil
	default:
		unix.Close(fd)
		return -1, false, fmt.Errorf("transport: connect %s:%d: %w", host, port, err)
	}
}

// applyConnOpts sets the per-connection socket options of spec.md §4.3:
// non-blocking, TCP_NODELAY, SO_LINGER=0 (discard unsent bytes and RST
// rather than linger on close, so a killed peer is noticed promptly).
func applyConnOpts(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("transport: set nonblocking: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return fmt.Errorf("transport: TCP_NODELAY: %w", err)
	}
	linger := &unix.Linger{Onoff: 1, Linger: 0}
	if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, linger); err != nil {
		return fmt.Errorf("transport: SO_LINGER: %w", err)
	}
	return nil
}

// connectError reports the pending error on a socket whose non-blocking
// connect() has just completed (readiness alone does not distinguish
// success from a refused/unreachable connect).
func connectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("transport: SO_ERROR: %w", err)
	}
	if errno != 0 {
		return syscall.Errno(errno)
	}
	return nil
}

func resolveIPv4(host string) ([4]byte, error) {
	var zero [4]byte
	ips, err := net.LookupIP(host)
	if err != nil {
		return zero, fmt.Errorf("transport: resolving %q: %w", host, err)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			var out [4]byte
			copy(out[:], v4)
			return out, nil
		}
	}
	return zero, fmt.Errorf("transport: no IPv4 address for %q", host)
}

func sockaddrString(sa unix.Sockaddr) string {
	if v4, ok := sa.(*unix.SockaddrInet4); ok {
		return fmt.Sprintf("%d.%d.%d.%d:%d", v4.Addr[0], v4.Addr[1], v4.Addr[2], v4.Addr[3], v4.Port)
	}
	return ""
}
