// Copyright (c) 2025 hzcluster. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

//go:build linux

package transport

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Interest bits, modeled on java.nio.channels.SelectionKey: a key can wait
// on acceptability, connect-completion, readability and writability at
// once. ACCEPT/READ both ride on EPOLLIN; CONNECT/WRITE both ride on
// EPOLLOUT, matching how a connecting socket signals completion the same
// way a writable socket does.
const (
	OpAccept = 1 << iota
	OpConnect
	OpRead
	OpWrite
)

func epollEvents(interest int) uint32 {
	var ev uint32
	if interest&(OpAccept|OpRead) != 0 {
		ev |= unix.EPOLLIN
	}
	if interest&(OpConnect|OpWrite) != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// readyOps translates raw epoll event bits back into the interest bits that
// actually fired, given what the fd was registered for.
func readyOps(events uint32, registered int) int {
	var ready int
	if events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		if registered&OpAccept != 0 {
			ready |= OpAccept
		}
		if registered&OpRead != 0 {
			ready |= OpRead
		}
	}
	if events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		if registered&OpConnect != 0 {
			ready |= OpConnect
		}
		if registered&OpWrite != 0 {
			ready |= OpWrite
		}
	}
	return ready
}

// poller is a thin wrapper around a Linux epoll instance plus an eventfd
// used to wake epoll_wait from any goroutine: pending registrations, the
// write-interest mailbox, and Close all call wake().
type poller struct {
	epfd   int
	wakeFd int

	mu     sync.Mutex
	closed bool
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("transport: epoll_create1: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("transport: eventfd: %w", err)
	}
	p := &poller{epfd: epfd, wakeFd: wakeFd}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, ev); err != nil {
		unix.Close(epfd)
		unix.Close(wakeFd)
		return nil, fmt.Errorf("transport: epoll_ctl(wakeFd): %w", err)
	}
	return p, nil
}

// wake interrupts a blocked epoll_wait. Safe from any goroutine.
func (p *poller) wake() {
	var b [8]byte
	b[0] = 1
	unix.Write(p.wakeFd, b[:])
}

// drainWake consumes the eventfd counter so it doesn't immediately re-fire.
func (p *poller) drainWake() {
	var b [8]byte
	unix.Read(p.wakeFd, b[:])
}

func (p *poller) add(fd int, interest int) error {
	ev := &unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("transport: epoll_ctl(ADD, fd=%d): %w", fd, err)
	}
	return nil
}

func (p *poller) modify(fd int, interest int) error {
	ev := &unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return fmt.Errorf("transport: epoll_ctl(MOD, fd=%d): %w", fd, err)
	}
	return nil
}

func (p *poller) remove(fd int) {
	unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks for up to timeoutMs (-1 blocks indefinitely) and returns the
// ready events, reusing the caller-supplied scratch slice.
func (p *poller) wait(timeoutMs int, scratch []unix.EpollEvent) ([]unix.EpollEvent, error) {
	n, err := unix.EpollWait(p.epfd, scratch, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("transport: epoll_wait: %w", err)
	}
	return scratch[:n], nil
}

func (p *poller) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	unix.Close(p.wakeFd)
	return unix.Close(p.epfd)
}
