// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

//go:build linux

package eventloop

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// EpollAcceptor is an alternative to Loop.Serve's blocking Accept loop: it
// waits on the listener's readiness via epoll before calling Accept,
// letting the caller bound how long it blocks per iteration (useful for a
// manager process that also needs to observe ctx cancellation promptly
// without relying on Accept unblocking on close). This gives
// golang.org/x/sys/unix a concrete, reachable home alongside the default
// channel-based Serve path (see DESIGN.md).
type EpollAcceptor struct {
	epfd     int
	listenFD int
	ln       *net.TCPListener
}

// NewEpollAcceptor wraps ln with an epoll instance watching its file
// descriptor for EPOLLIN (a pending connection).
func NewEpollAcceptor(ln *net.TCPListener) (*EpollAcceptor, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	rc, err := ln.SyscallConn()
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventloop: listener SyscallConn: %w", err)
	}
	var listenFD int
	var ctrlErr error
	err = rc.Control(func(fd uintptr) {
		listenFD = int(fd)
		ctrlErr = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, listenFD, &unix.EpollEvent{
			Events: unix.EPOLLIN,
			Fd:     int32(listenFD),
		})
	})
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	if ctrlErr != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventloop: epoll_ctl: %w", ctrlErr)
	}
	return &EpollAcceptor{epfd: epfd, listenFD: listenFD, ln: ln}, nil
}

// WaitAcceptable blocks up to timeoutMillis for the listener to become
// acceptable, returning false on timeout with no error so the caller can
// re-check a cancellation signal between polls. A negative timeout blocks
// indefinitely.
func (a *EpollAcceptor) WaitAcceptable(timeoutMillis int) (bool, error) {
	var events [1]unix.EpollEvent
	n, err := unix.EpollWait(a.epfd, events[:], timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, fmt.Errorf("eventloop: epoll_wait: %w", err)
	}
	return n > 0, nil
}

// Close releases the epoll file descriptor; it does not close the
// underlying listener.
func (a *EpollAcceptor) Close() error {
	return unix.Close(a.epfd)
}

// pollTimeoutMillis bounds how long ServeEpoll blocks in WaitAcceptable
// between ctx.Done checks.
const pollTimeoutMillis = 500

// ServeEpoll is ServeAuto's Linux accept path: it waits on ln's readiness
// through an EpollAcceptor instead of blocking directly in Accept, so a
// cancelled ctx is observed within pollTimeoutMillis even when no
// connection ever arrives. Run it in its own goroutine alongside Run, same
// as Serve.
func (l *Loop) ServeEpoll(ctx context.Context, ln *net.TCPListener) error {
	acceptor, err := NewEpollAcceptor(ln)
	if err != nil {
		return err
	}
	defer acceptor.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ready, err := acceptor.WaitAcceptable(pollTimeoutMillis)
		if err != nil {
			return fmt.Errorf("eventloop: epoll_wait: %w", err)
		}
		if !ready {
			continue
		}

		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("eventloop: accept: %w", err)
			}
		}
		select {
		case l.newConn <- conn:
		case <-ctx.Done():
			conn.Close()
			return nil
		}
	}
}
