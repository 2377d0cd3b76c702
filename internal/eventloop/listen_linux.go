// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

//go:build linux

package eventloop

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// ListenTCP opens a TCP listener the way net.Listen does, except it calls
// listen(2) with the caller's backlog instead of the kernel-default value
// net.Listen always uses internally (Config.Backlog). net.ListenConfig.Control
// runs after bind(2) but before listen(2), and cannot influence the backlog
// argument the runtime passes to it, so giving Backlog real effect means
// building the socket with raw syscalls instead.
func ListenTCP(address string, backlog int) (*net.TCPListener, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("eventloop: resolve %s: %w", address, err)
	}

	// A nil or unspecified IP (e.g. the wildcard address in ":4004") binds
	// IPv4-only here, unlike net.Listen's dual-stack probing, since picking
	// AF_INET6 for it would fail outright on IPv6-disabled hosts.
	domain := unix.AF_INET
	if addr.IP != nil && !addr.IP.IsUnspecified() && addr.IP.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("eventloop: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("eventloop: setsockopt SO_REUSEADDR: %w", err)
	}

	var sockaddr unix.Sockaddr
	if domain == unix.AF_INET6 {
		sa6 := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa6.Addr[:], addr.IP.To16())
		sockaddr = sa6
	} else {
		sa4 := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa4.Addr[:], addr.IP.To4())
		sockaddr = sa4
	}
	if err := unix.Bind(fd, sockaddr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("eventloop: bind %s: %w", address, err)
	}

	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("eventloop: listen backlog=%d: %w", backlog, err)
	}

	f := os.NewFile(uintptr(fd), "runmgr-listener")
	ln, err := net.FileListener(f)
	f.Close() // FileListener dups the fd; the original is no longer needed
	if err != nil {
		return nil, fmt.Errorf("eventloop: FileListener: %w", err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("eventloop: unexpected listener type %T", ln)
	}
	return tcpLn, nil
}
