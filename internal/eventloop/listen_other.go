// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

//go:build !linux

package eventloop

import (
	"fmt"
	"net"
)

// ListenTCP falls back to net.Listen on non-Linux platforms: backlog is
// accepted for API parity with listen_linux.go's Config.Backlog wiring but
// has no effect here, since customizing the listen(2) backlog requires the
// raw-syscall socket path that file builds only on Linux.
func ListenTCP(address string, backlog int) (*net.TCPListener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("eventloop: listen %s: %w", address, err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("eventloop: unexpected listener type %T", ln)
	}
	return tcpLn, nil
}
