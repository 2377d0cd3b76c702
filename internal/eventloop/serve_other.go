// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

//go:build !linux

package eventloop

import (
	"context"
	"net"
)

// ServeAuto ignores useEpoll outside Linux, since EpollAcceptor only builds
// there, and always serves via the blocking-Accept Serve path.
func (l *Loop) ServeAuto(ctx context.Context, ln *net.TCPListener, useEpoll bool) error {
	return l.Serve(ctx, ln)
}
