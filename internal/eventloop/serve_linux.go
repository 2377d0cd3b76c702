// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

//go:build linux

package eventloop

import (
	"context"
	"net"
)

// ServeAuto serves ln via the epoll-driven accept path (ServeEpoll) when
// useEpoll is set (Config.UseEpoll, cmd/runmgr's -epoll flag), falling back
// to the default blocking-Accept Serve otherwise.
func (l *Loop) ServeAuto(ctx context.Context, ln *net.TCPListener, useEpoll bool) error {
	if useEpoll {
		return l.ServeEpoll(ctx, ln)
	}
	return l.Serve(ctx, ln)
}
