// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package runmgr is a distributed run manager in the spirit of PEST++'s
// YAMR: it dispatches model evaluations ("runs") to remote worker
// processes over a framed TCP protocol, tracks their completion in an
// append-only store, and mitigates stragglers by duplicate dispatch. See
// SPEC_FULL.md for the full specification this package implements.
package runmgr

import "github.com/npp2016/pestpp/internal/scheduler"

// Config collects every tunable named in SPEC_FULL.md §2.3.
type Config struct {
	// ListenAddr is the TCP address the manager listens on for worker
	// connections, e.g. ":4004".
	ListenAddr string

	// StorePath is the run store's backing file path.
	StorePath string

	// Backlog is the listener's accept backlog, passed to listen(2) via a
	// raw-syscall socket on Linux (see internal/eventloop's ListenTCP); on
	// other platforms it has no effect, since net.Listen never exposes the
	// backlog argument it passes to listen(2).
	Backlog int

	// UseEpoll serves worker connections through an epoll-driven accept
	// loop (internal/eventloop's EpollAcceptor) instead of the default
	// blocking Accept loop. Linux only; ignored elsewhere.
	UseEpoll bool

	// MaxNFailure is the global retry cap before a run is marked FAILED.
	MaxNFailure int

	// TickInterval is the scheduler cycle period (spec §4.5's "1-second
	// readiness cycle", configurable here rather than hardcoded).
	TickInterval string // parsed to time.Duration by New; string keeps flag wiring simple

	// MaxKillShutdownCycles bounds the shutdown REQ_KILL retry loop run()
	// performs once the waiting queue and all workers have drained
	// (resolves spec.md §9's second Open Question).
	MaxKillShutdownCycles int

	// Verbose enables conditional logging across every subsystem logger
	// (rmlog.Enable).
	Verbose bool

	Scheduler scheduler.Config
}

// DefaultConfig returns a Config with the scheduling defaults from
// scheduler.DefaultConfig plus sensible process-level defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:            ":4004",
		StorePath:             "runmgr.store",
		Backlog:               64,
		MaxNFailure:           3,
		TickInterval:          "1s",
		MaxKillShutdownCycles: 100,
		Scheduler:             scheduler.DefaultConfig(3),
	}
}
