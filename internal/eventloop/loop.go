// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package eventloop drives the manager-side half of the wire protocol: it
// accepts worker connections, carries each through its handshake, and
// applies the scheduler's three passes on a fixed tick, exactly as spec §4.5
// describes. Concurrency is not literal select(2)/epoll emulation: one
// reader goroutine per connection decodes frames and hands them to a single
// channel, which only the loop goroutine drains, preserving the
// single-threaded-owns-all-mutable-state contract (spec §5, §9 Design
// Notes) without hand-rolled readiness polling.
package eventloop

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/npp2016/pestpp/internal/registry"
	"github.com/npp2016/pestpp/internal/rmlog"
	"github.com/npp2016/pestpp/internal/scheduler"
	"github.com/npp2016/pestpp/internal/store"
	"github.com/npp2016/pestpp/internal/wire"
)

// workerEvent is one decoded frame (or connection failure) tagged with the
// worker id it came from; the sole payload crossing from reader goroutines
// into the loop goroutine.
type workerEvent struct {
	workerID int
	frame    wire.Frame
	err      error
}

// Loop owns the registry, store, and scheduler for the lifetime of one
// run-manager session and is the only goroutine that mutates them.
type Loop struct {
	reg   *registry.Registry
	store *store.Store
	sched *scheduler.Scheduler
	log   *rmlog.Logger

	cmd CommandProvider

	events  chan workerEvent
	newConn chan net.Conn
	ops     chan func()
	tick    time.Duration
}

// CommandProvider supplies the CMD payload sent to each worker once its
// working directory handshake completes (spec §4.1's CMD message); the
// facade implements it from the caller-supplied model-run configuration.
type CommandProvider interface {
	Command() wire.CmdPayload
}

// New returns a Loop ready to accept connections via Serve (or ServeAuto)
// and run ticks via Run.
func New(reg *registry.Registry, st *store.Store, sched *scheduler.Scheduler, cmd CommandProvider, tick time.Duration) *Loop {
	return &Loop{
		reg:     reg,
		store:   st,
		sched:   sched,
		log:     rmlog.New("eventloop "),
		cmd:     cmd,
		events:  make(chan workerEvent, 256),
		newConn: make(chan net.Conn, 16),
		ops:     make(chan func(), 64),
		tick:    tick,
	}
}

// SetStore retargets the loop at a freshly opened store; callers must use
// Loop.SubmitSync so the swap happens on the loop goroutine, never
// concurrently with a handler that is mid-read of the old store.
func (l *Loop) SetStore(st *store.Store) {
	l.store = st
}

// Submit queues fn to run on the loop goroutine, the only goroutine
// permitted to touch the registry, store-mutating scheduler calls, or
// dispatch state directly (spec §5). It does not wait for fn to run; use
// SubmitSync when the caller needs fn's effects to be visible before it
// returns (e.g. reading a result fn computed).
func (l *Loop) Submit(fn func()) {
	l.ops <- fn
}

// SubmitSync runs fn on the loop goroutine and blocks until it has
// completed, letting facade methods safely read or write scheduler state
// from the calling (non-loop) goroutine without racing the loop.
func (l *Loop) SubmitSync(fn func()) {
	done := make(chan struct{})
	l.ops <- func() {
		fn()
		close(done)
	}
	<-done
}

// Serve accepts connections from ln until ctx is cancelled or Accept fails,
// handing each one off to the loop for registration. Run it in its own
// goroutine alongside Run.
func (l *Loop) Serve(ctx context.Context, ln net.Listener) error {
	for {
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

// Run is the single cooperative loop: it drains newly accepted connections,
// worker events, and scheduler ticks, never touching registry/store/
// scheduler state from any other goroutine. It returns when ctx is
// cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case conn := <-l.newConn:
			l.onAccept(conn)
		case ev := <-l.events:
			l.onEvent(ev)
		case fn := <-l.ops:
			fn()
		case now := <-ticker.C:
			l.sched.Pings(now)
			l.sched.Dispatch(now)
			l.sched.Stragglers(now)
		}
	}
}

// onAccept registers a new connection and starts its handshake by sending
// REQ_RUNDIR (spec §4.3's NEW -> CWD_REQ transition), then spawns its
// reader goroutine.
func (l *Loop) onAccept(conn net.Conn) {
	w := l.reg.Accept(conn)
	f := wire.NewFrame(wire.PacketReqRunDir, 0, 0, "", nil)
	if err := wire.WriteFrame(conn, f); err != nil {
		l.log.Errorf("worker %d: failed to send REQ_RUNDIR: %v", w.ID, err)
		l.sched.CloseWorker(w, "handshake send failed")
		return
	}
	w.State = registry.StateCwdReq
	l.log.Printf("worker %d (%s) connected", w.ID, w.ConnID)
	go l.readLoop(w.ID, conn)
}

// readLoop decodes frames off conn until it errors, forwarding each to the
// shared events channel; it never touches registry/scheduler state itself.
func (l *Loop) readLoop(workerID int, conn net.Conn) {
	for {
		f, err := wire.ReadFrame(conn)
		if err != nil {
			l.events <- workerEvent{workerID: workerID, err: err}
			return
		}
		l.events <- workerEvent{workerID: workerID, frame: f}
	}
}

// onEvent applies one decoded frame or connection failure. Stale events
// from a worker that has already been removed from the registry (e.g. its
// reader goroutine raced a scheduler-initiated close) are silently dropped.
func (l *Loop) onEvent(ev workerEvent) {
	w, ok := l.reg.Get(ev.workerID)
	if !ok {
		return
	}
	if ev.err != nil {
		l.sched.CloseWorker(w, fmt.Sprintf("read error: %v", ev.err))
		return
	}

	// Any frame from a worker proves it is still alive, regardless of type
	// (spec §4.5): clear its ping bookkeeping before dispatching on type.
	w.PingOutstanding = false
	w.FailedPings = 0

	switch ev.frame.Type {
	case wire.PacketRunDir:
		l.handleRunDir(w, ev.frame)
	case wire.PacketReady:
		l.handleReady(w)
	case wire.PacketLinpack:
		l.handleLinpack(w)
	case wire.PacketRunFinished:
		l.handleRunFinished(w, ev.frame)
	case wire.PacketRunFailed:
		l.handleRunFailed(w, ev.frame)
	case wire.PacketRunKilled:
		l.handleRunKilled(w, ev.frame)
	case wire.PacketPing:
		l.handlePing(w)
	case wire.PacketIOError:
		l.log.Printf("worker %d reported IO_ERROR: %s", w.ID, ev.frame.Info)
		l.sched.CloseWorker(w, "worker reported IO_ERROR")
	default:
		l.log.Printf("worker %d: unexpected packet %s in state %s", w.ID, ev.frame.Type, w.State)
	}
}

// handleRunDir carries CWD_REQ -> CWD_RCV -> CMD_SENT (spec §4.3): record
// the working directory, then immediately send the command payload.
func (l *Loop) handleRunDir(w *registry.Worker, f wire.Frame) {
	if w.State != registry.StateCwdReq {
		return
	}
	w.WorkDir = f.Info
	w.State = registry.StateCwdRcv

	payload := l.cmd.Command().Encode()
	out := wire.NewFrame(wire.PacketCmd, 0, 0, "", payload)
	if err := wire.WriteFrame(w.Conn, out); err != nil {
		l.log.Errorf("worker %d: failed to send CMD: %v", w.ID, err)
		l.sched.CloseWorker(w, "handshake send failed")
		return
	}
	w.State = registry.StateCmdSent
}

// handleReady carries CMD_SENT -> LINPACK_REQ: the worker has unpacked its
// run command and is ready to be benchmarked.
func (l *Loop) handleReady(w *registry.Worker) {
	if w.State != registry.StateCmdSent {
		return
	}
	now := time.Now()
	f := wire.NewFrame(wire.PacketReqLinpack, 0, 0, "", nil)
	if err := wire.WriteFrame(w.Conn, f); err != nil {
		l.log.Errorf("worker %d: failed to send REQ_LINPACK: %v", w.ID, err)
		l.sched.CloseWorker(w, "handshake send failed")
		return
	}
	w.SendLinpackRequest(now)
	w.State = registry.StateLinpackReq
}

// handleLinpack carries LINPACK_REQ -> LINPACK_RCV -> WAITING: the worker
// is now eligible for dispatch (spec §4.3).
func (l *Loop) handleLinpack(w *registry.Worker) {
	if w.State != registry.StateLinpackReq {
		return
	}
	now := time.Now()
	w.RecordLinpack(now)
	w.State = registry.StateLinpackRcv
	w.LastPingTime = now
	w.State = registry.StateWaiting
}

// handleRunFinished implements spec §4.4's result-fencing rule: a result
// whose group id does not match the scheduler's current group is from a
// superseded batch (run() or reinitialize allocated a new group id) and is
// discarded without
// touching the store.
func (l *Loop) handleRunFinished(w *registry.Worker, f wire.Frame) {
	runID := f.RunID
	groupID := f.GroupID
	hadDispatch := l.sched.RemoveDispatch(runID, w.ID)

	w.RecordRunDuration(w.ElapsedSinceStart(time.Now()))
	w.ClearAssignment()
	w.State = registry.StateWaiting
	w.LastPingTime = time.Now()

	if groupID != l.sched.GroupID() {
		l.log.Printf("run %d: discarding RUN_FINISHED from stale group %d (current %d)", runID, groupID, l.sched.GroupID())
		return
	}
	if !hadDispatch {
		return
	}

	result, err := wire.DecodeRunResultPayload(f.Payload)
	if err != nil {
		l.log.Errorf("run %d: failed to decode RUN_FINISHED payload: %v", runID, err)
		return
	}
	if err := l.store.UpdateRun(runID, result.Parameters, result.Observations); err != nil {
		l.log.Errorf("run %d: UpdateRun failed: %v", runID, err)
		return
	}
	l.sched.IncrementRunsDone()

	// A completed run may have sibling duplicate dispatches still in
	// flight (spec §4.4 Pass 2 straggler mitigation); kill them now that
	// the result has won, matching the teacher lineage's behavior of
	// cancelling the losers of a duplicate-dispatch race.
	l.sched.KillRuns(runID)
}

// handleRunFailed records a failure against the worker that reported it and
// frees the worker for redispatch (spec §4.4's failure ledger).
func (l *Loop) handleRunFailed(w *registry.Worker, f wire.Frame) {
	runID := f.RunID
	l.sched.RemoveDispatch(runID, w.ID)
	w.ClearAssignment()
	w.State = registry.StateWaiting
	w.LastPingTime = time.Now()

	if l.store.IsCompleted(runID) {
		return
	}
	if _, err := l.sched.RecordFailure(runID, w.ID); err != nil {
		l.log.Errorf("run %d: RecordFailure failed: %v", runID, err)
		return
	}
	if l.sched.ConcurrentDispatches(runID) == 0 {
		l.sched.Requeue(runID)
	}
}

// handleRunKilled is the single place a killed dispatch's failure is
// recorded (see DESIGN.md's resolution of the overdue-kill-accounting open
// question): it mirrors RUN_FAILED's bookkeeping, guarded on the dispatch
// entry still having been present (a worker can report RUN_KILLED for a
// dispatch the loop already cleaned up, e.g. when the worker's own
// RUN_FINISHED crossed the REQ_KILL in flight).
func (l *Loop) handleRunKilled(w *registry.Worker, f wire.Frame) {
	runID := f.RunID
	hadDispatch := l.sched.RemoveDispatch(runID, w.ID)
	w.ClearAssignment()
	w.State = registry.StateWaiting
	w.LastPingTime = time.Now()

	if !hadDispatch || l.store.IsCompleted(runID) {
		return
	}
	if _, err := l.sched.RecordFailure(runID, w.ID); err != nil {
		l.log.Errorf("run %d: RecordFailure after kill failed: %v", runID, err)
		return
	}
	if l.sched.ConcurrentDispatches(runID) == 0 {
		l.sched.Requeue(runID)
	}
}

// handlePing acknowledges a Pass 3 ping; onEvent has already cleared the
// worker's ping bookkeeping, so there is nothing further to do here.
func (l *Loop) handlePing(w *registry.Worker) {}
