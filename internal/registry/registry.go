// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package registry holds the worker set: per-worker socket, lifecycle
// state, current assignment, timing history, and ping bookkeeping (spec
// §4.3). The registry owns worker records; the scheduler's dispatch index
// and failure ledger hold only their integer ids (spec §9's "replace
// iterators with integer keys" design note).
package registry

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a worker's position in the handshake/work lifecycle (spec §3):
//
//	NEW -> CWD_REQ -> CWD_RCV -> CMD_SENT -> LINPACK_REQ -> LINPACK_RCV ->
//	WAITING <-> ACTIVE -> (COMPLETE | KILLED | KILLED_FAILED) -> WAITING
//
// A worker may transition to CLOSED from any state on I/O error or ping
// exhaustion.
type State int

const (
	StateNew State = iota
	StateCwdReq
	StateCwdRcv
	StateCmdSent
	StateLinpackReq
	StateLinpackRcv
	StateWaiting
	StateActive
	StateComplete
	StateKilled
	StateKilledFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateCwdReq:
		return "CWD_REQ"
	case StateCwdRcv:
		return "CWD_RCV"
	case StateCmdSent:
		return "CMD_SENT"
	case StateLinpackReq:
		return "LINPACK_REQ"
	case StateLinpackRcv:
		return "LINPACK_RCV"
	case StateWaiting:
		return "WAITING"
	case StateActive:
		return "ACTIVE"
	case StateComplete:
		return "COMPLETE"
	case StateKilled:
		return "KILLED"
	case StateKilledFailed:
		return "KILLED_FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// NoRun and NoGroup are the sentinel values for a Worker's RunID/GroupID
// fields when it has no current assignment.
const (
	NoRun   int32 = -1
	NoGroup int32 = -1
)

// Worker is one connected worker's full record. Fields are only ever
// mutated by the single event-loop goroutine that owns the Registry
// containing it (spec §5: no locks are required because there is no
// concurrent mutator).
type Worker struct {
	ID      int    // dense key into Registry, also used as the dispatch-index key
	ConnID  string // short uuid, for log messages only (teacher: clog prefixes)
	Conn    net.Conn
	State   State
	RunID   int32 // NoRun if unassigned
	GroupID int32 // NoGroup if unassigned
	WorkDir string

	SmoothedRunSec float64 // exponentially smoothed: (old+latest)/2 after first sample
	haveRunSample  bool
	LinpackSec     float64

	StartTime       time.Time // start of current assignment
	LastPingTime    time.Time
	PingOutstanding bool
	FailedPings     int

	linpackReqAt time.Time // set when REQ_LINPACK is sent, consumed on LINPACK receipt
}

// StartAssignment transitions w to ACTIVE with the given run/group id,
// starts its timer, and resets its ping clock (spec §4.4 Pass 1).
func (w *Worker) StartAssignment(runID, groupID int32, now time.Time) {
	w.State = StateActive
	w.RunID = runID
	w.GroupID = groupID
	w.StartTime = now
	w.LastPingTime = now
}

// ClearAssignment returns w to WAITING with no assignment.
func (w *Worker) ClearAssignment() {
	w.State = StateWaiting
	w.RunID = NoRun
	w.GroupID = NoGroup
}

// RecordRunDuration folds a newly observed run duration into the worker's
// exponentially smoothed run time (spec §3: "new_avg = (old_avg +
// latest)/2 after the first sample").
func (w *Worker) RecordRunDuration(d time.Duration) {
	latest := d.Seconds()
	if !w.haveRunSample {
		w.SmoothedRunSec = latest
		w.haveRunSample = true
		return
	}
	w.SmoothedRunSec = (w.SmoothedRunSec + latest) / 2
}

// ElapsedSinceStart reports how long the worker's current assignment has
// been running.
func (w *Worker) ElapsedSinceStart(now time.Time) time.Duration {
	return now.Sub(w.StartTime)
}

// SendLinpackRequest marks that a REQ_LINPACK was just sent, so its
// round-trip can be timed on arrival of LINPACK.
func (w *Worker) SendLinpackRequest(now time.Time) {
	w.linpackReqAt = now
}

// RecordLinpack records the elapsed time since SendLinpackRequest as the
// worker's benchmark duration.
func (w *Worker) RecordLinpack(now time.Time) {
	w.LinpackSec = now.Sub(w.linpackReqAt).Seconds()
}

// Registry is the worker set, keyed by dense integer id assigned on
// Accept. It exposes iteration, insertion on accept, and removal on close.
type Registry struct {
	mu      sync.Mutex
	workers map[int]*Worker
	nextID  int
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{workers: make(map[int]*Worker)}
}

// Accept registers a newly connected socket and returns its fresh Worker
// record in state NEW.
func (r *Registry) Accept(conn net.Conn) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	w := &Worker{
		ID:      id,
		ConnID:  shortUUID(),
		Conn:    conn,
		State:   StateNew,
		RunID:   NoRun,
		GroupID: NoGroup,
	}
	r.workers[id] = w
	return w
}

// Remove deregisters a closed worker.
func (r *Registry) Remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
}

// Get returns the worker with the given id, if still registered.
func (r *Registry) Get(id int) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	return w, ok
}

// All returns every registered worker in ascending id order.
func (r *Registry) All() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	sortWorkersByID(out)
	return out
}

// Waiting returns every worker currently in state WAITING, in ascending id
// order, i.e. the candidate pool for the scheduler's dispatch selector.
func (r *Registry) Waiting() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Worker
	for _, w := range r.workers {
		if w.State == StateWaiting {
			out = append(out, w)
		}
	}
	sortWorkersByID(out)
	return out
}

// Count returns the number of currently registered workers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// FleetAverageRunSec returns the mean smoothed run time, in seconds, across
// all workers that have completed at least one run; 0 if none have.
func (r *Registry) FleetAverageRunSec() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum float64
	var n int
	for _, w := range r.workers {
		if w.haveRunSample {
			sum += w.SmoothedRunSec
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func sortWorkersByID(ws []*Worker) {
	for i := 1; i < len(ws); i++ {
		for j := i; j > 0 && ws[j-1].ID > ws[j].ID; j-- {
			ws[j-1], ws[j] = ws[j], ws[j-1]
		}
	}
}

func shortUUID() string {
	id := uuid.NewString()
	for i, c := range id {
		if c == '-' {
			return id[:i]
		}
	}
	return id
}
