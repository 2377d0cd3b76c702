// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package scheduler implements the three-pass scheduling policy described
// in spec §4.4: matching waiting runs to free workers, detecting and
// mitigating stragglers via duplicate dispatch, and enforcing the ping
// cadence. It reads and mutates the run store, worker registry, dispatch
// index, and failure ledger; it owns no state of its own beyond those
// structures and the waiting queue (spec §3 "Ownership").
package scheduler

import (
	"math"
	"time"

	"github.com/npp2016/pestpp/internal/registry"
	"github.com/npp2016/pestpp/internal/rmlog"
	"github.com/npp2016/pestpp/internal/store"
	"github.com/npp2016/pestpp/internal/wire"
)

// overdueSentinelSec stands in for "no learned run time anywhere in the
// fleet": spec §4.4 Pass 2's "1e10 minutes if none known".
const overdueSentinelSec = 1e10 * 60

// Scheduler matches waiting runs to free workers and reschedules or kills
// overdue dispatches. It is not safe for concurrent use: the event loop's
// single goroutine is the only caller (spec §5).
type Scheduler struct {
	reg   *registry.Registry
	store *store.Store
	cfg   Config
	log   *rmlog.Logger

	waiting      []int32         // FIFO of run ids (spec §3 "Waiting queue")
	waitingSet   map[int32]bool  // membership index to avoid duplicate queue entries
	dispatch     map[int32]map[int]bool // run id -> set of worker ids currently dispatched (spec §3 "Run-dispatch index")
	failures     map[int32]map[int]bool // run id -> set of worker ids that have failed it (spec §3 "Failure ledger")
	groupID      int32
	runsDone     int
	runsFailed   int
}

// New returns a Scheduler bound to the given registry and store.
func New(reg *registry.Registry, st *store.Store, cfg Config) *Scheduler {
	return &Scheduler{
		reg:        reg,
		store:      st,
		cfg:        cfg,
		log:        rmlog.New("scheduler "),
		waitingSet: make(map[int32]bool),
		dispatch:   make(map[int32]map[int]bool),
		failures:   make(map[int32]map[int]bool),
	}
}

// SetGroupID installs the current group id; a fresh value is allocated by
// the facade on every run() call (spec §3 "Group id") and fences out stale
// completions from superseded batches.
func (s *Scheduler) SetGroupID(id int32) { s.groupID = id }

// GroupID returns the current group id.
func (s *Scheduler) GroupID() int32 { return s.groupID }

// Enqueue appends a run id to the back of the waiting queue (used by
// add_run and initialize_restart).
func (s *Scheduler) Enqueue(runID int32) {
	if s.waitingSet[runID] {
		return
	}
	s.waiting = append(s.waiting, runID)
	s.waitingSet[runID] = true
}

// Requeue prepends a run id to the waiting queue, giving it scheduling
// priority, matching the teacher lineage's push_front re-queueing of a run
// whose in-flight attempt was lost.
func (s *Scheduler) Requeue(runID int32) {
	if s.waitingSet[runID] {
		return
	}
	s.waiting = append([]int32{runID}, s.waiting...)
	s.waitingSet[runID] = true
}

// RemoveFromQueue removes a run id from the waiting queue if present,
// reporting whether it was found. Used by update_run to cancel a queued
// run that was supplied directly by the caller.
func (s *Scheduler) RemoveFromQueue(runID int32) bool {
	if !s.waitingSet[runID] {
		return false
	}
	delete(s.waitingSet, runID)
	out := s.waiting[:0]
	for _, id := range s.waiting {
		if id != runID {
			out = append(out, id)
		}
	}
	s.waiting = out
	return true
}

// QueueLen reports the number of runs currently waiting.
func (s *Scheduler) QueueLen() int { return len(s.waiting) }

// ConcurrentDispatches reports how many workers currently have runID
// actively dispatched (spec §9's get_n_concurrent).
func (s *Scheduler) ConcurrentDispatches(runID int32) int {
	return len(s.dispatch[runID])
}

// FailureCount reports how many distinct workers have failed runID so far.
func (s *Scheduler) FailureCount(runID int32) int {
	return len(s.failures[runID])
}

// RunsDone and RunsFailed are cumulative counters for progress reporting
// (spec §9 supplemented "echo()" feature).
func (s *Scheduler) RunsDone() int   { return s.runsDone }
func (s *Scheduler) RunsFailed() int { return s.runsFailed }

// AllRunsComplete reports whether the waiting queue is empty and no
// worker is ACTIVE, the termination condition for run() (spec §4.6).
func (s *Scheduler) AllRunsComplete() bool {
	if len(s.waiting) > 0 {
		return false
	}
	for _, w := range s.reg.All() {
		if w.State == registry.StateActive {
			return false
		}
	}
	return true
}

func (s *Scheduler) addDispatch(runID int32, workerID int) {
	set, ok := s.dispatch[runID]
	if !ok {
		set = make(map[int]bool)
		s.dispatch[runID] = set
	}
	set[workerID] = true
}

// removeDispatch removes (runID, workerID) from the dispatch index,
// reporting whether an entry was actually present (used to avoid
// recording a failure twice for the same kill).
func (s *Scheduler) removeDispatch(runID int32, workerID int) bool {
	set, ok := s.dispatch[runID]
	if !ok || !set[workerID] {
		return false
	}
	delete(set, workerID)
	if len(set) == 0 {
		delete(s.dispatch, runID)
	}
	return true
}

// RecordFailure records a (run, worker) failure in the ledger (a no-op if
// already recorded, satisfying invariant 6) and advances the run store's
// attempt counter, returning whether the run has now reached FAILED. A run
// is counted in RunsFailed the first time it reaches FAILED.
func (s *Scheduler) RecordFailure(runID int32, workerID int) (failed bool, err error) {
	set, ok := s.failures[runID]
	if !ok {
		set = make(map[int]bool)
		s.failures[runID] = set
	}
	if set[workerID] {
		return s.store.IsCompleted(runID) == false && s.FailureCount(runID) >= s.cfg.MaxNFailure, nil
	}
	set[workerID] = true
	_, _, before, _ := s.store.GetRun(runID)
	failed, err = s.store.UpdateRunFailed(runID)
	if failed && before != store.StatusFailed {
		s.IncrementRunsFailed()
	}
	return failed, err
}

// RemoveDispatch is the exported form of removeDispatch, used by the event
// loop's message handlers.
func (s *Scheduler) RemoveDispatch(runID int32, workerID int) bool {
	return s.removeDispatch(runID, workerID)
}

// KillRuns sends REQ_KILL to every worker currently dispatched on runID,
// transitioning each to KILLED (or KILLED_FAILED if the send itself
// fails). Dispatch index entries are removed later, when each worker's
// RUN_KILLED reply is processed by the event loop — matching the teacher
// lineage's kill_runs, which marks state but leaves bookkeeping for the
// eventual acknowledgement.
func (s *Scheduler) KillRuns(runID int32) {
	for workerID := range s.dispatch[runID] {
		w, ok := s.reg.Get(workerID)
		if !ok || w.State == registry.StateKilled || w.State == registry.StateKilledFailed {
			continue
		}
		f := wire.NewFrame(wire.PacketReqKill, 0, runID, "", nil)
		if err := wire.WriteFrame(w.Conn, f); err != nil {
			s.log.Errorf("failed to send REQ_KILL for run %d to worker %d: %v", runID, workerID, err)
			w.State = registry.StateKilledFailed
			continue
		}
		w.State = registry.StateKilled
	}
}

// CloseWorker closes a worker's connection and deregisters it. If the
// worker was ACTIVE, its in-flight run is re-queued unless a sibling
// dispatch of the same run id is still outstanding (spec §7: transient
// I/O errors and ping exhaustion are not counted as run failures).
func (s *Scheduler) CloseWorker(w *registry.Worker, reason string) {
	s.log.Printf("closing worker %d (%s): %s", w.ID, w.ConnID, reason)
	w.Conn.Close()
	if w.State == registry.StateActive {
		runID := w.RunID
		s.removeDispatch(runID, w.ID)
		if s.ConcurrentDispatches(runID) == 0 && !s.store.IsCompleted(runID) {
			s.Requeue(runID)
		}
	}
	w.State = registry.StateClosed
	s.reg.Remove(w.ID)
}

// Dispatch is scheduler Pass 1 (spec §4.4): it tries to match every
// waiting run id against a free worker, in queue order.
func (s *Scheduler) Dispatch(now time.Time) {
	free := s.reg.Waiting()
	total := s.reg.Count()

	var remaining []int32
	for _, runID := range s.waiting {
		if s.store.IsCompleted(runID) {
			continue // already satisfied by a sibling dispatch; drop
		}
		if s.FailureCount(runID) >= s.cfg.MaxNFailure {
			continue // retry cap reached; the store already reports FAILED
		}
		if len(free) == 0 {
			remaining = append(remaining, runID)
			continue
		}
		w := s.selectWorker(runID, free, total)
		if w == nil {
			remaining = append(remaining, runID)
			continue
		}
		if err := s.dispatchTo(w, runID, now); err != nil {
			s.log.Errorf("failed to send START_RUN for run %d to worker %d: %v", runID, w.ID, err)
			s.CloseWorker(w, "send START_RUN failed")
			remaining = append(remaining, runID)
		}
		free = removeWorker(free, w)
	}
	s.waiting = remaining
	s.waitingSet = make(map[int32]bool, len(remaining))
	for _, id := range remaining {
		s.waitingSet[id] = true
	}
}

// selectWorker implements the dispatch selector of spec §4.4 Pass 1: prefer
// a free worker that has not previously failed this run; fall back to any
// free worker if there are not enough distinct workers to keep avoiding
// retries; otherwise leave the run queued.
func (s *Scheduler) selectWorker(runID int32, free []*registry.Worker, totalWorkers int) *registry.Worker {
	failedOn := s.failures[runID]
	for _, w := range free {
		if !failedOn[w.ID] {
			return w
		}
	}
	if s.FailureCount(runID) < totalWorkers && len(free) > 0 {
		return free[0]
	}
	return nil
}

func (s *Scheduler) dispatchTo(w *registry.Worker, runID int32, now time.Time) error {
	params, err := s.store.GetSerializedParameters(runID)
	if err != nil {
		return err
	}
	f := wire.NewFrame(wire.PacketStartRun, s.groupID, runID, "", params)
	if err := wire.WriteFrame(w.Conn, f); err != nil {
		return err
	}
	w.StartAssignment(runID, s.groupID, now)
	if err := s.store.MarkInProgress(runID); err != nil {
		return err
	}
	s.addDispatch(runID, w.ID)
	return nil
}

func removeWorker(ws []*registry.Worker, target *registry.Worker) []*registry.Worker {
	out := ws[:0]
	for _, w := range ws {
		if w.ID != target.ID {
			out = append(out, w)
		}
	}
	return out
}

// Stragglers is scheduler Pass 2 (spec §4.4): detects overdue dispatches,
// kills them when they have exhausted the retry budget or the concurrent-
// dispatch cap, and launches a duplicate dispatch when a run is overdue by
// a smaller margin.
func (s *Scheduler) Stragglers(now time.Time) {
	fleetAvg := s.reg.FleetAverageRunSec()
	maxConcurrent := s.cfg.maxConcurrentRuns()

	for _, runID := range s.activeRunIDs() {
		killable := s.killableOverdueCount(runID, now, fleetAvg)
		failCount := s.FailureCount(runID)
		concurrent := s.ConcurrentDispatches(runID)

		switch {
		case failCount+killable >= s.cfg.MaxNFailure:
			s.log.Printf("run %d: failures(%d)+overdue(%d) reached cap %d; killing all dispatches", runID, failCount, killable, s.cfg.MaxNFailure)
			s.KillRuns(runID)
		case killable >= maxConcurrent:
			s.log.Printf("run %d: %d overdue dispatches reached concurrency cap %d; killing and rescheduling", runID, killable, maxConcurrent)
			s.KillRuns(runID)
			s.Requeue(runID)
		default:
			if concurrent >= maxConcurrent {
				continue
			}
			if s.anyDispatchOverdue(runID, now, fleetAvg, s.cfg.PercentOverdueResched) {
				free := s.reg.Waiting()
				if w := s.selectWorker(runID, free, s.reg.Count()); w != nil {
					s.log.Printf("run %d: launching duplicate dispatch on worker %d", runID, w.ID)
					if err := s.dispatchTo(w, runID, now); err != nil {
						s.log.Errorf("failed to launch duplicate dispatch for run %d on worker %d: %v", runID, w.ID, err)
						s.CloseWorker(w, "send START_RUN failed")
					}
				}
			}
		}
	}
}

// activeRunIDs returns the run ids with at least one active dispatch, in a
// deterministic order.
func (s *Scheduler) activeRunIDs() []int32 {
	ids := make([]int32, 0, len(s.dispatch))
	for id := range s.dispatch {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

func (s *Scheduler) expectedRunSec(w *registry.Worker, fleetAvg float64) float64 {
	if w.SmoothedRunSec > 0 {
		return w.SmoothedRunSec
	}
	if fleetAvg > 0 {
		return fleetAvg
	}
	return overdueSentinelSec
}

// killableOverdueCount counts the dispatches of runID whose elapsed time
// exceeds PERCENT_OVERDUE_GIVEUP times their expected duration.
func (s *Scheduler) killableOverdueCount(runID int32, now time.Time, fleetAvg float64) int {
	n := 0
	for workerID := range s.dispatch[runID] {
		w, ok := s.reg.Get(workerID)
		if !ok || w.State != registry.StateActive {
			continue
		}
		expected := s.expectedRunSec(w, fleetAvg)
		elapsed := w.ElapsedSinceStart(now).Seconds()
		if elapsed > s.cfg.PercentOverdueGiveup*expected {
			n++
		}
	}
	return n
}

// anyDispatchOverdue reports whether any active dispatch of runID has
// exceeded pct times its expected duration.
func (s *Scheduler) anyDispatchOverdue(runID int32, now time.Time, fleetAvg, pct float64) bool {
	for workerID := range s.dispatch[runID] {
		w, ok := s.reg.Get(workerID)
		if !ok || w.State != registry.StateActive {
			continue
		}
		expected := s.expectedRunSec(w, fleetAvg)
		elapsed := w.ElapsedSinceStart(now).Seconds()
		if elapsed > pct*expected {
			return true
		}
	}
	return false
}

// Pings is scheduler Pass 3 (spec §4.4): maintains the ping cadence and
// closes workers that stop answering.
func (s *Scheduler) Pings(now time.Time) {
	for _, w := range s.reg.All() {
		if w.State == registry.StateClosed {
			continue
		}
		interval := math.Max(s.cfg.PingIntervalSecs, w.SmoothedRunSec)
		if now.Sub(w.LastPingTime).Seconds() < interval {
			continue
		}
		if w.PingOutstanding {
			w.FailedPings++
			w.LastPingTime = now
			if w.FailedPings >= s.cfg.MaxFailedPings {
				s.CloseWorker(w, "ping exhaustion")
			}
			continue
		}
		f := wire.NewFrame(wire.PacketPing, 0, 0, "", nil)
		if err := wire.WriteFrame(w.Conn, f); err != nil {
			w.FailedPings++
			w.LastPingTime = now
			if w.FailedPings >= s.cfg.MaxFailedPings {
				s.CloseWorker(w, "ping send failed repeatedly")
			}
			continue
		}
		w.PingOutstanding = true
		w.LastPingTime = now
	}
}

// IncrementRunsDone and IncrementRunsFailed update the progress counters;
// the event loop's RUN_FINISHED handler calls IncrementRunsDone, and
// RecordFailure calls IncrementRunsFailed.
func (s *Scheduler) IncrementRunsDone()   { s.runsDone++ }
func (s *Scheduler) IncrementRunsFailed() { s.runsFailed++ }

// Reset clears all scheduler-owned state (waiting queue, dispatch index,
// failure ledger, counters) for reinitialize (spec §4.6).
func (s *Scheduler) Reset() {
	s.waiting = nil
	s.waitingSet = make(map[int32]bool)
	s.dispatch = make(map[int32]map[int]bool)
	s.failures = make(map[int32]map[int]bool)
	s.runsDone = 0
	s.runsFailed = 0
}

// SetStore retargets the scheduler at a freshly opened store, used by
// reinitialize and initialize_restart after the facade swaps in a new
// store. Must be called on the event-loop goroutine (e.g. via
// eventloop.Loop.SubmitSync), same as every other scheduler mutator.
func (s *Scheduler) SetStore(st *store.Store) {
	s.store = st
}
