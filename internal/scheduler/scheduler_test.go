// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package scheduler

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/npp2016/pestpp/internal/registry"
	"github.com/npp2016/pestpp/internal/store"
	"github.com/npp2016/pestpp/internal/wire"
)

func newTestStore(t *testing.T, maxFailure int) *store.Store {
	t.Helper()
	st, err := store.New(t.TempDir()+"/runs.dat", maxFailure)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newFreeWorker(t *testing.T, reg *registry.Registry) (*registry.Worker, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	w := reg.Accept(server)
	w.State = registry.StateWaiting
	return w, client
}

func drainStartRun(t *testing.T, conn net.Conn) wire.Frame {
	t.Helper()
	f, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, wire.PacketStartRun, f.Type)
	return f
}

func TestDispatchAssignsFreeWorker(t *testing.T) {
	reg := registry.New()
	st := newTestStore(t, 3)
	sch := New(reg, st, DefaultConfig(3))

	runID, err := st.AddRun([]float64{1, 2}, "", 0)
	require.NoError(t, err)
	sch.Enqueue(runID)

	w, client := newFreeWorker(t, reg)
	done := make(chan wire.Frame, 1)
	go func() { f, _ := wire.ReadFrame(client); done <- f }()

	sch.Dispatch(time.Now())

	f := <-done
	require.Equal(t, wire.PacketStartRun, f.Type)
	require.Equal(t, registry.StateActive, w.State)
	require.Equal(t, 0, sch.QueueLen())
	require.Equal(t, 1, sch.ConcurrentDispatches(runID))
}

func TestDispatchLeavesRunQueuedWithNoFreeWorkers(t *testing.T) {
	reg := registry.New()
	st := newTestStore(t, 3)
	sch := New(reg, st, DefaultConfig(3))

	runID, err := st.AddRun([]float64{1}, "", 0)
	require.NoError(t, err)
	sch.Enqueue(runID)

	sch.Dispatch(time.Now())
	require.Equal(t, 1, sch.QueueLen())
}

func TestDispatchSkipsCompletedRun(t *testing.T) {
	reg := registry.New()
	st := newTestStore(t, 3)
	sch := New(reg, st, DefaultConfig(3))

	runID, err := st.AddRun([]float64{1}, "", 0)
	require.NoError(t, err)
	require.NoError(t, st.UpdateRun(runID, []float64{1}, []float64{2}))
	sch.Enqueue(runID)

	_, client := newFreeWorker(t, reg)
	_ = client

	sch.Dispatch(time.Now())
	require.Equal(t, 0, sch.QueueLen())
	require.Equal(t, 0, sch.ConcurrentDispatches(runID))
}

func TestSelectWorkerAvoidsPriorFailureUnlessExhausted(t *testing.T) {
	reg := registry.New()
	st := newTestStore(t, 5)
	sch := New(reg, st, DefaultConfig(5))

	w0, _ := newFreeWorker(t, reg)
	w1, _ := newFreeWorker(t, reg)

	sch.failures[42] = map[int]bool{w0.ID: true}
	picked := sch.selectWorker(42, []*registry.Worker{w0, w1}, 2)
	require.Equal(t, w1.ID, picked.ID)

	sch.failures[42][w1.ID] = true // now both workers have failed; totalWorkers == failCount
	picked = sch.selectWorker(42, []*registry.Worker{w0, w1}, 2)
	require.Nil(t, picked)
}

func TestRecordFailureReachesCapAndMarksStoreFailed(t *testing.T) {
	reg := registry.New()
	st := newTestStore(t, 2)
	sch := New(reg, st, DefaultConfig(2))

	runID, err := st.AddRun([]float64{1}, "", 0)
	require.NoError(t, err)

	failed, err := sch.RecordFailure(runID, 0)
	require.NoError(t, err)
	require.False(t, failed)

	failed, err = sch.RecordFailure(runID, 1)
	require.NoError(t, err)
	require.True(t, failed)

	_, _, status, err := st.GetRun(runID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, status)
}

func TestRecordFailureIdempotentPerWorker(t *testing.T) {
	reg := registry.New()
	st := newTestStore(t, 5)
	sch := New(reg, st, DefaultConfig(5))

	runID, err := st.AddRun([]float64{1}, "", 0)
	require.NoError(t, err)

	_, err = sch.RecordFailure(runID, 0)
	require.NoError(t, err)
	_, err = sch.RecordFailure(runID, 0)
	require.NoError(t, err)
	require.Equal(t, 1, sch.FailureCount(runID))
}

func TestCloseWorkerRequeuesUnfinishedRun(t *testing.T) {
	reg := registry.New()
	st := newTestStore(t, 3)
	sch := New(reg, st, DefaultConfig(3))

	runID, err := st.AddRun([]float64{1}, "", 0)
	require.NoError(t, err)
	sch.Enqueue(runID)

	w, client := newFreeWorker(t, reg)
	go func() { wire.ReadFrame(client) }()
	sch.Dispatch(time.Now())
	require.Equal(t, 0, sch.QueueLen())

	sch.CloseWorker(w, "test close")
	require.Equal(t, 1, sch.QueueLen())
	require.Equal(t, 0, sch.ConcurrentDispatches(runID))
	_, ok := reg.Get(w.ID)
	require.False(t, ok)
}

func TestCloseWorkerDoesNotRequeueWhenSiblingDispatchRemains(t *testing.T) {
	reg := registry.New()
	st := newTestStore(t, 3)
	sch := New(reg, st, DefaultConfig(3))

	runID, err := st.AddRun([]float64{1}, "", 0)
	require.NoError(t, err)

	w0, c0 := newFreeWorker(t, reg)
	w1, c1 := newFreeWorker(t, reg)
	go func() { wire.ReadFrame(c0) }()
	go func() { wire.ReadFrame(c1) }()

	require.NoError(t, sch.dispatchTo(w0, runID, time.Now()))
	require.NoError(t, sch.dispatchTo(w1, runID, time.Now()))
	require.Equal(t, 2, sch.ConcurrentDispatches(runID))

	sch.CloseWorker(w0, "test close")
	require.Equal(t, 0, sch.QueueLen())
	require.Equal(t, 1, sch.ConcurrentDispatches(runID))
}

func TestStragglersLaunchesDuplicateDispatchWhenOverdue(t *testing.T) {
	reg := registry.New()
	st := newTestStore(t, 5)
	cfg := DefaultConfig(5)
	sch := New(reg, st, cfg)

	runID, err := st.AddRun([]float64{1}, "", 0)
	require.NoError(t, err)

	w0, c0 := newFreeWorker(t, reg)
	go func() { wire.ReadFrame(c0) }()
	past := time.Now().Add(-1 * time.Hour)
	require.NoError(t, sch.dispatchTo(w0, runID, past))
	w0.SmoothedRunSec = 1 // expected 1s; elapsed ~3600s is overdue at 1.5x

	w1, c1 := newFreeWorker(t, reg)
	done := make(chan wire.Frame, 1)
	go func() { f, _ := wire.ReadFrame(c1); done <- f }()

	sch.Stragglers(time.Now())

	f := <-done
	require.Equal(t, wire.PacketStartRun, f.Type)
	require.Equal(t, 2, sch.ConcurrentDispatches(runID))
	require.Equal(t, registry.StateActive, w1.State)
}

func TestStragglersKillsAndRequeuesAtConcurrencyCap(t *testing.T) {
	reg := registry.New()
	st := newTestStore(t, 2)
	cfg := DefaultConfig(2)
	cfg.MaxConcurrentRunsLowerLimit = 1
	sch := New(reg, st, cfg)

	runID, err := st.AddRun([]float64{1}, "", 0)
	require.NoError(t, err)

	w0, c0 := newFreeWorker(t, reg)
	go func() { wire.ReadFrame(c0) }()
	past := time.Now().Add(-1 * time.Hour)
	require.NoError(t, sch.dispatchTo(w0, runID, past))
	w0.SmoothedRunSec = 1

	killRecv := make(chan wire.Frame, 1)
	go func() { f, _ := wire.ReadFrame(c0); killRecv <- f }()

	sch.Stragglers(time.Now())

	f := <-killRecv
	require.Equal(t, wire.PacketReqKill, f.Type)
	require.Equal(t, registry.StateKilled, w0.State)
	require.Equal(t, 1, sch.QueueLen())
}

func TestStragglersGivesUpWhenFailuresPlusOverdueReachCap(t *testing.T) {
	reg := registry.New()
	st := newTestStore(t, 1)
	cfg := DefaultConfig(1)
	sch := New(reg, st, cfg)

	runID, err := st.AddRun([]float64{1}, "", 0)
	require.NoError(t, err)

	w0, c0 := newFreeWorker(t, reg)
	go func() { wire.ReadFrame(c0) }()
	past := time.Now().Add(-1 * time.Hour)
	require.NoError(t, sch.dispatchTo(w0, runID, past))
	w0.SmoothedRunSec = 1

	killRecv := make(chan wire.Frame, 1)
	go func() { f, _ := wire.ReadFrame(c0); killRecv <- f }()

	sch.Stragglers(time.Now())

	f := <-killRecv
	require.Equal(t, wire.PacketReqKill, f.Type)
	require.Equal(t, 0, sch.QueueLen()) // giveup branch does not requeue
}

func TestPingsSendsPingAfterInterval(t *testing.T) {
	reg := registry.New()
	st := newTestStore(t, 3)
	cfg := DefaultConfig(3)
	cfg.PingIntervalSecs = 1
	sch := New(reg, st, cfg)

	w, client := newFreeWorker(t, reg)
	w.LastPingTime = time.Now().Add(-2 * time.Second)

	done := make(chan wire.Frame, 1)
	go func() { f, _ := wire.ReadFrame(client); done <- f }()

	sch.Pings(time.Now())

	f := <-done
	require.Equal(t, wire.PacketPing, f.Type)
	require.True(t, w.PingOutstanding)
}

func TestPingsClosesWorkerAfterFailureExhaustion(t *testing.T) {
	reg := registry.New()
	st := newTestStore(t, 3)
	cfg := DefaultConfig(3)
	cfg.PingIntervalSecs = 1
	cfg.MaxFailedPings = 1
	sch := New(reg, st, cfg)

	w, _ := newFreeWorker(t, reg)
	w.PingOutstanding = true
	w.LastPingTime = time.Now().Add(-2 * time.Second)

	sch.Pings(time.Now())

	_, ok := reg.Get(w.ID)
	require.False(t, ok)
}

func TestAllRunsCompleteReflectsQueueAndActiveWorkers(t *testing.T) {
	reg := registry.New()
	st := newTestStore(t, 3)
	sch := New(reg, st, DefaultConfig(3))
	require.True(t, sch.AllRunsComplete())

	sch.Enqueue(7)
	require.False(t, sch.AllRunsComplete())
	sch.RemoveFromQueue(7)
	require.True(t, sch.AllRunsComplete())

	w, _ := newFreeWorker(t, reg)
	w.State = registry.StateActive
	require.False(t, sch.AllRunsComplete())
}

func TestResetClearsSchedulerState(t *testing.T) {
	reg := registry.New()
	st := newTestStore(t, 3)
	sch := New(reg, st, DefaultConfig(3))

	sch.Enqueue(1)
	sch.addDispatch(1, 0)
	sch.failures[1] = map[int]bool{0: true}
	sch.IncrementRunsDone()

	sch.Reset()
	require.Equal(t, 0, sch.QueueLen())
	require.Equal(t, 0, sch.ConcurrentDispatches(1))
	require.Equal(t, 0, sch.FailureCount(1))
	require.Equal(t, 0, sch.RunsDone())
}
