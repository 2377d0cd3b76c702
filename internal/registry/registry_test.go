// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package registry

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcceptAssignsDenseIDs(t *testing.T) {
	r := New()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	w0 := r.Accept(a)
	w1 := r.Accept(b)
	require.Equal(t, 0, w0.ID)
	require.Equal(t, 1, w1.ID)
	require.Equal(t, StateNew, w0.State)
	require.NotEmpty(t, w0.ConnID)
	require.NotEqual(t, w0.ConnID, w1.ConnID)
}

func TestWaitingFiltersByState(t *testing.T) {
	r := New()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	w0 := r.Accept(a)
	w1 := r.Accept(b)
	w0.State = StateWaiting
	w1.State = StateActive

	waiting := r.Waiting()
	require.Len(t, waiting, 1)
	require.Equal(t, w0.ID, waiting[0].ID)
}

func TestRemoveDeregisters(t *testing.T) {
	r := New()
	a, _ := net.Pipe()
	defer a.Close()
	w := r.Accept(a)
	r.Remove(w.ID)
	_, ok := r.Get(w.ID)
	require.False(t, ok)
	require.Equal(t, 0, r.Count())
}

func TestRecordRunDurationSmoothing(t *testing.T) {
	w := &Worker{}
	w.RecordRunDuration(10 * time.Second)
	require.Equal(t, 10.0, w.SmoothedRunSec)

	w.RecordRunDuration(20 * time.Second)
	require.Equal(t, 15.0, w.SmoothedRunSec) // (10+20)/2

	w.RecordRunDuration(10 * time.Second)
	require.Equal(t, 12.5, w.SmoothedRunSec) // (15+10)/2
}

func TestStartAndClearAssignment(t *testing.T) {
	w := &Worker{}
	now := time.Now()
	w.StartAssignment(5, 1, now)
	require.Equal(t, StateActive, w.State)
	require.Equal(t, int32(5), w.RunID)
	require.Equal(t, int32(1), w.GroupID)

	w.ClearAssignment()
	require.Equal(t, StateWaiting, w.State)
	require.Equal(t, NoRun, w.RunID)
	require.Equal(t, NoGroup, w.GroupID)
}

func TestFleetAverageRunSec(t *testing.T) {
	r := New()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	w0 := r.Accept(a)
	w1 := r.Accept(b)

	require.Equal(t, 0.0, r.FleetAverageRunSec())

	w0.RecordRunDuration(10 * time.Second)
	w1.RecordRunDuration(20 * time.Second)
	require.Equal(t, 15.0, r.FleetAverageRunSec())
}
