// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddGetRun(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "runs.db"), 3)
	require.NoError(t, err)
	defer s.Close()

	id, err := s.AddRun([]float64{1.0}, "info", 0.5)
	require.NoError(t, err)
	require.Equal(t, int32(0), id)

	params, obs, status, err := s.GetRun(id)
	require.NoError(t, err)
	require.Equal(t, []float64{1.0}, params)
	require.Empty(t, obs)
	require.Equal(t, StatusQueued, status)
}

func TestUpdateRunCompletesOnce(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "runs.db"), 3)
	require.NoError(t, err)
	defer s.Close()

	id, err := s.AddRun([]float64{2.0}, "", 0)
	require.NoError(t, err)

	require.NoError(t, s.UpdateRun(id, []float64{2.0}, []float64{4.0}))
	_, obs, status, err := s.GetRun(id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)
	require.Equal(t, []float64{4.0}, obs)

	// A duplicate completion (second winner arriving late) is discarded.
	require.NoError(t, s.UpdateRun(id, []float64{2.0}, []float64{999}))
	_, obs, status, err = s.GetRun(id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)
	require.Equal(t, []float64{4.0}, obs)
}

func TestUpdateRunFailedReachesCap(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "runs.db"), 3)
	require.NoError(t, err)
	defer s.Close()

	id, err := s.AddRun([]float64{1.0}, "", 0)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		failed, err := s.UpdateRunFailed(id)
		require.NoError(t, err)
		require.False(t, failed)
	}
	failed, err := s.UpdateRunFailed(id)
	require.NoError(t, err)
	require.True(t, failed)

	_, _, status, err := s.GetRun(id)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, status)
}

func TestUpdateRunFailedIgnoredAfterCompletion(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "runs.db"), 1)
	require.NoError(t, err)
	defer s.Close()

	id, err := s.AddRun([]float64{1.0}, "", 0)
	require.NoError(t, err)
	require.NoError(t, s.UpdateRun(id, []float64{1.0}, []float64{2.0}))

	failed, err := s.UpdateRunFailed(id)
	require.NoError(t, err)
	require.False(t, failed)

	_, _, status, err := s.GetRun(id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status)
}

func TestRestartRecovery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runs.db")

	s, err := New(path, 3)
	require.NoError(t, err)
	id0, err := s.AddRun([]float64{1.0}, "", 0)
	require.NoError(t, err)
	id1, err := s.AddRun([]float64{2.0}, "", 0)
	require.NoError(t, err)
	require.NoError(t, s.UpdateRun(id0, []float64{1.0}, []float64{2.0}))
	require.NoError(t, s.Close())

	s2, err := Open(path, 3)
	require.NoError(t, err)
	defer s2.Close()

	require.Equal(t, []int32{id1}, s2.GetOutstandingRunIDs())
	require.True(t, s2.IsCompleted(id0))
	require.Equal(t, id1+1, s2.NextRunID())

	id2, err := s2.AddRun([]float64{3.0}, "", 0)
	require.NoError(t, err)
	require.Equal(t, id1+1, id2)
}

func TestGetSerializedParameters(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "runs.db"), 3)
	require.NoError(t, err)
	defer s.Close()

	id, err := s.AddRun([]float64{1.0, 2.0}, "", 0)
	require.NoError(t, err)

	b, err := s.GetSerializedParameters(id)
	require.NoError(t, err)
	require.NotEmpty(t, b)
}
