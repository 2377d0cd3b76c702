// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package store implements the append-only, indexed persistence of run
// records (parameters, status, observations) keyed by run id, and the
// restart-recovery operation used by the run manager facade.
//
// The store is the single source of truth for "is this run done?"; the
// scheduler consults it before every dispatch decision (spec §4.2).
package store

import (
	"bufio"
	"fmt"
	"os"
	"sync"
)

// Status is the lifecycle state of a Record.
type Status int32

const (
	StatusQueued Status = iota
	StatusInProgress
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "QUEUED"
	case StatusInProgress:
		return "IN_PROGRESS"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Record is one run's persisted state.
type Record struct {
	RunID        int32
	Parameters   []float64
	InfoText     string
	InfoValue    float64
	Status       Status
	Observations []float64
	Attempts     int32 // number of failed dispatch attempts recorded so far
}

// Store is an append-only run log with an in-memory index for O(1) lookup.
// It is safe for concurrent use, though the run manager facade in practice
// serializes all access from its single event-loop goroutine.
type Store struct {
	mu          sync.Mutex
	path        string
	file        *os.File
	w           *bufio.Writer
	records     map[int32]*Record
	nextID      int32
	maxFailures int
}

// New creates a fresh store at path, truncating any existing file. The
// maxFailures argument is the retry cap applied by UpdateRunFailed.
func New(path string, maxFailures int) (*Store, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("store: create %s: %w", path, err)
	}
	if err := writeFileHeader(f); err != nil {
		f.Close()
		return nil, err
	}
	return &Store{
		path:        path,
		file:        f,
		w:           bufio.NewWriter(f),
		records:     make(map[int32]*Record),
		maxFailures: maxFailures,
	}, nil
}

// Open reopens an existing store for restart, replaying its append-only log
// to reconstruct the in-memory index. The facade's InitializeRestart is the
// higher-level restart operation built on Open and GetOutstandingRunIDs.
func Open(path string, maxFailures int) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	records, maxID, err := replay(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("store: replay %s: %w", path, err)
	}
	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		f.Close()
		return nil, err
	}
	return &Store{
		path:        path,
		file:        f,
		w:           bufio.NewWriter(f),
		records:     records,
		nextID:      maxID + 1,
		maxFailures: maxFailures,
	}, nil
}

// Close flushes and closes the backing file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}

// AddRun assigns the next dense run id, writes a QUEUED record, and returns
// the id.
func (s *Store) AddRun(parameters []float64, infoText string, infoValue float64) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	rec := &Record{
		RunID:      id,
		Parameters: append([]float64(nil), parameters...),
		InfoText:   infoText,
		InfoValue:  infoValue,
		Status:     StatusQueued,
	}
	s.records[id] = rec
	if err := s.append(rec); err != nil {
		return 0, err
	}
	return id, nil
}

// UpdateRun marks id COMPLETED and stores its observations. Permitted only
// once per id; subsequent updates for the same id (duplicate dispatch
// results arriving after the first completion) are silently ignored.
func (s *Store) UpdateRun(id int32, parameters, observations []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("store: update_run: unknown run id %d", id)
	}
	if rec.Status == StatusCompleted {
		return nil // idempotent discard of a duplicate completion
	}
	rec.Parameters = append([]float64(nil), parameters...)
	rec.Observations = append([]float64(nil), observations...)
	rec.Status = StatusCompleted
	return s.append(rec)
}

// UpdateRunFailed increments id's attempt counter; status becomes FAILED
// only once the retry cap configured at construction is reached. Reports
// whether the run is now FAILED.
func (s *Store) UpdateRunFailed(id int32) (failed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return false, fmt.Errorf("store: update_run_failed: unknown run id %d", id)
	}
	if rec.Status == StatusCompleted {
		return false, nil // a sibling dispatch already won; ignore
	}
	rec.Attempts++
	if int(rec.Attempts) >= s.maxFailures {
		rec.Status = StatusFailed
	}
	if err := s.append(rec); err != nil {
		return false, err
	}
	return rec.Status == StatusFailed, nil
}

// MarkInProgress transitions a QUEUED run to IN_PROGRESS on dispatch. It is
// not an error to call this on an already IN_PROGRESS run (duplicate
// dispatch).
func (s *Store) MarkInProgress(id int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("store: mark_in_progress: unknown run id %d", id)
	}
	if rec.Status == StatusQueued {
		rec.Status = StatusInProgress
		return s.append(rec)
	}
	return nil
}

// GetRun returns a copy of id's parameters, observations, and status.
func (s *Store) GetRun(id int32) (parameters, observations []float64, status Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, nil, 0, fmt.Errorf("store: get_run: unknown run id %d", id)
	}
	return append([]float64(nil), rec.Parameters...), append([]float64(nil), rec.Observations...), rec.Status, nil
}

// GetSerializedParameters returns the precomputed wire serialization of id's
// parameter vector, ready for a START_RUN payload.
func (s *Store) GetSerializedParameters(id int32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("store: get_serial_parameters: unknown run id %d", id)
	}
	return encodeFloat64Slice(rec.Parameters), nil
}

// IsCompleted reports whether id has already reached COMPLETED, letting the
// scheduler drop an already-satisfied run from the waiting queue without a
// further dispatch (spec §4.4 Pass 1).
func (s *Store) IsCompleted(id int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return ok && rec.Status == StatusCompleted
}

// GetOutstandingRunIDs enumerates all non-COMPLETED ids, in ascending order,
// so the facade can re-queue them on restart.
func (s *Store) GetOutstandingRunIDs() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int32
	for id, rec := range s.records {
		if rec.Status != StatusCompleted {
			ids = append(ids, id)
		}
	}
	sortInt32s(ids)
	return ids
}

// NextRunID reports the id that AddRun would assign next; used by restart
// recovery and tests.
func (s *Store) NextRunID() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID
}

func sortInt32s(ids []int32) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

// append writes rec's current state as the newest entry in the append-only
// log and flushes so restart recovery can see it immediately.
func (s *Store) append(rec *Record) error {
	if err := writeRecord(s.w, rec); err != nil {
		return fmt.Errorf("store: append run %d: %w", rec.RunID, err)
	}
	return s.w.Flush()
}
