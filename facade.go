// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package runmgr

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/npp2016/pestpp/internal/eventloop"
	"github.com/npp2016/pestpp/internal/registry"
	"github.com/npp2016/pestpp/internal/rmlog"
	"github.com/npp2016/pestpp/internal/scheduler"
	"github.com/npp2016/pestpp/internal/store"
	"github.com/npp2016/pestpp/internal/wire"
)

// Snapshot is a point-in-time progress report (SPEC_FULL.md §4.3's
// supplemented echo()/progress feature).
type Snapshot struct {
	Queued  int
	Active  int
	Done    int
	Failed  int
	Workers int
}

// commandBox lets the event loop read the current model-run command
// concurrently with Run installing a new one, without routing every read
// through the loop goroutine.
type commandBox struct {
	mu  sync.RWMutex
	cmd wire.CmdPayload
}

func (b *commandBox) Command() wire.CmdPayload {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cmd
}

func (b *commandBox) set(cmd wire.CmdPayload) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cmd = cmd
}

// RunManager is the public facade named in SPEC_FULL.md §1 and §5:
// add_run, run, get_run, update_run, reinitialize, initialize_restart.
type RunManager struct {
	cfg  Config
	log  *rmlog.Logger
	tick time.Duration

	storeMu sync.RWMutex
	store   *store.Store

	reg   *registry.Registry
	sched *scheduler.Scheduler
	loop  *eventloop.Loop
	cmd   *commandBox

	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a RunManager, opens its run store fresh (truncating any
// existing file at cfg.StorePath), and starts listening for worker
// connections. To resume from an existing store, call InitializeRestart on
// the returned manager with that store's path (spec.md §4.6); cfg.StorePath
// must then name a different file, since New truncates it.
func New(cfg Config) (*RunManager, error) {
	if cfg.Verbose {
		rmlog.Enable()
	}
	tick, err := time.ParseDuration(cfg.TickInterval)
	if err != nil {
		return nil, fmt.Errorf("runmgr: invalid tick interval %q: %w", cfg.TickInterval, err)
	}

	st, err := store.New(cfg.StorePath, cfg.MaxNFailure)
	if err != nil {
		return nil, fmt.Errorf("runmgr: open store: %w", err)
	}

	rm := &RunManager{
		cfg:   cfg,
		log:   rmlog.New("runmgr "),
		tick:  tick,
		store: st,
		reg:   registry.New(),
		cmd:   &commandBox{},
	}
	rm.sched = scheduler.New(rm.reg, rm.store, cfg.Scheduler)
	rm.loop = eventloop.New(rm.reg, rm.store, rm.sched, rm.cmd, tick)

	ln, err := eventloop.ListenTCP(cfg.ListenAddr, cfg.Backlog)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("runmgr: listen %s: %w", cfg.ListenAddr, err)
	}
	rm.ln = ln

	ctx, cancel := context.WithCancel(context.Background())
	rm.cancel = cancel
	rm.wg.Add(2)
	go func() { defer rm.wg.Done(); rm.loop.ServeAuto(ctx, ln, cfg.UseEpoll) }()
	go func() { defer rm.wg.Done(); rm.loop.Run(ctx) }()

	return rm, nil
}

// Close stops accepting connections, halts the event loop, and flushes the
// run store.
func (rm *RunManager) Close() error {
	rm.cancel()
	rm.ln.Close()
	rm.wg.Wait()
	rm.storeMu.RLock()
	defer rm.storeMu.RUnlock()
	return rm.store.Close()
}

// AddRun implements spec.md §4.6's add_run: delegate to the store, then
// append the new id to the waiting queue.
func (rm *RunManager) AddRun(parameters []float64, infoText string, infoValue float64) (int32, error) {
	rm.storeMu.RLock()
	st := rm.store
	rm.storeMu.RUnlock()

	id, err := st.AddRun(parameters, infoText, infoValue)
	if err != nil {
		return 0, err
	}
	rm.loop.Submit(func() { rm.sched.Enqueue(id) })
	return id, nil
}

// GetRun implements spec.md §4.6's get_run: a direct, thread-safe read from
// the store (no loop-goroutine state is involved).
func (rm *RunManager) GetRun(id int32) (parameters, observations []float64, status store.Status, err error) {
	rm.storeMu.RLock()
	st := rm.store
	rm.storeMu.RUnlock()
	return st.GetRun(id)
}

// UpdateRun implements spec.md §4.6's update_run: write the result to the
// store, remove id from the waiting queue if still present, and kill any
// active dispatches of id (a caller-supplied or superseded-duplicate
// completion always pre-empts in-flight dispatches).
func (rm *RunManager) UpdateRun(id int32, parameters, observations []float64) error {
	rm.storeMu.RLock()
	st := rm.store
	rm.storeMu.RUnlock()

	if err := st.UpdateRun(id, parameters, observations); err != nil {
		return err
	}
	rm.loop.SubmitSync(func() {
		rm.sched.RemoveFromQueue(id)
		rm.sched.KillRuns(id)
	})
	return nil
}

// Command returns the model-run command most recently installed by Run;
// it implements eventloop.CommandProvider indirectly via rm.cmd.
func (rm *RunManager) Command() wire.CmdPayload { return rm.cmd.Command() }

// Run implements spec.md §4.6's run(): allocate a new group id, install the
// caller's command, spin until all_runs_complete(), then bound-loop killing
// any stragglers before returning (resolving spec.md §9's second Open
// Question via cfg.MaxKillShutdownCycles).
func (rm *RunManager) Run(cmd wire.CmdPayload) error {
	rm.cmd.set(cmd)

	var group int32
	rm.loop.SubmitSync(func() {
		group = rm.sched.GroupID() + 1
		rm.sched.SetGroupID(group)
	})
	rm.log.Printf("run(): starting group %d", group)

	for {
		var done bool
		rm.loop.SubmitSync(func() { done = rm.sched.AllRunsComplete() })
		if done {
			break
		}
		time.Sleep(rm.tick)
	}

	for cycle := 0; cycle < rm.cfg.MaxKillShutdownCycles; cycle++ {
		var anyActive bool
		rm.loop.SubmitSync(func() {
			for _, w := range rm.reg.All() {
				if w.State == registry.StateActive {
					rm.sched.KillRuns(w.RunID)
					anyActive = true
				}
			}
		})
		if !anyActive {
			break
		}
		time.Sleep(rm.tick)
	}

	rm.log.Printf("run(): group %d complete, %d done / %d failed", group, rm.sched.RunsDone(), rm.sched.RunsFailed())
	return nil
}

// Progress returns a snapshot of current queue/worker/completion counts
// (SPEC_FULL.md §4.3's supplemented echo()).
func (rm *RunManager) Progress() Snapshot {
	var snap Snapshot
	rm.loop.SubmitSync(func() {
		snap.Queued = rm.sched.QueueLen()
		snap.Done = rm.sched.RunsDone()
		snap.Failed = rm.sched.RunsFailed()
		snap.Workers = rm.reg.Count()
		for _, w := range rm.reg.All() {
			if w.State == registry.StateActive {
				snap.Active++
			}
		}
	})
	return snap
}

// Reinitialize implements spec.md §4.6's reinitialize: truncate in-memory
// state and open a fresh store at storePath, allocating a new group id so
// any stale completions still in flight from the old batch are fenced out.
func (rm *RunManager) Reinitialize(storePath string) error {
	newStore, err := store.New(storePath, rm.cfg.MaxNFailure)
	if err != nil {
		return fmt.Errorf("runmgr: reinitialize: open store: %w", err)
	}

	rm.storeMu.Lock()
	oldStore := rm.store
	rm.store = newStore
	rm.storeMu.Unlock()

	rm.loop.SubmitSync(func() {
		rm.sched.SetStore(newStore)
		rm.loop.SetStore(newStore)
		rm.sched.Reset()
		rm.sched.SetGroupID(rm.sched.GroupID() + 1)
	})
	return oldStore.Close()
}

// InitializeRestart implements spec.md §4.6's initialize_restart: open an
// existing store and re-queue every non-COMPLETED run id.
func (rm *RunManager) InitializeRestart(storePath string) error {
	newStore, err := store.Open(storePath, rm.cfg.MaxNFailure)
	if err != nil {
		return fmt.Errorf("runmgr: initialize_restart: open store: %w", err)
	}

	rm.storeMu.Lock()
	oldStore := rm.store
	rm.store = newStore
	rm.storeMu.Unlock()

	outstanding := newStore.GetOutstandingRunIDs()
	rm.loop.SubmitSync(func() {
		rm.sched.SetStore(newStore)
		rm.loop.SetStore(newStore)
		rm.sched.Reset()
		for _, id := range outstanding {
			rm.sched.Enqueue(id)
		}
	})
	rm.log.Printf("initialize_restart: re-queued %d outstanding run(s)", len(outstanding))
	return oldStore.Close()
}
