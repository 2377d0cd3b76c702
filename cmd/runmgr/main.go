// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

/*
Starts a run manager that listens for worker connections and dispatches a
small built-in parameter sweep to them, standing in for the external
optimization solver spec.md names as out of scope.

For usage details, run runmgr with the command line flag -h or --help.
*/
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	runmgr "github.com/npp2016/pestpp"
	"github.com/npp2016/pestpp/internal/wire"
)

func main() {
	var listenAddr string
	var storePath string
	var restart bool
	var maxNFailure int
	var sweepSpec string
	var help bool
	var verbose bool
	var backlog int
	var useEpoll bool

	flag.Usage = usage
	flag.StringVar(&listenAddr, "a", ":4004", "address (host:port) to listen for worker connections")
	flag.StringVar(&storePath, "s", "runmgr.store", "run store file path")
	flag.BoolVar(&restart, "r", false, "resume from an existing store at -s instead of starting fresh")
	flag.IntVar(&maxNFailure, "f", 3, "maximum dispatch failures before a run is marked FAILED")
	flag.StringVar(&sweepSpec, "sweep", "0:1:10", "start:step:count parameter sweep to submit as runs")
	flag.IntVar(&backlog, "backlog", 64, "listener accept backlog (Linux only)")
	flag.BoolVar(&useEpoll, "epoll", false, "serve worker connections through an epoll accept loop (Linux only)")
	flag.BoolVar(&help, "h", false, "Show usage information")
	flag.BoolVar(&verbose, "l", false, "Show logging output (for debugging)")
	flag.Parse()

	if help {
		usage()
		os.Exit(0)
	}

	cfg := runmgr.DefaultConfig()
	cfg.ListenAddr = listenAddr
	cfg.StorePath = storePath
	if restart {
		// New truncates cfg.StorePath, so its initial store goes to the null
		// device and InitializeRestart below replays the file at storePath.
		cfg.StorePath = os.DevNull
	}
	cfg.MaxNFailure = maxNFailure
	cfg.Scheduler.MaxNFailure = maxNFailure
	cfg.Verbose = verbose
	cfg.Backlog = backlog
	cfg.UseEpoll = useEpoll

	rm, err := runmgr.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "runmgr: %v\n", err)
		os.Exit(1)
	}
	defer rm.Close()

	if restart {
		if err := rm.InitializeRestart(storePath); err != nil {
			fmt.Fprintf(os.Stderr, "runmgr: restart: %v\n", err)
			os.Exit(1)
		}
	} else {
		for _, p := range parseSweep(sweepSpec) {
			if _, err := rm.AddRun([]float64{p}, "sweep", p); err != nil {
				fmt.Fprintf(os.Stderr, "runmgr: add_run: %v\n", err)
				os.Exit(1)
			}
		}
	}

	// Handle SIGTERM.
	signaled := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer close(signaled)
		fmt.Printf("Terminating run manager on signal %v...\n", <-sigCh)
	}()

	completed := make(chan error, 1)
	go func() {
		completed <- rm.Run(wire.CmdPayload{
			CommandLine:      "run_model.sh",
			ParameterNames:   []string{"p"},
			ObservationNames: []string{"obs"},
		})
	}()

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			snap := rm.Progress()
			fmt.Printf("queued=%d active=%d done=%d failed=%d workers=%d\n",
				snap.Queued, snap.Active, snap.Done, snap.Failed, snap.Workers)
		}
	}()

	select {
	case <-signaled:
	case err := <-completed:
		if err != nil {
			fmt.Fprintf(os.Stderr, "runmgr: run: %v\n", err)
			os.Exit(1)
		}
	}
}

// parseSweep parses a "start:step:count" spec into count evenly spaced
// parameter values.
func parseSweep(spec string) []float64 {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 {
		return nil
	}
	start, err1 := strconv.ParseFloat(parts[0], 64)
	step, err2 := strconv.ParseFloat(parts[1], 64)
	count, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil || count < 0 {
		return nil
	}
	out := make([]float64, count)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func usage() {
	fmt.Printf(`usage: runmgr [-h|--help] [-l] [-a addr] [-s storePath] [-r] [-f maxNFailure] [-sweep start:step:count] [-backlog n] [-epoll]

Starts a run manager listening for worker connections and dispatches a
parameter sweep to them.

Flags:
`)
	flag.PrintDefaults()
}
