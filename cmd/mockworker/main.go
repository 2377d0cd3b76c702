// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

/*
Starts a specific number of reference worker processes that dial a run
manager and speak the wire protocol, running a trivial linear model
(observation = k * parameter) in place of the external model executable
spec.md leaves unspecified.

For usage details, run mockworker with the command line flag -h or --help.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/npp2016/pestpp/internal/rmlog"
	"github.com/npp2016/pestpp/internal/wire"
)

const (
	defaultWorkers = 4   // default number of mock workers
	maxWorkers     = 100 // maximum number of mock workers
)

func main() {
	var managerAddr string
	var help bool
	var log bool
	var slope float64

	flag.Usage = usage
	flag.StringVar(&managerAddr, "a", "localhost:4004", "address (host:port) of the run manager")
	flag.BoolVar(&help, "h", false, "Show usage information")
	flag.BoolVar(&log, "l", false, "Show logging output (for debugging)")
	flag.Float64Var(&slope, "k", 2.0, "slope of the linear model observation = k * parameter")
	flag.Parse()

	if flag.Arg(1) != "" || help {
		usage()
		os.Exit(0)
	}

	if log {
		rmlog.Enable()
	}

	count, err := strconv.Atoi(flag.Arg(0))
	if err != nil && flag.Arg(0) == "" {
		count = defaultWorkers
	} else if err != nil || count < 1 || count > maxWorkers {
		fmt.Printf("Number of workers must be between 1 and %d\n", maxWorkers)
		return
	}

	fmt.Printf("Starting %d mock workers against %s...\n", count, managerAddr)

	ctx, cancel := context.WithCancel(context.Background())
	signaled := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer close(signaled)
		fmt.Printf("Terminating mock workers on signal %v...\n", <-sigCh)
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		id := i
		g.Go(func() error {
			return runWorker(gctx, id, managerAddr, slope)
		})
	}

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "mockworker: %v\n", err)
		os.Exit(1)
	}
}

// runWorker dials the manager with exponential backoff, then answers every
// frame the manager sends for as long as ctx is alive.
func runWorker(ctx context.Context, id int, managerAddr string, slope float64) error {
	log := rmlog.New("mockworker[%d] ", id)

	var conn net.Conn
	dial := func() error {
		var err error
		conn, err = net.Dial("tcp", managerAddr)
		return err
	}
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(dial, bo); err != nil {
		return fmt.Errorf("mockworker[%d]: dial %s: %w", id, managerAddr, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		f, err := wire.ReadFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("mockworker[%d]: read: %w", id, err)
		}

		switch f.Type {
		case wire.PacketReqRunDir:
			wd := fmt.Sprintf("/tmp/mockworker-%d", id)
			log.Printf("working directory %s", wd)
			if err := wire.WriteFrame(conn, wire.NewFrame(wire.PacketRunDir, 0, 0, wd, nil)); err != nil {
				return err
			}
		case wire.PacketCmd:
			cmd, err := wire.DecodeCmdPayload(f.Payload)
			if err != nil {
				return fmt.Errorf("mockworker[%d]: decode CMD: %w", id, err)
			}
			log.Printf("received command %q", cmd.CommandLine)
			if err := wire.WriteFrame(conn, wire.NewFrame(wire.PacketReady, 0, 0, "", nil)); err != nil {
				return err
			}
		case wire.PacketReqLinpack:
			time.Sleep(5 * time.Millisecond) // stand-in for a real benchmark
			if err := wire.WriteFrame(conn, wire.NewFrame(wire.PacketLinpack, 0, 0, "", nil)); err != nil {
				return err
			}
		case wire.PacketStartRun:
			params, err := wire.DecodeFloat64Slice(f.Payload)
			if err != nil {
				return fmt.Errorf("mockworker[%d]: decode START_RUN: %w", id, err)
			}
			obs := make([]float64, len(params))
			for i, p := range params {
				obs[i] = slope * p
			}
			result := wire.RunResultPayload{Parameters: params, Observations: obs}
			out := wire.NewFrame(wire.PacketRunFinished, f.GroupID, f.RunID, "", result.Encode())
			if err := wire.WriteFrame(conn, out); err != nil {
				return err
			}
		case wire.PacketPing:
			if err := wire.WriteFrame(conn, wire.NewFrame(wire.PacketPing, 0, 0, "", nil)); err != nil {
				return err
			}
		case wire.PacketReqKill:
			if err := wire.WriteFrame(conn, wire.NewFrame(wire.PacketRunKilled, 0, f.RunID, "", nil)); err != nil {
				return err
			}
		case wire.PacketTerminate:
			return nil
		}
	}
}

func usage() {
	fmt.Printf(`usage: mockworker [-h|--help] [-l] [-a managerAddr] [-k slope] [count]

Starts the given number of reference worker processes (default %d, maximum
%d), each running observation = k * parameter.

Flags:
`, defaultWorkers, maxWorkers)
	flag.PrintDefaults()
}
