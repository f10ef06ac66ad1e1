// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.

// Command simfuzz wires fuzz.Driver and control.Surface to a built-in
// demo machine (internal/fakesim) and drives a fuzzing session from the
// command line, exactly the way emul/main.go wires a CPU to a binary
// file and a trace file from flag.FlagSet-parsed options.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gmofishsauce/simfuzz/attr"
	"github.com/gmofishsauce/simfuzz/control"
	"github.com/gmofishsauce/simfuzz/fuzz"
	"github.com/gmofishsauce/simfuzz/internal/console"
	"github.com/gmofishsauce/simfuzz/internal/fakesim"
	"github.com/gmofishsauce/simfuzz/placement"

	_ "github.com/gmofishsauce/simfuzz/arch/arm64"
	_ "github.com/gmofishsauce/simfuzz/arch/x86"

	. "github.com/gmofishsauce/simfuzz/internal/slog"
)

var (
	archFlag      = flag.String("arch", "x86-64", "Guest architecture (x86-64 or aarch64)")
	memSize       = flag.Int("mem-size", 1<<20, "Demo machine address space size, bytes")
	maxIterations = flag.Int("max-iterations", 1000, "Stop after N sealed iterations (0 = unlimited)")
	timeoutCycles = flag.Uint64("timeout-cycles", 1_000_000, "Per-iteration simulated-cycle timeout")
	crashDir      = flag.String("crash-dir", "crashes", "Directory archived crash inputs are written to")
	seedFile      = flag.String("seed", "", "Seed file for the demo byte mutator (default: a few builtin seeds)")
	verbosity     = flag.Int("v", 0, "Log verbosity level")
	interactive   = flag.Bool("interactive", false, "Put stdin in raw mode for the session (console commands are not read)")
	showVersion   = flag.Bool("version", false, "Show version and exit")
)

const version = "1.0.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "simfuzz - coverage-guided fuzzing driver over a simulated machine\n\n")
	fmt.Fprintf(os.Stderr, "Options:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("simfuzz v%s\n", version)
		os.Exit(0)
	}

	SetLevel(*verbosity)

	seeds := [][]byte{[]byte("A"), []byte("ABCD"), []byte("\x00\x00\x00\x00")}
	if *seedFile != "" {
		data, err := os.ReadFile(*seedFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading seed file: %v\n", err)
			os.Exit(1)
		}
		seeds = [][]byte{data}
	}

	machine := fakesim.New(*archFlag, *memSize)
	mutator := fuzz.NewByteMutator(seeds, 256)

	surface, err := control.New(machine, mutator)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building control surface: %v\n", err)
		os.Exit(1)
	}
	surface.SetCrashDir(*crashDir)
	surface.SetMaxIterations(*maxIterations)

	if err := surface.SetConfig("timeout_cycles", attr.Unsigned(*timeoutCycles)); err != nil {
		fmt.Fprintf(os.Stderr, "Error setting timeout_cycles: %v\n", err)
		os.Exit(1)
	}
	if err := surface.Configure(); err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring session: %v\n", err)
		os.Exit(1)
	}

	var con *console.Console
	if *interactive {
		con, err = console.Open()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening console: %v\n", err)
			os.Exit(1)
		}
		defer con.Close()
	}

	startTime := time.Now()
	iterations := runLoop(surface)
	elapsed := time.Since(startTime)

	fmt.Fprintf(os.Stderr, "\n========================================\n")
	fmt.Fprintf(os.Stderr, "Session completed: %d iterations in %v\n", iterations, elapsed.Round(time.Millisecond))
	if elapsed.Seconds() > 0 {
		fmt.Fprintf(os.Stderr, "Rate: %.1f iter/s\n", float64(iterations)/elapsed.Seconds())
	}
}

// runLoop drives demo iterations end to end against the fake machine: a
// synthetic magic-start, a handful of synthetic traced instructions, and
// a magic-stop, repeated until the driver reaches its iteration budget
// or the session receives SIGINT/SIGTERM. Each Seal/Restore pair is a
// snapshot-restore critical section masked from those signals the same
// way a real driver would protect a restore from being interrupted
// mid-flight (DOMAIN STACK: golang.org/x/sys/unix signal numbers).
func runLoop(surface *control.Surface) int {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, unix.SIGINT, unix.SIGTERM)
	var stop atomic.Bool
	go func() {
		<-sigChan
		Logf(0, "simfuzz: signal received, stopping after current iteration")
		stop.Store(true)
	}()

	ctx := context.Background()
	const cpu = 0
	const bufferVA, sinkVA = 0x1000, 0x2000
	n := 0
	for !stop.Load() && surface.State() != fuzz.Stopped {
		if err := surface.OnMagic(ctx, cpu, placement.SelectorStart, bufferVA, 0x40, sinkVA); err != nil {
			Logf(0, "simfuzz: start event: %v", err)
			break
		}
		if err := surface.OnInstructionBefore(cpu, 0x400000, []byte{0x48, 0x83, 0xf8, 0x00}); err != nil {
			Logf(0, "simfuzz: instruction callback: %v", err)
		}
		if err := surface.OnInstructionBefore(cpu, 0x400004, []byte{0xe8, 0x00, 0x00, 0x00, 0x00}); err != nil {
			Logf(0, "simfuzz: instruction callback: %v", err)
		}
		if err := surface.OnMagic(ctx, cpu, placement.SelectorStop, 0, 0, 0); err != nil {
			Logf(0, "simfuzz: stop event: %v", err)
			break
		}

		signal.Ignore(unix.SIGINT, unix.SIGTERM)
		out, err := surface.Seal()
		if err != nil {
			signal.Notify(sigChan, unix.SIGINT, unix.SIGTERM)
			Logf(0, "simfuzz: seal: %v", err)
			break
		}
		restoreErr := surface.Restore()
		signal.Notify(sigChan, unix.SIGINT, unix.SIGTERM)
		if restoreErr != nil {
			Logf(0, "simfuzz: restore: %v", restoreErr)
			break
		}

		n++
		Logf(2, "simfuzz: iteration %d outcome=%d", n, out.Kind)
	}
	return n
}
