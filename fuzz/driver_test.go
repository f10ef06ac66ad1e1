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

package fuzz

import (
	"context"
	"os"
	"testing"

	_ "github.com/gmofishsauce/simfuzz/arch/x86"
	"github.com/gmofishsauce/simfuzz/classify"
	"github.com/gmofishsauce/simfuzz/internal/fakesim"
	"github.com/gmofishsauce/simfuzz/placement"
)

// TestFullIterationCycle drives one whole §4.7 cycle end to end against
// fakesim: magic start, one traced cmp instruction, magic stop, seal, and
// restore, checking the state machine lands back at WaitingStart with the
// machine restored to its pre-fuzz snapshot.
func TestFullIterationCycle(t *testing.T) {
	m := fakesim.New("x86-64", 0xc000_0000)
	m.SetReg("rax", 0x2a)

	mut := NewByteMutator([][]byte{[]byte("ABCDE")}, 16)
	cfg := DefaultConfig()
	d, err := New(m, mut, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Configure()
	if d.State() != WaitingStart {
		t.Fatalf("state after Configure = %v, want WaitingStart", d.State())
	}

	ctx := context.Background()
	const bufferVA, sinkVA = 0xdead0000, 0xbeef0000
	if err := d.StartFromMagic(ctx, placement.SelectorStart, bufferVA, 0x10, sinkVA); err != nil {
		t.Fatalf("StartFromMagic: %v", err)
	}
	if d.State() != Running {
		t.Fatalf("state after start = %v, want Running", d.State())
	}

	// cmp rax, 0x2a; rax == 0x2a (§8 x86-64 edge trace scenario).
	if err := d.OnInstruction(0x400000, []byte{0x48, 0x83, 0xf8, 0x2a}); err != nil {
		t.Fatalf("OnInstruction: %v", err)
	}
	// call +0 at 0x400100 emits an edge at its target 0x400105 (§8
	// x86-64 call scenario).
	if err := d.OnInstruction(0x400100, []byte{0xe8, 0x00, 0x00, 0x00, 0x00}); err != nil {
		t.Fatalf("OnInstruction: %v", err)
	}

	d.OnMagicStop(0)
	if d.State() != Stopping {
		t.Fatalf("state after magic stop = %v, want Stopping", d.State())
	}

	out, err := d.Seal()
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if out.Kind != classify.NormalStop {
		t.Fatalf("outcome = %v, want NormalStop", out.Kind)
	}
	allZero := true
	for _, b := range out.Coverage {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Fatal("coverage map is all zero after a call instruction was traced")
	}

	if err := d.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if d.State() != WaitingStart {
		t.Fatalf("state after restore = %v, want WaitingStart", d.State())
	}
	if got, _ := m.ReadReg("rax"); got != 0x2a {
		t.Fatalf("rax after restore = 0x%x, want 0x2a", got)
	}
}

// TestCrashTransitionsAndArchives exercises the Crashing path and the
// crash-artifact layout (§6): a page fault on x86-64 lands the driver in
// Crashing, and Seal archives the input by sha256 fingerprint.
func TestCrashTransitionsAndArchives(t *testing.T) {
	m := fakesim.New("x86-64", 4096)
	mut := NewByteMutator([][]byte{[]byte("X")}, 4)
	cfg := DefaultConfig()
	cfg.CrashDir = t.TempDir()
	d, err := New(m, mut, cfg)
	if err != nil {
		t.Fatal(err)
	}
	d.Configure()
	ctx := context.Background()
	if err := d.StartFromMagic(ctx, placement.SelectorStart, 0x100, 0x10, 0x200); err != nil {
		t.Fatal(err)
	}
	d.OnException(14) // page fault
	if d.State() != Crashing {
		t.Fatalf("state = %v, want Crashing", d.State())
	}
	out, err := d.Seal()
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != classify.Crash || out.ExceptionID != 14 {
		t.Fatalf("outcome = %+v, want Crash(14)", out)
	}
	entries, err := os.ReadDir(cfg.CrashDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("crash dir has %d entries, want 1", len(entries))
	}
}

// TestTimeoutStopsCPU checks the §4.7/§5 timeout path: once elapsed
// simulated cycles exceed the budget, the next instruction callback
// moves the driver to TimingOut and requests the host stop the CPU,
// and Seal classifies the iteration as a Timeout.
func TestTimeoutStopsCPU(t *testing.T) {
	m := fakesim.New("x86-64", 4096)
	mut := NewByteMutator([][]byte{[]byte("T")}, 4)
	cfg := DefaultConfig()
	cfg.TimeoutCycles = 1000
	d, err := New(m, mut, cfg)
	if err != nil {
		t.Fatal(err)
	}
	d.Configure()
	ctx := context.Background()
	if err := d.StartFromMagic(ctx, placement.SelectorStart, 0x100, 0x10, 0x200); err != nil {
		t.Fatal(err)
	}

	m.Step(1000)
	if err := d.OnInstruction(0x400000, []byte{0x90}); err != nil {
		t.Fatal(err)
	}
	if d.State() != Running {
		t.Fatalf("state at exactly T cycles = %v, want Running", d.State())
	}

	m.Step(1)
	if err := d.OnInstruction(0x400001, []byte{0x90}); err != nil {
		t.Fatal(err)
	}
	if d.State() != TimingOut {
		t.Fatalf("state at T+1 cycles = %v, want TimingOut", d.State())
	}
	if !m.Stopped() {
		t.Fatal("expected the driver to request the host stop the CPU")
	}

	out, err := d.Seal()
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != classify.Timeout {
		t.Fatalf("outcome = %v, want Timeout", out.Kind)
	}
}

// TestIndirectBranchEdgeDeferred checks that a return's edge lands at
// the pc actually executed next, not at the return instruction itself.
func TestIndirectBranchEdgeDeferred(t *testing.T) {
	m := fakesim.New("x86-64", 4096)
	mut := NewByteMutator([][]byte{[]byte("R")}, 4)
	d, err := New(m, mut, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	d.Configure()
	ctx := context.Background()
	if err := d.StartFromMagic(ctx, placement.SelectorStart, 0x100, 0x10, 0x200); err != nil {
		t.Fatal(err)
	}

	// ret at 0x400000, then the next retired instruction at 0x401234.
	if err := d.OnInstruction(0x400000, []byte{0xc3}); err != nil {
		t.Fatal(err)
	}
	var before [65536]byte
	copy(before[:], d.cov.Bytes())
	if err := d.OnInstruction(0x401234, []byte{0x90}); err != nil {
		t.Fatal(err)
	}
	changed := false
	for i, b := range d.cov.Bytes() {
		if b != before[i] {
			changed = true
			break
		}
	}
	if !changed {
		t.Fatal("deferred edge was not recorded at the successor pc")
	}
}
