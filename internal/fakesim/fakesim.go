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

// Package fakesim is a test and demo sim.Machine, adapted from the
// teacher's CPU type (emul/cpu.go: flat register arrays, a single physMem
// buffer, Reset/Run) into a generic register-name-keyed machine any
// architecture package's tests can drive without a real simulator.
// cmd/simfuzz also uses it as the machine for its demo session.
package fakesim

import (
	"context"
	"fmt"
	"sync"

	"github.com/gmofishsauce/simfuzz/sim"
)

// pageSize and pageMask follow the teacher's own MMU page granularity
// (emul/memory.go's PAGE_SIZE), reused here so sparse pages amortize
// nicely over the small writes placement/snapshot tests perform.
const (
	pageSize = 4096
	pageMask = pageSize - 1
)

// Machine is an in-memory stand-in for a host simulator: named registers,
// a sparse page-addressed memory space (so tests can write at arbitrary
// high virtual addresses without allocating a full flat buffer), and a
// cycle counter, with snapshot/restore implemented as a deep copy
// (mirroring emul.CPU.Reset's approach of just re-zeroing state rather
// than diffing it).
type Machine struct {
	mu sync.Mutex

	arch    string
	regs    map[string]uint64
	known   map[string]bool
	pages   map[uint64]*[pageSize]byte

	cycles  uint64
	stopped bool

	exceptions []sim.Exception
}

// canonicalRegs names the register file a correctly configured host
// exposes for each supported architecture, used to seed HasReg. x86-64
// lists only the 64-bit GPR names: a host that instead surfaced the
// 32-bit names (eax, ebx, ...) would be the misconfigured host §4.1's
// edge case guards against.
var canonicalRegs = map[string][]string{
	"x86-64": {
		"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15", "rip",
	},
	"aarch64": {
		"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7", "x8", "x9",
		"x10", "x11", "x12", "x13", "x14", "x15", "x16", "x17", "x18",
		"x19", "x20", "x21", "x22", "x23", "x24", "x25", "x26", "x27",
		"x28", "x29", "x30", "sp", "pc",
	},
}

// New creates a Machine reporting the given architecture name ("x86-64" or
// "aarch64"), with its register file seeded from canonicalRegs so HasReg
// reflects a correctly configured host of that architecture. memSize is
// retained for API compatibility with earlier flat-buffer callers but no
// longer bounds addressable memory: pages are allocated on first touch.
func New(arch string, memSize int) *Machine {
	return NewWithRegisters(arch, memSize, canonicalRegs[arch])
}

// NewWithRegisters creates a Machine whose register file exposes exactly
// registerNames, regardless of what arch would normally seed. It exists to
// exercise a misconfigured host — e.g. one that reports "x86-64" but only
// exposes 32-bit register names — the way arch.ForName's init-time
// validation (§4.1 edge case) is meant to catch.
func NewWithRegisters(arch string, memSize int, registerNames []string) *Machine {
	known := make(map[string]bool, len(registerNames))
	for _, name := range registerNames {
		known[name] = true
	}
	return &Machine{
		arch:  arch,
		regs:  make(map[string]uint64),
		known: known,
		pages: make(map[uint64]*[pageSize]byte),
	}
}

func (m *Machine) Architecture() string { return m.arch }

func (m *Machine) HasReg(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.known[name]
}

func (m *Machine) SetReg(name string, v uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[name] = v
}

func (m *Machine) ReadReg(name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[name], nil
}

func (m *Machine) WriteReg(name string, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[name] = value
	return nil
}

func (m *Machine) page(va uint64, create bool) *[pageSize]byte {
	base := va &^ pageMask
	p, ok := m.pages[base]
	if !ok {
		if !create {
			return nil
		}
		p = &[pageSize]byte{}
		m.pages[base] = p
	}
	return p
}

func (m *Machine) ReadMem(_ context.Context, va uint64, width int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, width)
	for i := 0; i < width; i++ {
		addr := va + uint64(i)
		p := m.page(addr, false)
		if p != nil {
			out[i] = p[addr&pageMask]
		}
	}
	return out, nil
}

func (m *Machine) WriteMem(_ context.Context, va uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range data {
		addr := va + uint64(i)
		p := m.page(addr, true)
		p[addr&pageMask] = b
	}
	return nil
}

func (m *Machine) Translate(va uint64, _ bool) (uint64, error) {
	return va, nil
}

func (m *Machine) SimCycles() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycles
}

// Step advances the cycle counter, standing in for whatever real
// instruction-retire accounting the host simulator does.
func (m *Machine) Step(cycles uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles += cycles
}

// snapshot is the deep-copied state TakeSnapshot captures.
type snapshot struct {
	regs   map[string]uint64
	pages  map[uint64]*[pageSize]byte
	cycles uint64
}

func (m *Machine) TakeSnapshot(_ string) (sim.SnapshotHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &snapshot{
		regs:   make(map[string]uint64, len(m.regs)),
		pages:  make(map[uint64]*[pageSize]byte, len(m.pages)),
		cycles: m.cycles,
	}
	for k, v := range m.regs {
		s.regs[k] = v
	}
	for base, p := range m.pages {
		cp := *p
		s.pages[base] = &cp
	}
	return s, nil
}

func (m *Machine) RestoreSnapshot(h sim.SnapshotHandle) error {
	s, ok := h.(*snapshot)
	if !ok {
		return fmt.Errorf("fakesim: restore with foreign snapshot handle %T", h)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs = make(map[string]uint64, len(s.regs))
	for k, v := range s.regs {
		m.regs[k] = v
	}
	m.pages = make(map[uint64]*[pageSize]byte, len(s.pages))
	for base, p := range s.pages {
		cp := *p
		m.pages[base] = &cp
	}
	m.cycles = s.cycles
	return nil
}

func (m *Machine) StopCPU() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *Machine) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// RaiseException queues a host exception for classify to observe; a real
// simulator would report this through its own callback mechanism.
func (m *Machine) RaiseException(e sim.Exception) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exceptions = append(m.exceptions, e)
}

// NextException pops the oldest queued exception, if any.
func (m *Machine) NextException() (sim.Exception, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.exceptions) == 0 {
		return sim.Exception{}, false
	}
	e := m.exceptions[0]
	m.exceptions = m.exceptions[1:]
	return e, true
}
