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

// Package arch selects and names the per-architecture tracer capability
// set (C1/C2). Implementations live in arch/x86 and arch/arm64; which one
// is used is decided once, at start, by querying the simulator's reported
// architecture (§9 "Dynamic dispatch across architectures") rather than
// through open interface inheritance.
package arch

import (
	"fmt"

	"github.com/gmofishsauce/simfuzz/sim"
	"github.com/gmofishsauce/simfuzz/trace"
)

// DecodeError is returned by Tracer.Disassemble for unrecognized or
// truncated instruction bytes; it is always recoverable (§7).
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: %s", e.Reason)
}

// Tracer is the capability set §4.1 and §4.2 describe: disassemble one
// instruction, classify it, and (for comparisons) extract its operand
// expression trees.
type Tracer interface {
	// Disassemble decodes exactly one instruction from the start of
	// bytes, or returns a *DecodeError. pc is the instruction's own
	// address, needed to resolve pc-relative branch targets. It must
	// not panic on truncated or malformed input.
	Disassemble(bytes []byte, pc uint64) error

	// Length reports how many bytes the last successfully disassembled
	// instruction occupied.
	Length() int

	LastWasBranch() bool
	LastWasCall() bool
	LastWasReturn() bool
	LastWasCmp() bool

	// OperandsOfCmp returns the operand expression trees for the last
	// instruction, when it was classified as a comparison; the first two
	// in source order are used, per §4.1's "more than two operands" edge
	// case.
	OperandsOfCmp() []trace.Operand

	// BranchTarget reports a statically known destination for the last
	// branch/call/return instruction (direct, pc-relative forms only);
	// ok is false for indirect forms, where the destination is only
	// observable from the machine's program counter on the next
	// callback.
	BranchTarget() (pc uint64, ok bool)
}

// NewFunc constructs a fresh, stateful Tracer instance.
type NewFunc func() Tracer

// Validator checks a live machine against the assumptions an architecture
// package's decoder makes beyond the reported architecture name alone; it
// returns a non-nil error to fail initialization rather than proceed with
// degraded semantics (§4.1 edge case). A nil Validator means the
// architecture has no such check.
type Validator func(m sim.Machine) error

type registration struct {
	ctor     NewFunc
	validate Validator
}

var registry = map[string]registration{}

// Register adds an architecture implementation under the name the host
// simulator reports via Machine.Architecture, with an optional Validator
// run once at selection time. Called from each arch/* subpackage's init.
func Register(name string, ctor NewFunc, validate Validator) {
	registry[name] = registration{ctor: ctor, validate: validate}
}

// ForName selects the Tracer implementation for m's reported architecture
// ("x86-64" or "aarch64"), running that architecture's Validator (if any)
// against m first and failing closed rather than proceeding with degraded
// semantics (§4.1 edge case: "when the architecture reports x86-64 but
// all registers are 32-bit names, fail initialization").
func ForName(m sim.Machine) (Tracer, error) {
	name := m.Architecture()
	reg, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("arch: no tracer registered for %q", name)
	}
	if reg.validate != nil {
		if err := reg.validate(m); err != nil {
			return nil, fmt.Errorf("arch: %q: %w", name, err)
		}
	}
	return reg.ctor(), nil
}