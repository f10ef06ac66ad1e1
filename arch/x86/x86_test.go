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

package x86

import (
	"context"
	"testing"

	"github.com/gmofishsauce/simfuzz/trace"
)

// fakeRegs is a minimal trace.MachineReader backing register reads with a
// fixed map, enough to evaluate the operand trees this package builds.
type fakeRegs map[string]uint64

func (f fakeRegs) ReadReg(name string) (uint64, error) { return f[name], nil }
func (f fakeRegs) ReadMem(_ context.Context, _ uint64, width int) ([]byte, error) {
	return make([]byte, width), nil
}

func TestDisassembleCmpRaxImm8(t *testing.T) {
	tr := &Tracer{}
	// 48 83 f8 2a : REX.W 83 /7 ib -> cmp rax, 0x2a
	bytes := []byte{0x48, 0x83, 0xf8, 0x2a}
	if err := tr.Disassemble(bytes, 0x400000); err != nil {
		t.Fatalf("Disassemble: %v", err)
	}
	if tr.Length() != len(bytes) {
		t.Fatalf("length = %d, want %d", tr.Length(), len(bytes))
	}
	if !tr.LastWasCmp() {
		t.Fatal("expected LastWasCmp")
	}
	ops := tr.OperandsOfCmp()
	if len(ops) != 2 {
		t.Fatalf("expected 2 cmp operands, got %d", len(ops))
	}

	ev := &trace.Evaluator{Machine: fakeRegs{"rax": 0x2a}}
	lhs, err := ev.Eval(ops[0])
	if err != nil {
		t.Fatalf("eval lhs: %v", err)
	}
	rhs, err := ev.Eval(ops[1])
	if err != nil {
		t.Fatalf("eval rhs: %v", err)
	}
	if lhs.Uint64() != 0x2a || rhs.Uint64() != 0x2a {
		t.Fatalf("cmp values = %s, %s; want u64(0x2a), u64(0x2a)", lhs, rhs)
	}
	pred := trace.PredicateKinds(lhs, rhs)
	if pred&trace.Equal == 0 || pred&trace.Greater == 0 {
		t.Fatalf("predicate = %d, want Equal|Greater set", pred)
	}
}

func TestDisassembleCallRel32(t *testing.T) {
	tr := &Tracer{}
	// e8 00 00 00 00 : call +0, at pc 0x400100
	bytes := []byte{0xe8, 0x00, 0x00, 0x00, 0x00}
	if err := tr.Disassemble(bytes, 0x400100); err != nil {
		t.Fatalf("Disassemble: %v", err)
	}
	if !tr.LastWasCall() {
		t.Fatal("expected LastWasCall")
	}
	target, ok := tr.BranchTarget()
	if !ok {
		t.Fatal("expected resolvable branch target")
	}
	if target != 0x400105 {
		t.Fatalf("target = 0x%x, want 0x400105", target)
	}
}

func TestDisassembleTruncatedReturnsError(t *testing.T) {
	tr := &Tracer{}
	if err := tr.Disassemble([]byte{0x48, 0x83}, 0x1000); err == nil {
		t.Fatal("expected decode error for truncated group1 imm8 instruction")
	}
}

func TestDisassembleIndirectCallUnresolved(t *testing.T) {
	tr := &Tracer{}
	// ff d0 : call rax (ModRM mod=3 reg=2 rm=0)
	bytes := []byte{0xff, 0xd0}
	if err := tr.Disassemble(bytes, 0x1000); err != nil {
		t.Fatalf("Disassemble: %v", err)
	}
	if !tr.LastWasCall() {
		t.Fatal("expected LastWasCall for ff /2")
	}
	if _, ok := tr.BranchTarget(); ok {
		t.Fatal("expected indirect call target to be unresolved")
	}
}