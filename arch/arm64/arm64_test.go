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

package arm64

import (
	"context"
	"testing"

	"github.com/gmofishsauce/simfuzz/trace"
)

type fakeRegs map[string]uint64

func (f fakeRegs) ReadReg(name string) (uint64, error) { return f[name], nil }
func (f fakeRegs) ReadMem(_ context.Context, _ uint64, width int) ([]byte, error) {
	return make([]byte, width), nil
}

func TestDisassembleCmpW0Imm(t *testing.T) {
	tr := &Tracer{}
	// 1f 0c 00 71 (little-endian word 0x71000c1f): cmp w0, #0x3
	bytes := []byte{0x1f, 0x0c, 0x00, 0x71}
	if err := tr.Disassemble(bytes, 0x400000); err != nil {
		t.Fatalf("Disassemble: %v", err)
	}
	if tr.Length() != 4 {
		t.Fatalf("length = %d, want 4", tr.Length())
	}
	if !tr.LastWasCmp() {
		t.Fatal("expected LastWasCmp")
	}
	ops := tr.OperandsOfCmp()
	if len(ops) != 2 {
		t.Fatalf("expected 2 cmp operands, got %d", len(ops))
	}
	ev := &trace.Evaluator{Machine: fakeRegs{"w0": 3}}
	lhs, err := ev.Eval(ops[0])
	if err != nil {
		t.Fatalf("eval lhs: %v", err)
	}
	rhs, err := ev.Eval(ops[1])
	if err != nil {
		t.Fatalf("eval rhs: %v", err)
	}
	if lhs.Uint64() != 3 || rhs.Uint64() != 3 {
		t.Fatalf("cmp values = %s, %s; want u32(3), u32(3)", lhs, rhs)
	}
	pred := trace.PredicateKinds(lhs, rhs)
	if pred&trace.Equal == 0 {
		t.Fatalf("predicate = %d, want Equal set", pred)
	}
}

func TestDisassembleUnconditionalBranchLink(t *testing.T) {
	tr := &Tracer{}
	// bl +0: 1001 0100 0000 0000 0000 0000 0000 0000 = 0x94000000
	bytes := []byte{0x00, 0x00, 0x00, 0x94}
	if err := tr.Disassemble(bytes, 0x1000); err != nil {
		t.Fatalf("Disassemble: %v", err)
	}
	if !tr.LastWasCall() {
		t.Fatal("expected LastWasCall for bl")
	}
	target, ok := tr.BranchTarget()
	if !ok || target != 0x1000 {
		t.Fatalf("target = 0x%x ok=%v, want 0x1000 true", target, ok)
	}
}

func TestDisassembleRet(t *testing.T) {
	tr := &Tracer{}
	// ret (x30): 0xd65f03c0
	bytes := []byte{0xc0, 0x03, 0x5f, 0xd6}
	if err := tr.Disassemble(bytes, 0x2000); err != nil {
		t.Fatalf("Disassemble: %v", err)
	}
	if !tr.LastWasReturn() {
		t.Fatal("expected LastWasReturn")
	}
}