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

package trace

import (
	"context"
	"encoding/binary"
	"testing"
)

// fakeMachine backs Reg/Deref evaluation with a fixed register file and a
// byte-addressable memory map, enough to exercise §8 property 2 (operand
// evaluation soundness) without a real sim.Machine.
type fakeMachine struct {
	regs map[string]uint64
	mem  map[uint64][]byte
}

func (f fakeMachine) ReadReg(name string) (uint64, error) { return f.regs[name], nil }

func (f fakeMachine) ReadMem(_ context.Context, va uint64, width int) ([]byte, error) {
	b, ok := f.mem[va]
	if !ok {
		return make([]byte, width), nil
	}
	return b[:width], nil
}

func TestEvalRegAndDeref(t *testing.T) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf, 0xdeadbeef)
	m := fakeMachine{
		regs: map[string]uint64{"x0": 0x1000},
		mem:  map[uint64][]byte{0x1000: buf},
	}
	ev := &Evaluator{Machine: m}

	v, err := ev.Eval(Reg{Name: "x0", Width: U64})
	if err != nil {
		t.Fatalf("eval reg: %v", err)
	}
	if v.Uint64() != 0x1000 {
		t.Fatalf("reg value = 0x%x, want 0x1000", v.Uint64())
	}

	v, err = ev.Eval(Deref{Inner: Reg{Name: "x0", Width: U64}, Width: U32})
	if err != nil {
		t.Fatalf("eval deref: %v", err)
	}
	if v.Uint64() != 0xdeadbeef {
		t.Fatalf("deref value = 0x%x, want 0xdeadbeef", v.Uint64())
	}
}

func TestEvalDerefFaultDropsCmp(t *testing.T) {
	m := fakeMachine{regs: map[string]uint64{}, mem: map[uint64][]byte{}}
	ev := &Evaluator{Machine: faultingMem{m}}
	_, err := ev.Eval(Deref{Inner: Addr{VA: 0xbad}, Width: U32})
	if err == nil {
		t.Fatal("expected a translation error, got nil")
	}
}

type faultingMem struct{ fakeMachine }

func (faultingMem) ReadMem(context.Context, uint64, int) ([]byte, error) {
	return nil, errFault
}

var errFault = fmtError("unmapped address")

type fmtError string

func (e fmtError) Error() string { return string(e) }

func TestEvalAddWrapping(t *testing.T) {
	ev := &Evaluator{Machine: fakeMachine{regs: map[string]uint64{}}}
	// U8(0xff) + U8(1) wraps within the widened type, not the narrow one:
	// both operands are unsigned and same width, so the result stays U8
	// masked to 8 bits -> 0x00.
	v, err := ev.Eval(BinOp{Kind: OpAdd, LHS: Imm{Width: U8, Value: 0xff}, RHS: Imm{Width: U8, Value: 1}})
	if err != nil {
		t.Fatalf("eval add: %v", err)
	}
	if v.Width != U8 || v.Uint64() != 0x00 {
		t.Fatalf("0xff+1 (u8) = %s, want u8(0)", v)
	}
}

func TestEvalSignedUnsignedWidening(t *testing.T) {
	ev := &Evaluator{Machine: fakeMachine{regs: map[string]uint64{}}}
	// I8(-1) + U16(2): the wider operand (U16) is unsigned, but the
	// narrower signed operand is negative, so §4.2 widens to the next
	// larger signed type (I32) rather than zero-extending -1 into U16.
	v, err := ev.Eval(BinOp{Kind: OpAdd, LHS: Imm{Width: I8, Value: -1}, RHS: Imm{Width: U16, Value: 2}})
	if err != nil {
		t.Fatalf("eval add: %v", err)
	}
	if v.Width != I32 {
		t.Fatalf("width = %s, want i32", v.Width)
	}
	if v.Int64() != 1 {
		t.Fatalf("-1+2 = %d, want 1", v.Int64())
	}
}

func TestEvalShiftKinds(t *testing.T) {
	ev := &Evaluator{Machine: fakeMachine{regs: map[string]uint64{}}}
	cases := []struct {
		kind ShiftKind
		in   Value
		amt  uint8
		want uint64
	}{
		{LSL, U(U32, 1), 4, 0x10},
		{LSR, U(U32, 0x10), 4, 1},
		{ROR, U(U32, 1), 1, 0x80000000},
	}
	for _, c := range cases {
		got := applyShift(c.in, c.amt, c.kind)
		if got.Uint64() != c.want {
			t.Errorf("shift kind=%d in=%s amt=%d = 0x%x, want 0x%x", c.kind, c.in, c.amt, got.Uint64(), c.want)
		}
	}
	_ = ev
}

func TestEvalAsrSignExtends(t *testing.T) {
	// ASR on a negative I32 must sign-extend, not logical-shift.
	v := applyShift(I(I32, -8), 1, ASR)
	if v.Int64() != -4 {
		t.Fatalf("-8 asr 1 = %d, want -4", v.Int64())
	}
}

func TestPredicateKinds(t *testing.T) {
	p := PredicateKinds(U(U64, 0x2a), U(U64, 0x2a))
	if p&Equal == 0 || p&Greater == 0 {
		t.Fatalf("equal values should satisfy Equal and Greater-or-equal, got %v", p)
	}
	if p&Lesser != 0 {
		t.Fatalf("equal values must not satisfy Lesser, got %v", p)
	}
}

// TestCoverageDeterminism exercises §8 property 4: two iterations with the
// same sequence of edges produce byte-identical coverage maps.
func TestCoverageDeterminism(t *testing.T) {
	pcs := []uint64{0x400000, 0x400010, 0x400003, 0x400010, 0x400100}

	run := func() []byte {
		m := NewCoverageMap(1 << 16)
		for _, pc := range pcs {
			m.Edge(pc)
		}
		out := make([]byte, len(m.Bytes()))
		copy(out, m.Bytes())
		return out
	}

	a := run()
	b := run()
	if len(a) != len(b) {
		t.Fatalf("map length mismatch: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("byte %d differs: %d vs %d", i, a[i], b[i])
		}
	}
}

func TestCoverageMapResetClearsState(t *testing.T) {
	m := NewCoverageMap(256)
	m.Edge(0x1000)
	m.Edge(0x1010)
	m.Reset()
	for i, b := range m.Bytes() {
		if b != 0 {
			t.Fatalf("byte %d = %d after Reset, want 0", i, b)
		}
	}
	// after Reset, prevPC restarts from zero, so replaying the same edge
	// sequence from a fresh map produces the same trace as this one.
	fresh := NewCoverageMap(256)
	m.Edge(0x2000)
	fresh.Edge(0x2000)
	for i := range m.Bytes() {
		if m.Bytes()[i] != fresh.Bytes()[i] {
			t.Fatalf("post-reset byte %d diverges from fresh map", i)
		}
	}
}

func TestCoverageMapSaturates(t *testing.T) {
	m := NewCoverageMap(1)
	for i := 0; i < 300; i++ {
		m.Edge(uint64(i))
	}
	if m.Bytes()[0] != 0xFF {
		t.Fatalf("count = %d, want saturated 0xFF", m.Bytes()[0])
	}
}

func TestComparandMapObserveAndSlot(t *testing.T) {
	m := NewComparandMap(64)
	const pc = 0x401000
	m.Observe(pc, Equal|Greater, U(U64, 0x2a), U(U64, 0x2a))
	m.Observe(pc, Lesser, U(U64, 1), U(U64, 2))

	recs := m.Slot(pc)
	if len(recs) != 2 {
		t.Fatalf("slot length = %d, want 2", len(recs))
	}
	if recs[0].LHS != 0x2a || recs[0].RHS != 0x2a {
		t.Fatalf("first record = %+v", recs[0])
	}
	if recs[1].PredicateBits != Lesser {
		t.Fatalf("second record predicate = %v, want Lesser", recs[1].PredicateBits)
	}
}

func TestComparandMapRingBoundedDepth(t *testing.T) {
	m := NewComparandMap(8)
	const pc = 0x500
	for i := 0; i < comparandRingDepth+3; i++ {
		m.Observe(pc, Equal, U(U64, uint64(i)), U(U64, uint64(i)))
	}
	recs := m.Slot(pc)
	if len(recs) != comparandRingDepth {
		t.Fatalf("ring length = %d, want %d", len(recs), comparandRingDepth)
	}
	// oldest surviving record should be from iteration 3 (0-indexed), since
	// the ring holds only the most recent comparandRingDepth observations.
	if recs[0].LHS != 3 {
		t.Fatalf("oldest surviving LHS = %d, want 3", recs[0].LHS)
	}
}

func TestComparandMapReset(t *testing.T) {
	m := NewComparandMap(8)
	m.Observe(0x10, Equal, U(U64, 1), U(U64, 1))
	m.Reset()
	if len(m.Slot(0x10)) != 0 {
		t.Fatalf("slot not empty after Reset")
	}
}
