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
	"fmt"
)

// RegReader reads a named architectural register; the returned bits are
// truncated by the caller to whatever width the operand declares.
type RegReader interface {
	ReadReg(name string) (uint64, error)
}

// MemReader reads width bytes of simulated memory at a virtual address,
// translating through the machine's current address space for read access.
type MemReader interface {
	ReadMem(ctx context.Context, va uint64, width int) ([]byte, error)
}

// MachineReader is the minimal live-CPU handle C2 needs. sim.Machine
// satisfies it structurally.
type MachineReader interface {
	RegReader
	MemReader
}

// Evaluator evaluates an OperandExpr against a live machine. It never
// writes registers or memory (invariant 4).
type Evaluator struct {
	Machine MachineReader
	Ctx     context.Context
}

// Eval evaluates expr to a concrete width-tagged Value. A translation or
// read fault is returned as an error; the caller drops the Cmp observation
// and continues tracing (§4.2, §7).
func (e *Evaluator) Eval(op Operand) (Value, error) {
	ctx := e.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	switch n := op.(type) {
	case Imm:
		return I(n.Width, n.Value), nil

	case Reg:
		raw, err := e.Machine.ReadReg(n.Name)
		if err != nil {
			return Value{}, fmt.Errorf("eval reg %s: %w", n.Name, err)
		}
		if n.Width.Signed() {
			return Value{Width: n.Width, Bits: raw & mask(n.Width)}, nil
		}
		return U(n.Width, raw), nil

	case Addr:
		return U(U64, n.VA), nil

	case Deref:
		addr, err := e.Eval(n.Inner)
		if err != nil {
			return Value{}, err
		}
		data, err := e.Machine.ReadMem(ctx, addr.Uint64(), n.Width.Bytes())
		if err != nil {
			return Value{}, fmt.Errorf("eval deref at 0x%x: %w", addr.Uint64(), err)
		}
		return decodeBytes(data, n.Width), nil

	case BinOp:
		lhs, err := e.Eval(n.LHS)
		if err != nil {
			return Value{}, err
		}
		rhs, err := e.Eval(n.RHS)
		if err != nil {
			return Value{}, err
		}
		return applyBinOp(n.Kind, lhs, rhs), nil

	case Shift:
		inner, err := e.Eval(n.Inner)
		if err != nil {
			return Value{}, err
		}
		return applyShift(inner, n.Amount, n.Kind), nil

	default:
		return Value{}, fmt.Errorf("trace: unhandled operand node %T", op)
	}
}

func decodeBytes(data []byte, w Width) Value {
	var u uint64
	switch len(data) {
	case 1:
		u = uint64(data[0])
	case 2:
		u = uint64(binary.LittleEndian.Uint16(data))
	case 4:
		u = uint64(binary.LittleEndian.Uint32(data))
	default:
		u = binary.LittleEndian.Uint64(data)
	}
	if w.Signed() {
		return Value{Width: w, Bits: u & mask(w)}
	}
	return U(w, u)
}

// applyBinOp performs wrapping arithmetic at the wider of the two operand
// widths. Sign is preserved when both operands are signed; mixing
// signed+unsigned widens to the next larger signed type when the signed
// operand is negative (§4.2).
func applyBinOp(kind BinOpKind, lhs, rhs Value) Value {
	w := resultWidth(lhs, rhs)
	a := operandAs(lhs, w)
	b := operandAs(rhs, w)
	var r uint64
	switch kind {
	case OpAdd:
		r = a + b
	case OpSub:
		r = a - b
	case OpMul:
		r = a * b
	}
	return Value{Width: w, Bits: r & mask(w)}
}

func applyShift(v Value, amount uint8, kind ShiftKind) Value {
	bits := uint(v.Width.Bytes() * 8)
	amt := uint(amount) % bits
	u := v.Uint64() & mask(v.Width)
	var r uint64
	switch kind {
	case LSL:
		r = u << amt
	case LSR:
		r = u >> amt
	case ASR:
		s := v.Int64()
		r = uint64(s >> amt)
	case ROR:
		r = (u >> amt) | (u << (bits - amt))
	}
	return Value{Width: v.Width, Bits: r & mask(v.Width)}
}

// resultWidth picks the wider operand width, widening to the signed
// variant when exactly one operand is signed and holds a negative value.
func resultWidth(lhs, rhs Value) Width {
	w := widen(lhs.Width, rhs.Width)
	if lhs.Width.Signed() != rhs.Width.Signed() {
		neg := (lhs.Width.Signed() && lhs.Int64() < 0) || (rhs.Width.Signed() && rhs.Int64() < 0)
		if neg && !w.Signed() {
			w = nextSigned(w)
		}
	}
	return w
}

func nextSigned(w Width) Width {
	switch w {
	case U8:
		return I16
	case U16:
		return I32
	case U32, U64:
		return I64
	default:
		return w
	}
}

func operandAs(v Value, w Width) uint64 {
	if w.Signed() {
		return uint64(v.Int64())
	}
	return v.Uint64()
}