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

// Operand is a node in an OperandExpr tree (§3). The set of implementations
// is closed by the unexported operandNode method, the way the teacher
// closes Instruction's variant fields with the isBase/isXOP/... flags
// instead of an open interface hierarchy (emul/decode.go).
type Operand interface {
	operandNode()
}

// Imm is a literal value, already known at decode time.
type Imm struct {
	Width Width
	Value int64
}

func (Imm) operandNode() {}

// Reg names a register to be read through the machine's register file.
type Reg struct {
	Name  string
	Width Width
}

func (Reg) operandNode() {}

// Addr is a bare virtual address, for forms like AArch64 literal-pool loads
// where the address is computed at decode time (pc-relative) rather than
// from a register.
type Addr struct {
	VA uint64
}

func (Addr) operandNode() {}

// Deref reads Width bytes of memory at the address Inner evaluates to.
type Deref struct {
	Inner Operand
	Width Width
}

func (Deref) operandNode() {}

// BinOpKind enumerates the arithmetic node kinds.
type BinOpKind uint8

const (
	OpAdd BinOpKind = iota
	OpSub
	OpMul
)

// BinOp is a two-operand arithmetic node, evaluated with wrapping
// arithmetic at the wider of its two operands' widths (§4.2).
type BinOp struct {
	Kind BinOpKind
	LHS  Operand
	RHS  Operand
}

func (BinOp) operandNode() {}

// ShiftKind enumerates AArch64-style register shift/rotate forms.
type ShiftKind uint8

const (
	LSL ShiftKind = iota
	LSR
	ASR
	ROR
)

// Shift applies Kind by Amount bit positions to Inner.
type Shift struct {
	Inner  Operand
	Amount uint8
	Kind   ShiftKind
}

func (Shift) operandNode() {}