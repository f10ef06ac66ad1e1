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

// Package arm64 implements the AArch64 tracer (C1/C2 support). Instructions
// are fixed 4-byte little-endian words, so unlike arch/x86 this decoder
// reads one uint32 and extracts bitfields directly, in the style of the
// retrieval pack's 32-bit ARM decoder (other_examples'
// lookbusy1344-arm_emulator vm-executor.go, which carries the same
// fixed-field Instruction/InstructionType shape) adapted to the teacher's
// own bit-slicing idiom (emul/decode.go).
//
// Coverage is an intentional subset: the add/subtract (immediate and
// shifted-register) family when it sets flags and discards the result
// (the CMP/CMN aliases, Rd=xzr; SUBS/ADDS with a real destination
// register are not classified), unconditional and conditional branch,
// CBZ/CBNZ, RET, and
// indirect BR/BLR — enough to satisfy §4.1's classification contract.
package arm64

import (
	"encoding/binary"

	"github.com/gmofishsauce/simfuzz/arch"
	"github.com/gmofishsauce/simfuzz/trace"
)

func init() {
	// §4.1's register-name edge case is specific to x86-64 (arch/x86
	// validates it); AArch64 has no equivalent name-collision risk since
	// its Xn/Wn split is a view on the same register, not a separate name
	// table, so no Validator is registered here.
	arch.Register("aarch64", func() arch.Tracer { return &Tracer{} }, nil)
}

// Tracer holds the classification state of the last decoded instruction.
type Tracer struct {
	length int

	wasBranch bool
	wasCall   bool
	wasReturn bool
	wasCmp    bool

	cmpOperands []trace.Operand

	target   uint64
	targetOK bool
}

func (t *Tracer) Length() int                    { return t.length }
func (t *Tracer) LastWasBranch() bool            { return t.wasBranch }
func (t *Tracer) LastWasCall() bool              { return t.wasCall }
func (t *Tracer) LastWasReturn() bool            { return t.wasReturn }
func (t *Tracer) LastWasCmp() bool                { return t.wasCmp }
func (t *Tracer) OperandsOfCmp() []trace.Operand { return t.cmpOperands }
func (t *Tracer) BranchTarget() (uint64, bool)   { return t.target, t.targetOK }

func (t *Tracer) reset() {
	t.length = 4
	t.wasBranch = false
	t.wasCall = false
	t.wasReturn = false
	t.wasCmp = false
	t.cmpOperands = nil
	t.target = 0
	t.targetOK = false
}

var gpReg32 = [32]string{
	"w0", "w1", "w2", "w3", "w4", "w5", "w6", "w7",
	"w8", "w9", "w10", "w11", "w12", "w13", "w14", "w15",
	"w16", "w17", "w18", "w19", "w20", "w21", "w22", "w23",
	"w24", "w25", "w26", "w27", "w28", "w29", "w30", "wzr",
}
var gpReg64 = [32]string{
	"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7",
	"x8", "x9", "x10", "x11", "x12", "x13", "x14", "x15",
	"x16", "x17", "x18", "x19", "x20", "x21", "x22", "x23",
	"x24", "x25", "x26", "x27", "x28", "x29", "x30", "xzr",
}

func regName(n int, is64 bool) string {
	if is64 {
		return gpReg64[n]
	}
	return gpReg32[n]
}

func regWidth(is64 bool) trace.Width {
	if is64 {
		return trace.U64
	}
	return trace.U32
}

// Disassemble decodes exactly one 4-byte instruction word at bytes[0:4].
func (t *Tracer) Disassemble(bytes []byte, pc uint64) error {
	if len(bytes) < 4 {
		return &arch.DecodeError{Reason: "truncated aarch64 word"}
	}
	t.reset()
	w := binary.LittleEndian.Uint32(bytes)

	switch {
	case isAddSubImmediate(w):
		t.decodeAddSubImmediate(w)
	case isAddSubShiftedReg(w):
		t.decodeAddSubShiftedReg(w)
	case isUnconditionalBranch(w):
		t.decodeUnconditionalBranch(w, pc)
	case isConditionalBranch(w):
		t.decodeConditionalBranch(w, pc)
	case isCompareAndBranch(w):
		t.decodeCompareAndBranch(w, pc)
	case isRet(w):
		t.wasReturn = true
	case isBranchRegister(w):
		t.decodeBranchRegister(w)
	default:
		// Unrecognized instruction word: not classified, per §4.1's
		// "when in doubt, do not classify".
	}
	return nil
}

func bits(w uint32, hi, lo uint) uint32 {
	return (w >> lo) & ((1 << (hi - lo + 1)) - 1)
}

// isAddSubImmediate matches the "Add/subtract (immediate)" class: sf op S
// 10001 sh imm12 Rn Rd.
func isAddSubImmediate(w uint32) bool {
	return bits(w, 28, 24) == 0b10001
}

func (t *Tracer) decodeAddSubImmediate(w uint32) {
	sf := bits(w, 31, 31) == 1
	s := bits(w, 29, 29) == 1
	sh := bits(w, 23, 22) == 1
	imm12 := int64(bits(w, 21, 10))
	rn := int(bits(w, 9, 5))
	rd := int(bits(w, 4, 0))
	if sh {
		imm12 <<= 12
	}
	if !s || rd != 31 {
		return
	}
	width := regWidth(sf)
	t.wasCmp = true
	t.cmpOperands = []trace.Operand{
		trace.Reg{Name: regName(rn, sf), Width: width},
		trace.Imm{Width: width, Value: imm12},
	}
}

// isAddSubShiftedReg matches the "Add/subtract (shifted register)" class:
// sf op S 01011 shift 0 Rm imm6 Rn Rd.
func isAddSubShiftedReg(w uint32) bool {
	return bits(w, 28, 24) == 0b01011 && bits(w, 21, 21) == 0
}

func (t *Tracer) decodeAddSubShiftedReg(w uint32) {
	sf := bits(w, 31, 31) == 1
	s := bits(w, 29, 29) == 1
	shiftKind := bits(w, 23, 22)
	rm := int(bits(w, 20, 16))
	imm6 := bits(w, 15, 10)
	rn := int(bits(w, 9, 5))
	rd := int(bits(w, 4, 0))
	if !s || rd != 31 {
		return
	}
	width := regWidth(sf)
	var rhs trace.Operand = trace.Reg{Name: regName(rm, sf), Width: width}
	if imm6 != 0 {
		rhs = trace.Shift{Inner: rhs, Amount: uint8(imm6), Kind: shiftKindFor(shiftKind)}
	}
	t.wasCmp = true
	t.cmpOperands = []trace.Operand{
		trace.Reg{Name: regName(rn, sf), Width: width},
		rhs,
	}
}

func shiftKindFor(bits uint32) trace.ShiftKind {
	switch bits {
	case 0:
		return trace.LSL
	case 1:
		return trace.LSR
	case 2:
		return trace.ASR
	default:
		return trace.ROR
	}
}

// isUnconditionalBranch matches B (opcode 0) and BL (opcode 1):
// op 00101 imm26.
func isUnconditionalBranch(w uint32) bool {
	return bits(w, 30, 26) == 0b00101
}

func (t *Tracer) decodeUnconditionalBranch(w uint32, pc uint64) {
	isBL := bits(w, 31, 31) == 1
	imm26 := signExtend(bits(w, 25, 0), 26) * 4
	if isBL {
		t.wasCall = true
	} else {
		t.wasBranch = true
	}
	t.target = uint64(int64(pc) + imm26)
	t.targetOK = true
}

// isConditionalBranch matches B.cond: 0101010 0 imm19 0 cond.
func isConditionalBranch(w uint32) bool {
	return bits(w, 31, 24) == 0b01010100 && bits(w, 4, 4) == 0
}

func (t *Tracer) decodeConditionalBranch(w uint32, pc uint64) {
	imm19 := signExtend(bits(w, 23, 5), 19) * 4
	t.wasBranch = true
	t.target = uint64(int64(pc) + imm19)
	t.targetOK = true
}

// isCompareAndBranch matches CBZ/CBNZ: sf 011010 op imm19 Rt.
func isCompareAndBranch(w uint32) bool {
	return bits(w, 30, 25) == 0b011010
}

func (t *Tracer) decodeCompareAndBranch(w uint32, pc uint64) {
	sf := bits(w, 31, 31) == 1
	rt := int(bits(w, 4, 0))
	imm19 := signExtend(bits(w, 23, 5), 19) * 4
	width := regWidth(sf)
	t.wasBranch = true
	t.wasCmp = true
	t.cmpOperands = []trace.Operand{
		trace.Reg{Name: regName(rt, sf), Width: width},
		trace.Imm{Width: width, Value: 0},
	}
	t.target = uint64(int64(pc) + imm19)
	t.targetOK = true
}

// isRet matches RET with any Rn (x30 by default):
// 1101011 0010 11111 000000 Rn 00000.
func isRet(w uint32) bool {
	return bits(w, 31, 21) == 0b11010110010 && bits(w, 15, 10) == 0
}

// isBranchRegister matches indirect BR (opc 00) and BLR (opc 01):
// 1101011 0 opc 11111 000000 Rn 00000.
func isBranchRegister(w uint32) bool {
	return bits(w, 31, 25) == 0b1101011 && bits(w, 20, 16) == 0b11111 && bits(w, 15, 10) == 0
}

func (t *Tracer) decodeBranchRegister(w uint32) {
	opc := bits(w, 22, 21)
	if opc == 1 {
		t.wasCall = true
	} else {
		t.wasBranch = true
	}
	// Indirect: destination only observable from the machine's PC on the
	// next callback (§4.1, same as x86's indirect call/jmp forms).
}

// signExtend sign-extends the low `bits` bits of v to an int64.
func signExtend(v uint32, bits uint) int64 {
	shift := 32 - bits
	return int64(int32(v<<shift)) >> shift
}