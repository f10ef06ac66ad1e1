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
	"github.com/gmofishsauce/simfuzz/arch"
	"github.com/gmofishsauce/simfuzz/trace"
)

var reg64 = [16]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}
var reg32 = [16]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
	"r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d"}
var reg16 = [16]string{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di",
	"r8w", "r9w", "r10w", "r11w", "r12w", "r13w", "r14w", "r15w"}
var reg8rex = [16]string{"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil",
	"r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b"}
var reg8legacy = [8]string{"al", "cl", "dl", "bl", "ah", "ch", "dh", "bh"}

func regName(n, size int, rexPresent bool) string {
	switch size {
	case 1:
		if n < 8 && !rexPresent {
			return reg8legacy[n]
		}
		return reg8rex[n]
	case 2:
		return reg16[n]
	case 4:
		return reg32[n]
	default:
		return reg64[n]
	}
}

// decodeModRM decodes a ModRM (and, when present, SIB and displacement)
// byte sequence starting at bytes[i], producing an Operand for the r/m
// operand and the raw reg field (caller applies REX.R and any opcode
// extension). size is the operand's access width in bytes.
func decodeModRM(bytes []byte, i int, pfx prefixState, size int) (trace.Operand, int, int, error) {
	if i >= len(bytes) {
		return nil, 0, i, &arch.DecodeError{Reason: "truncated modrm"}
	}
	modrm := bytes[i]
	i++
	mod := modrm >> 6
	regField := int((modrm >> 3) & 7)
	if pfx.rexR {
		regField += 8
	}
	rm := int(modrm & 7)

	if mod == 3 {
		rmReg := rm
		if pfx.rexB {
			rmReg += 8
		}
		return trace.Reg{Name: regName(rmReg, size, pfx.rexPresent), Width: widthFor(size, false)}, regField, i, nil
	}

	var base trace.Operand
	var index trace.Operand
	scale := 1
	var disp int32
	haveDisp := false

	if rm == 4 {
		if i >= len(bytes) {
			return nil, 0, i, &arch.DecodeError{Reason: "truncated sib"}
		}
		sib := bytes[i]
		i++
		ss := sib >> 6
		idx := int((sib >> 3) & 7)
		if pfx.rexX {
			idx += 8
		}
		baseField := int(sib & 7)
		if pfx.rexB {
			baseField += 8
		}
		if idx != 4 {
			index = trace.Reg{Name: regName(idx, 8, true), Width: trace.U64}
			scale = 1 << ss
		}
		if baseField&7 == 5 && mod == 0 {
			if i+4 > len(bytes) {
				return nil, 0, i, &arch.DecodeError{Reason: "truncated sib disp32"}
			}
			disp = int32(le32(bytes[i:]))
			i += 4
			haveDisp = true
		} else {
			base = trace.Reg{Name: regName(baseField, 8, true), Width: trace.U64}
		}
	} else if rm == 5 && mod == 0 {
		if i+4 > len(bytes) {
			return nil, 0, i, &arch.DecodeError{Reason: "truncated disp32"}
		}
		disp = int32(le32(bytes[i:]))
		i += 4
		haveDisp = true
	} else {
		baseField := rm
		if pfx.rexB {
			baseField += 8
		}
		base = trace.Reg{Name: regName(baseField, 8, true), Width: trace.U64}
	}

	if !haveDisp && base != nil {
		switch mod {
		case 1:
			if i+1 > len(bytes) {
				return nil, 0, i, &arch.DecodeError{Reason: "truncated disp8"}
			}
			disp = int32(int8(bytes[i]))
			i++
			haveDisp = true
		case 2:
			if i+4 > len(bytes) {
				return nil, 0, i, &arch.DecodeError{Reason: "truncated disp32"}
			}
			disp = int32(le32(bytes[i:]))
			i += 4
			haveDisp = true
		}
	}

	var addr trace.Operand = base
	if index != nil {
		scaled := trace.Operand(index)
		if scale != 1 {
			scaled = trace.BinOp{Kind: trace.OpMul, LHS: index, RHS: trace.Imm{Width: trace.U8, Value: int64(scale)}}
		}
		if addr == nil {
			addr = scaled
		} else {
			addr = trace.BinOp{Kind: trace.OpAdd, LHS: addr, RHS: scaled}
		}
	}
	if haveDisp && disp != 0 || addr == nil {
		dispOp := trace.Imm{Width: trace.I32, Value: int64(disp)}
		if addr == nil {
			addr = dispOp
		} else {
			addr = trace.BinOp{Kind: trace.OpAdd, LHS: addr, RHS: dispOp}
		}
	}

	return trace.Deref{Inner: addr, Width: widthFor(size, false)}, regField, i, nil
}