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

// immSizeZ is the size, in bytes, of an "iz"-class immediate (16 bits
// under the 0x66 operand-size prefix, otherwise 32 bits regardless of
// REX.W — unlike register operands, iz immediates never grow to 64 bits).
func immSizeZ(pfx prefixState) int {
	if pfx.opsize16 {
		return 2
	}
	return 4
}

func readImm(bytes []byte, i, size int) (int64, int, error) {
	switch size {
	case 1:
		if i+1 > len(bytes) {
			return 0, i, &arch.DecodeError{Reason: "truncated imm8"}
		}
		v := int64(int8(bytes[i]))
		return v, i + 1, nil
	case 2:
		if i+2 > len(bytes) {
			return 0, i, &arch.DecodeError{Reason: "truncated imm16"}
		}
		v := int64(int16(le16(bytes[i:])))
		return v, i + 2, nil
	default:
		if i+4 > len(bytes) {
			return 0, i, &arch.DecodeError{Reason: "truncated imm32"}
		}
		v := int64(int32(le32(bytes[i:])))
		return v, i + 4, nil
	}
}

// immOperand builds the Imm node for a sign-extended immediate against a
// destination of dataSize bytes: the bit pattern is masked to dataSize
// regardless of the tag's own signedness, matching how CMP sign-extends
// an imm8/imm32 to the destination's width before comparing.
func immOperand(dataSize int, signExtended int64) trace.Operand {
	return trace.Imm{Width: widthFor(dataSize, false), Value: signExtended}
}

func regOperand(n, size int, rexPresent bool) trace.Operand {
	return trace.Reg{Name: regName(n, size, rexPresent), Width: widthFor(size, false)}
}

func (t *Tracer) setCmp(a, b trace.Operand) {
	t.wasCmp = true
	t.cmpOperands = []trace.Operand{a, b}
}

// decodeCmpOrTestRM decodes the "r/m, reg" or "reg, r/m" forms shared by
// CMP (0x38-0x3B) and TEST (0x84-0x85); regFirst selects operand order to
// match the opcode's documented operand direction, and classifyCmp
// controls whether this particular opcode is in the cmp/test family.
func (t *Tracer) decodeCmpOrTestRM(bytes []byte, i int, pfx prefixState, size int, regFirst, classifyCmp bool) (int, error) {
	rm, regField, ni, err := decodeModRM(bytes, i, pfx, size)
	if err != nil {
		return ni, err
	}
	if !classifyCmp {
		return ni, nil
	}
	regN := regField
	reg := regOperand(regN, size, pfx.rexPresent)
	if regFirst {
		t.setCmp(reg, rm)
	} else {
		t.setCmp(rm, reg)
	}
	return ni, nil
}

func (t *Tracer) decodeCmpRM8R8(bytes []byte, i int, pfx prefixState, regFirst bool) (int, error) {
	return t.decodeCmpOrTestRM(bytes, i, pfx, 1, regFirst, true)
}

func (t *Tracer) decodeCmpRMvR(bytes []byte, i int, pfx prefixState, regFirst bool) (int, error) {
	return t.decodeCmpOrTestRM(bytes, i, pfx, operandSize(pfx), regFirst, true)
}

func (t *Tracer) decodeTestRM(bytes []byte, i int, pfx prefixState, byteSize bool) (int, error) {
	size := operandSize(pfx)
	if byteSize {
		size = 1
	}
	return t.decodeCmpOrTestRM(bytes, i, pfx, size, false, true)
}

func (t *Tracer) decodeCmpAL(bytes []byte, i int) (int, error) {
	imm, ni, err := readImm(bytes, i, 1)
	if err != nil {
		return ni, err
	}
	t.setCmp(regOperand(0, 1, false), immOperand(1, imm))
	return ni, nil
}

func (t *Tracer) decodeCmpEAX(bytes []byte, i int, pfx prefixState) (int, error) {
	size := operandSize(pfx)
	imm, ni, err := readImm(bytes, i, immSizeZ(pfx))
	if err != nil {
		return ni, err
	}
	t.setCmp(regOperand(0, size, pfx.rexPresent), immOperand(size, imm))
	return ni, nil
}

func (t *Tracer) decodeTestAL(bytes []byte, i int) (int, error) {
	imm, ni, err := readImm(bytes, i, 1)
	if err != nil {
		return ni, err
	}
	t.setCmp(regOperand(0, 1, false), immOperand(1, imm))
	return ni, nil
}

func (t *Tracer) decodeTestEAX(bytes []byte, i int, pfx prefixState) (int, error) {
	size := operandSize(pfx)
	imm, ni, err := readImm(bytes, i, immSizeZ(pfx))
	if err != nil {
		return ni, err
	}
	t.setCmp(regOperand(0, size, pfx.rexPresent), immOperand(size, imm))
	return ni, nil
}

// group1Ext names the /reg extension values of the 0x80/0x81/0x83 opcode
// group; only CMP is in scope for classification.
const group1ExtCMP = 7

func (t *Tracer) decodeGroup1(bytes []byte, i int, pfx prefixState, size int) (int, error) {
	rm, ext, ni, err := decodeModRM(bytes, i, pfx, size)
	if err != nil {
		return ni, err
	}
	immSize := size
	if size > 2 {
		immSize = immSizeZ(pfx)
	}
	imm, ni2, err := readImm(bytes, ni, immSize)
	if err != nil {
		return ni2, err
	}
	if ext == group1ExtCMP {
		t.setCmp(rm, immOperand(size, imm))
	}
	return ni2, nil
}

func (t *Tracer) decodeGroup1Imm8(bytes []byte, i int, pfx prefixState) (int, error) {
	size := operandSize(pfx)
	rm, ext, ni, err := decodeModRM(bytes, i, pfx, size)
	if err != nil {
		return ni, err
	}
	imm, ni2, err := readImm(bytes, ni, 1)
	if err != nil {
		return ni2, err
	}
	if ext == group1ExtCMP {
		t.setCmp(rm, immOperand(size, imm))
	}
	return ni2, nil
}

// group3 extension 0 and 1 are both TEST; 2-7 are NOT/NEG/MUL/IMUL/DIV/IDIV.
func (t *Tracer) decodeGroup3(bytes []byte, i int, pfx prefixState, byteSize bool) (int, error) {
	size := operandSize(pfx)
	if byteSize {
		size = 1
	}
	rm, ext, ni, err := decodeModRM(bytes, i, pfx, size)
	if err != nil {
		return ni, err
	}
	if ext == 0 || ext == 1 {
		immSize := size
		if size > 2 {
			immSize = immSizeZ(pfx)
		}
		imm, ni2, err := readImm(bytes, ni, immSize)
		if err != nil {
			return ni2, err
		}
		t.setCmp(rm, immOperand(size, imm))
		return ni2, nil
	}
	return ni, nil
}

// decodeGroupFF handles INC/DEC/CALL/JMP/PUSH through an indirect r/m
// operand; only the indirect CALL (/2) and JMP (/4) extensions affect
// classification, and their destination is not statically known (§4.1:
// the tracer observes, it does not resolve indirect targets).
func (t *Tracer) decodeGroupFF(bytes []byte, i int, pfx prefixState) (int, error) {
	size := operandSize(pfx)
	_, ext, ni, err := decodeModRM(bytes, i, pfx, size)
	if err != nil {
		return ni, err
	}
	switch ext {
	case 2:
		t.wasCall = true
	case 4:
		t.wasBranch = true
	}
	return ni, nil
}