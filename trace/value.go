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

// Package trace holds the types shared by every architecture's tracer: the
// width-tagged comparand value, the operand expression tree C1 builds and
// C2 evaluates, and the fixed-size coverage/comparand maps C9 owns.
package trace

import "fmt"

// Width is one of the eight integer widths a comparand or register can be
// tagged with.
type Width uint8

const (
	U8 Width = iota
	I8
	U16
	I16
	U32
	I32
	U64
	I64
)

func (w Width) String() string {
	switch w {
	case U8:
		return "u8"
	case I8:
		return "i8"
	case U16:
		return "u16"
	case I16:
		return "i16"
	case U32:
		return "u32"
	case I32:
		return "i32"
	case U64:
		return "u64"
	case I64:
		return "i64"
	default:
		return fmt.Sprintf("width(%d)", uint8(w))
	}
}

// Bytes returns the storage width in bytes.
func (w Width) Bytes() int {
	switch w {
	case U8, I8:
		return 1
	case U16, I16:
		return 2
	case U32, I32:
		return 4
	default:
		return 8
	}
}

// Signed reports whether w is one of the signed variants.
func (w Width) Signed() bool {
	switch w {
	case I8, I16, I32, I64:
		return true
	default:
		return false
	}
}

// widen returns the wider of two widths, by byte size; ties prefer the
// signed variant when exactly one operand is signed, matching the wrapping
// arithmetic rule in §4.2.
func widen(a, b Width) Width {
	if a.Bytes() >= b.Bytes() {
		if a.Bytes() == b.Bytes() && !a.Signed() && b.Signed() {
			return b
		}
		return a
	}
	return b
}

// Value is a width-tagged integer: a CmpValue in spec terms. Bits holds the
// raw two's-complement pattern truncated to Width; Signed/Int64 and
// Unsigned/Uint64 reinterpret it.
type Value struct {
	Width Width
	Bits  uint64
}

// U constructs an unsigned Value of the given width, masking to width.
func U(w Width, v uint64) Value {
	return Value{Width: w, Bits: v & mask(w)}
}

// I constructs a signed Value of the given width from a native int64.
func I(w Width, v int64) Value {
	return Value{Width: w, Bits: uint64(v) & mask(w)}
}

func mask(w Width) uint64 {
	bits := w.Bytes() * 8
	if bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(bits)) - 1
}

// Uint64 reinterprets the bit pattern as unsigned.
func (v Value) Uint64() uint64 {
	return v.Bits & mask(v.Width)
}

// Int64 sign-extends the bit pattern from Width.
func (v Value) Int64() int64 {
	bits := v.Width.Bytes() * 8
	u := v.Bits & mask(v.Width)
	if bits >= 64 {
		return int64(u)
	}
	signBit := uint64(1) << uint(bits-1)
	if u&signBit != 0 {
		u |= ^mask(v.Width)
	}
	return int64(u)
}

// Equal reports numeric equality, comparing by the wider of the two widths.
func (v Value) Equal(o Value) bool {
	w := widen(v.Width, o.Width)
	return signedOrUnsigned(v, w) == signedOrUnsigned(o, w)
}

// Greater reports v >= o under the signedness of the wider operand. It is
// non-strict so that equal operands fire both Equal and Greater, matching
// the CPU condition-code convention both required architectures use (SF==OF
// / CF==0 also holds when the compared values are equal) and the worked
// examples in §8.
func (v Value) Greater(o Value) bool {
	w := widen(v.Width, o.Width)
	if w.Signed() {
		return v.signExtendTo(w) >= o.signExtendTo(w)
	}
	return v.zeroExtendTo(w) >= o.zeroExtendTo(w)
}

// Lesser reports v < o under the signedness of the wider operand.
func (v Value) Lesser(o Value) bool {
	w := widen(v.Width, o.Width)
	if w.Signed() {
		return v.signExtendTo(w) < o.signExtendTo(w)
	}
	return v.zeroExtendTo(w) < o.zeroExtendTo(w)
}

func signedOrUnsigned(v Value, w Width) uint64 {
	if w.Signed() {
		return uint64(v.signExtendTo(w))
	}
	return v.zeroExtendTo(w)
}

// signExtendTo and zeroExtendTo reinterpret the value as a wider integer.
// Bits is already truncated to v.Width, so Int64/Uint64 already produce the
// correct numeric value regardless of the target width w; it is accepted
// only to document which extension the caller intends.
func (v Value) signExtendTo(Width) int64 {
	return v.Int64()
}

func (v Value) zeroExtendTo(Width) uint64 {
	return v.Uint64()
}

func (v Value) String() string {
	if v.Width.Signed() {
		return fmt.Sprintf("%s(%d)", v.Width, v.Int64())
	}
	return fmt.Sprintf("%s(%d)", v.Width, v.Uint64())
}