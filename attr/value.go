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

// Package attr implements the attribute bridge (C3): a sum-typed value
// that crosses the control-surface boundary, round-tripping to and from
// native Go values. Modeled on the original's AttrValue
// (modules/tsffs/src/simics/simics/src/api/base/attr_value.rs) but
// expressed as the same flat tagged-struct idiom used throughout this
// module (see trace.Value) rather than one Go type per variant.
package attr

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Kind discriminates the sum.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindNil
	KindUnsigned
	KindSigned
	KindBool
	KindFloat
	KindString
	KindObject
	KindData
	KindList
	KindDict
)

func (k Kind) String() string {
	names := [...]string{"invalid", "nil", "unsigned", "signed", "bool", "float", "string", "object", "data", "list", "dict"}
	if int(k) < len(names) {
		return names[k]
	}
	return "unknown"
}

// DictEntry is one key/value pair of a Dict attribute; keys are
// themselves Values (§3: "Dict(self→self)").
type DictEntry struct {
	Key   Value
	Value Value
}

// Value is the attribute sum type.
type Value struct {
	kind Kind

	u    uint64
	i    int64
	b    bool
	f    float64
	s    string
	obj  any
	data []byte
	list []Value
	dict []DictEntry
}

// ErrNegativeToUnsigned is returned when converting a negative Signed
// value to an unsigned native type (§4.3: "fail with a specific error
// rather than silently wrapping").
var ErrNegativeToUnsigned = errors.New("attr: negative signed value cannot convert to unsigned")

// ErrKind is returned when a typed accessor is called on a Value of the
// wrong Kind.
type ErrKind struct {
	Want, Got Kind
}

func (e *ErrKind) Error() string {
	return fmt.Sprintf("attr: want %s, got %s", e.Want, e.Got)
}

// Kind reports the value's variant.
func (v Value) Kind() Kind { return v.kind }

// Nil is the Nil attribute.
var Nil = Value{kind: KindNil}

// Invalid is the zero-valued, explicitly-invalid attribute.
var Invalid = Value{kind: KindInvalid}

// Unsigned wraps a u64.
func Unsigned(u uint64) Value { return Value{kind: KindUnsigned, u: u} }

// Signed wraps an i64.
func Signed(i int64) Value { return Value{kind: KindSigned, i: i} }

// Bool wraps a bool.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Float wraps a float64 (also used for 32-bit floats, widened).
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// NewString wraps a UTF-8 string with no interior NUL, rejecting any
// other string.
func NewString(s string) (Value, error) {
	if !utf8.ValidString(s) {
		return Value{}, fmt.Errorf("attr: string is not valid UTF-8")
	}
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return Value{}, fmt.Errorf("attr: string contains interior NUL at byte %d", i)
		}
	}
	return Value{kind: KindString, s: s}, nil
}

// Object wraps an opaque object handle; simfuzz never interprets it.
func Object(o any) Value { return Value{kind: KindObject, obj: o} }

// Data wraps a byte buffer, transferring ownership of buf into the
// attribute (§9 "Ownership of simulator-allocated memory"): callers must
// not mutate buf after this call.
func Data(buf []byte) Value { return Value{kind: KindData, data: buf} }

// List wraps a (possibly heterogeneous) slice of attributes.
func List(items []Value) Value { return Value{kind: KindList, list: items} }

// Dict wraps an ordered set of key/value attribute pairs.
func Dict(entries []DictEntry) Value { return Value{kind: KindDict, dict: entries} }

func (v Value) checkKind(want Kind) error {
	if v.kind != want {
		return &ErrKind{Want: want, Got: v.kind}
	}
	return nil
}

// AsUint64 returns the unsigned value, rejecting a negative Signed source
// rather than wrapping it (§4.3).
func (v Value) AsUint64() (uint64, error) {
	switch v.kind {
	case KindUnsigned:
		return v.u, nil
	case KindSigned:
		if v.i < 0 {
			return 0, ErrNegativeToUnsigned
		}
		return uint64(v.i), nil
	default:
		return 0, &ErrKind{Want: KindUnsigned, Got: v.kind}
	}
}

// AsInt64 returns the signed value; an Unsigned source that overflows
// int64 is rejected rather than wrapped.
func (v Value) AsInt64() (int64, error) {
	switch v.kind {
	case KindSigned:
		return v.i, nil
	case KindUnsigned:
		if v.u > 1<<63-1 {
			return 0, fmt.Errorf("attr: unsigned value %d overflows int64", v.u)
		}
		return int64(v.u), nil
	default:
		return 0, &ErrKind{Want: KindSigned, Got: v.kind}
	}
}

// AsBool returns the boolean value.
func (v Value) AsBool() (bool, error) {
	if err := v.checkKind(KindBool); err != nil {
		return false, err
	}
	return v.b, nil
}

// AsFloat64 returns the float value.
func (v Value) AsFloat64() (float64, error) {
	if err := v.checkKind(KindFloat); err != nil {
		return 0, err
	}
	return v.f, nil
}

// AsString returns the string value.
func (v Value) AsString() (string, error) {
	if err := v.checkKind(KindString); err != nil {
		return "", err
	}
	return v.s, nil
}

// AsObject returns the opaque object handle.
func (v Value) AsObject() (any, error) {
	if err := v.checkKind(KindObject); err != nil {
		return nil, err
	}
	return v.obj, nil
}

// AsData returns a copy of the byte buffer; unwrapping copies (§9:
// "unwrapping copies"), so the caller may freely mutate the result.
func (v Value) AsData() ([]byte, error) {
	if err := v.checkKind(KindData); err != nil {
		return nil, err
	}
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out, nil
}

// AsList returns the list elements.
func (v Value) AsList() ([]Value, error) {
	if err := v.checkKind(KindList); err != nil {
		return nil, err
	}
	return v.list, nil
}

// AsDict returns the dict entries, in the stable order Dict was built
// with (construction order is preserved as-is; StableDict below sorts).
func (v Value) AsDict() ([]DictEntry, error) {
	if err := v.checkKind(KindDict); err != nil {
		return nil, err
	}
	return v.dict, nil
}

// StableDict builds a Dict attribute whose entries are sorted by a
// caller-supplied string key, for deterministic serialization when the
// natural map iteration order is not already fixed. Grounded on
// cilium-coverbee/instrumentation.go's use of golang.org/x/exp/slices
// alongside golang.org/x/exp/maps for stable key ordering.
func StableDict(m map[string]Value) Value {
	keys := maps.Keys(m)
	slices.Sort(keys)
	entries := make([]DictEntry, 0, len(keys))
	for _, k := range keys {
		sv, _ := NewString(k)
		entries = append(entries, DictEntry{Key: sv, Value: m[k]})
	}
	return Dict(entries)
}

// Equal reports structural equality, used by the round-trip property
// tests (§8 property 6).
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindInvalid, KindNil:
		return true
	case KindUnsigned:
		return a.u == b.u
	case KindSigned:
		return a.i == b.i
	case KindBool:
		return a.b == b.b
	case KindFloat:
		return a.f == b.f
	case KindString:
		return a.s == b.s
	case KindObject:
		return a.obj == b.obj
	case KindData:
		return string(a.data) == string(b.data)
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindDict:
		if len(a.dict) != len(b.dict) {
			return false
		}
		for i := range a.dict {
			if !Equal(a.dict[i].Key, b.dict[i].Key) || !Equal(a.dict[i].Value, b.dict[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}