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

package attr

import "fmt"

// From converts a native Go value of one of the supported types into its
// attribute representation (§4.3's round-trip guarantee: the matching As*
// accessor, or ToUint/ToInt for narrower integer widths, recovers the
// original value from the attribute From produces).
func From(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Nil, nil
	case bool:
		return Bool(x), nil
	case uint8:
		return Unsigned(uint64(x)), nil
	case uint16:
		return Unsigned(uint64(x)), nil
	case uint32:
		return Unsigned(uint64(x)), nil
	case uint64:
		return Unsigned(x), nil
	case int8:
		return Signed(int64(x)), nil
	case int16:
		return Signed(int64(x)), nil
	case int32:
		return Signed(int64(x)), nil
	case int64:
		return Signed(x), nil
	case float32:
		return Float(float64(x)), nil
	case float64:
		return Float(x), nil
	case string:
		return NewString(x)
	case []byte:
		return Data(x), nil
	case []Value:
		return List(x), nil
	case []DictEntry:
		return Dict(x), nil
	default:
		return Object(v), nil
	}
}

// ToUint narrows an attribute to a fixed-width unsigned native type,
// rejecting both sign and range violations instead of wrapping.
func ToUint(v Value, bits int) (uint64, error) {
	u, err := v.AsUint64()
	if err != nil {
		return 0, err
	}
	if bits < 64 && u >= (uint64(1)<<uint(bits)) {
		return 0, fmt.Errorf("attr: value %d does not fit in %d unsigned bits", u, bits)
	}
	return u, nil
}

// ToInt narrows an attribute to a fixed-width signed native type.
func ToInt(v Value, bits int) (int64, error) {
	i, err := v.AsInt64()
	if err != nil {
		return 0, err
	}
	if bits < 64 {
		lo := -(int64(1) << uint(bits-1))
		hi := (int64(1) << uint(bits-1)) - 1
		if i < lo || i > hi {
			return 0, fmt.Errorf("attr: value %d does not fit in %d signed bits", i, bits)
		}
	}
	return i, nil
}