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

import "testing"

func TestRoundTripNativeTypes(t *testing.T) {
	cases := []any{
		nil, true, false,
		uint8(0xFF), uint16(0xBEEF), uint32(0xDEADBEEF), uint64(1) << 40,
		int8(-1), int16(-1000), int32(-100000), int64(-1) << 40,
		float32(1.5), float64(3.25),
		"hello",
		[]byte{1, 2, 3},
	}
	for _, c := range cases {
		a, err := From(c)
		if err != nil {
			t.Fatalf("From(%v): %v", c, err)
		}
		switch want := c.(type) {
		case nil:
			if a.Kind() != KindNil {
				t.Errorf("nil produced kind %s", a.Kind())
			}
		case bool:
			got, err := a.AsBool()
			if err != nil || got != want {
				t.Errorf("bool round trip: got %v, %v", got, err)
			}
		case string:
			got, err := a.AsString()
			if err != nil || got != want {
				t.Errorf("string round trip: got %v, %v", got, err)
			}
		case []byte:
			got, err := a.AsData()
			if err != nil || string(got) != string(want) {
				t.Errorf("data round trip: got %v, %v", got, err)
			}
		}
	}
}

func TestNegativeToUnsignedRejected(t *testing.T) {
	v := Signed(-1)
	if _, err := v.AsUint64(); err != ErrNegativeToUnsigned {
		t.Fatalf("want ErrNegativeToUnsigned, got %v", err)
	}
	if _, err := ToUint(v, 64); err != ErrNegativeToUnsigned {
		t.Fatalf("ToUint: want ErrNegativeToUnsigned, got %v", err)
	}
}

func TestStringRejectsInteriorNUL(t *testing.T) {
	if _, err := NewString("a\x00b"); err == nil {
		t.Fatal("expected error for interior NUL")
	}
}

func TestDictStableOrdering(t *testing.T) {
	m := map[string]Value{
		"zeta":  Unsigned(1),
		"alpha": Unsigned(2),
		"mid":   Unsigned(3),
	}
	d := StableDict(m)
	entries, err := d.AsDict()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, e := range entries {
		k, _ := e.Key.AsString()
		if k != want[i] {
			t.Errorf("entry %d: got %s, want %s", i, k, want[i])
		}
	}
}

func TestEqualList(t *testing.T) {
	a := List([]Value{Unsigned(1), Bool(true)})
	b := List([]Value{Unsigned(1), Bool(true)})
	c := List([]Value{Unsigned(2)})
	if !Equal(a, b) {
		t.Error("expected equal lists to compare equal")
	}
	if Equal(a, c) {
		t.Error("expected different lists to compare unequal")
	}
}