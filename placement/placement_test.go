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

package placement

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/gmofishsauce/simfuzz/internal/fakesim"
)

// TestMagicStartPlacesBuffer exercises the magic-start scenario from §8:
// rdi=1, rsi=0xdead0000, rdx=0x10, rcx=0xbeef0000; mutated bytes "ABCDE".
func TestMagicStartPlacesBuffer(t *testing.T) {
	m := fakesim.New("x86-64", 0xc000_0000)
	ctx := context.Background()

	const bufferVA = 0xdead0000
	const sinkVA = 0xbeef0000

	s, err := FromMagic(ctx, m, SelectorStart, bufferVA, 0x10, sinkVA, Sink8, true)
	if err != nil {
		t.Fatalf("FromMagic: %v", err)
	}
	n, err := Place(ctx, m, s, []byte("ABCDE"))
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if n != 5 {
		t.Fatalf("wrote %d bytes, want 5", n)
	}

	got, err := m.ReadMem(ctx, bufferVA, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("ABCDE")) {
		t.Fatalf("buffer = %q, want %q", got, "ABCDE")
	}

	sinkBytes, err := m.ReadMem(ctx, sinkVA, 8)
	if err != nil {
		t.Fatal(err)
	}
	if binary.LittleEndian.Uint64(sinkBytes) != 5 {
		t.Fatalf("sink = %d, want 5", binary.LittleEndian.Uint64(sinkBytes))
	}
}

func TestPlaceTruncatesToCapacity(t *testing.T) {
	m := fakesim.New("x86-64", 4096)
	ctx := context.Background()
	s := FromSymbolEntry(0x100, 3, 0x200, Sink4, true)
	n, err := Place(ctx, m, s, []byte("ABCDE"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("wrote %d bytes, want 3 (truncated)", n)
	}
	got, _ := m.ReadMem(ctx, 0x100, 3)
	if !bytes.Equal(got, []byte("ABC")) {
		t.Fatalf("buffer = %q, want %q", got, "ABC")
	}
}

func TestPlaceRejectsOversizeWithoutTruncate(t *testing.T) {
	m := fakesim.New("x86-64", 4096)
	ctx := context.Background()
	s := FromSymbolEntry(0x100, 3, 0x200, Sink4, false)
	if _, err := Place(ctx, m, s, []byte("ABCDE")); err == nil {
		t.Fatal("expected error for oversize input without truncation")
	}
}

func TestFromMagicStartMaxInSink(t *testing.T) {
	m := fakesim.New("x86-64", 4096)
	ctx := context.Background()
	if err := m.WriteMem(ctx, 0x200, binary.LittleEndian.AppendUint64(nil, 16)); err != nil {
		t.Fatal(err)
	}
	s, err := FromMagic(ctx, m, SelectorStartMaxInSink, 0x100, 0, 0x200, Sink8, true)
	if err != nil {
		t.Fatal(err)
	}
	if s.MaxCapacity != 16 {
		t.Fatalf("max capacity = %d, want 16", s.MaxCapacity)
	}
}
