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

// Package placement writes a mutated input buffer into the target's
// address space (C6), by magic-instruction convention or at a resolved
// symbol's calling-convention registers, and writes back the used length
// to the caller-specified sink.
package placement

import (
	"context"
	"fmt"

	"github.com/gmofishsauce/simfuzz/sim"
)

// Selector values carried in the magic instruction's first register
// (§6's magic instruction convention table).
const (
	SelectorStart              = 1
	SelectorStop               = 2
	SelectorStartMaxInSink     = 3
)

// SinkWidth is the byte width of the length sink write; §6 allows
// 1, 2, 4, or 8, defaulting to 8.
type SinkWidth int

const (
	Sink1 SinkWidth = 1
	Sink2 SinkWidth = 2
	Sink4 SinkWidth = 4
	Sink8 SinkWidth = 8
)

// Spec is the per-iteration agreement between fuzzer and target (§3
// InputSpec): buffer address, maximum capacity, and length-sink address.
// It is valid for one iteration only (invariant 3): callers must not
// cache it across iterations.
type Spec struct {
	BufferVA      uint64
	MaxCapacity   uint64
	LengthSinkVA  uint64
	SinkWidth     SinkWidth
	Truncate      bool
}

// FromMagic builds a Spec from the magic-instruction register convention
// (§6): selector, arg0 (buffer VA), arg1 (max capacity, or ignored under
// SelectorStartMaxInSink), arg2 (length sink VA).
func FromMagic(ctx context.Context, m sim.Machine, selector, arg0, arg1, arg2 uint64, sinkWidth SinkWidth, truncate bool) (Spec, error) {
	s := Spec{
		BufferVA:     arg0,
		LengthSinkVA: arg2,
		SinkWidth:    sinkWidth,
		Truncate:     truncate,
	}
	switch selector {
	case SelectorStart:
		s.MaxCapacity = arg1
	case SelectorStartMaxInSink:
		data, err := m.ReadMem(ctx, arg2, int(sinkWidth))
		if err != nil {
			return Spec{}, fmt.Errorf("placement: read max-capacity from sink: %w", err)
		}
		s.MaxCapacity = decodeLE(data)
	default:
		return Spec{}, fmt.Errorf("placement: selector %d is not a start selector", selector)
	}
	return s, nil
}

// FromSymbolEntry builds a Spec from the platform calling convention's
// first three integer argument registers, already resolved by the caller
// (§4.6 "Symbol mode").
func FromSymbolEntry(bufferVA, maxCapacity, lengthSinkVA uint64, sinkWidth SinkWidth, truncate bool) Spec {
	return Spec{
		BufferVA:     bufferVA,
		MaxCapacity:  maxCapacity,
		LengthSinkVA: lengthSinkVA,
		SinkWidth:    sinkWidth,
		Truncate:     truncate,
	}
}

// Place writes input into the target's address space per s, truncating
// to MaxCapacity when s.Truncate is set, and writes the used length to
// the length sink. It returns the number of bytes actually written.
func Place(ctx context.Context, m sim.Machine, s Spec, input []byte) (int, error) {
	n := len(input)
	if uint64(n) > s.MaxCapacity {
		if !s.Truncate {
			return 0, fmt.Errorf("placement: input length %d exceeds capacity %d", n, s.MaxCapacity)
		}
		n = int(s.MaxCapacity)
	}
	if err := m.WriteMem(ctx, s.BufferVA, input[:n]); err != nil {
		return 0, fmt.Errorf("placement: write buffer at 0x%x: %w", s.BufferVA, err)
	}
	lenBytes := encodeLE(uint64(n), int(s.SinkWidth))
	if err := m.WriteMem(ctx, s.LengthSinkVA, lenBytes); err != nil {
		return 0, fmt.Errorf("placement: write length sink at 0x%x: %w", s.LengthSinkVA, err)
	}
	return n, nil
}

func encodeLE(v uint64, width int) []byte {
	out := make([]byte, width)
	for i := 0; i < width; i++ {
		out[i] = byte(v >> (8 * uint(i)))
	}
	return out
}

func decodeLE(data []byte) uint64 {
	var v uint64
	for i, b := range data {
		v |= uint64(b) << (8 * uint(i))
	}
	return v
}
