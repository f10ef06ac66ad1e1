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

// Package sim names the contract the host simulator exposes. The
// simulator itself is out of scope (§1): this package only states the
// shape every architecture, introspection, snapshot, and placement
// component needs from a live machine, so the rest of the module can be
// built and tested against any host that implements it.
package sim

import "context"

// SnapshotHandle is an opaque host-side handle; callers only ever pass it
// back to RestoreSnapshot.
type SnapshotHandle interface{}

// Machine is one simulated CPU (and, transitively, the memory and devices
// it can reach) as the fuzzing core needs it: register and memory access,
// address translation, simulated time, and snapshot/restore.
type Machine interface {
	// Architecture reports "x86-64" or "aarch64", used once at start to
	// select a Tracer implementation (§9 "Dynamic dispatch across
	// architectures").
	Architecture() string

	// ReadReg and WriteReg access a named architectural register. Width
	// truncation/extension is the caller's responsibility.
	ReadReg(name string) (uint64, error)
	WriteReg(name string, value uint64) error

	// HasReg reports whether name is one of the registers the machine's
	// register file actually exposes, as distinct from ReadReg's silent
	// zero-value default for an unknown name. Used at tracer-selection
	// time to catch a host that reports one architecture but exposes a
	// register file for another (§4.1 edge case).
	HasReg(name string) bool

	// ReadMem and WriteMem translate va through the machine's current
	// address space before accessing width/len(data) bytes.
	ReadMem(ctx context.Context, va uint64, width int) ([]byte, error)
	WriteMem(ctx context.Context, va uint64, data []byte) error

	// Translate resolves va to a physical address for the given access
	// direction, without performing the access.
	Translate(va uint64, forWrite bool) (pa uint64, err error)

	// SimCycles returns the number of cycles simulated since the machine
	// started running, used by the classifier's timeout check (§4.8).
	SimCycles() uint64

	// TakeSnapshot and RestoreSnapshot implement C5. A restore that
	// returns nil implies the invariant in §3.1 holds.
	TakeSnapshot(name string) (SnapshotHandle, error)
	RestoreSnapshot(h SnapshotHandle) error

	// StopCPU cooperatively requests the host halt the instruction loop;
	// it does not block for the halt to take effect.
	StopCPU()
}

// Exception is a CPU exception/trap identity as reported by the host,
// architecture-neutral (§4.8 classifies by the raw identity, not by a
// translated name).
type Exception struct {
	ID   uint32
	Data uint64
}