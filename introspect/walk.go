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

package introspect

import (
	"context"
	"encoding/binary"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/gmofishsauce/simfuzz/sim"

	. "github.com/gmofishsauce/simfuzz/internal/slog"
)

// Module is one loaded module entry from a process's PEB loader list
// (§3 "Process/module snapshot").
type Module struct {
	Base      uint64
	Size      uint64
	FullName  string
	BaseName  string
	DebugInfo map[string]uint64 // export name -> offset from Base, nil if unresolved
}

// Process is one enumerated EPROCESS (§3).
type Process struct {
	PID     uint64
	Name    string
	DTB     uint64
	PEBBase uint64
	Modules []Module
}

// SymbolSource resolves a module's exported symbols from its debug
// signature; §1 names PDB download/local load as an external
// collaborator, so simfuzz only states the contract.
type SymbolSource interface {
	Resolve(ctx context.Context, moduleName string, debugSig string) (map[string]uint64, error)
}

// ErrAbort is returned when the KPCR self/IDT validation fails (§4.4 step
// 2); the caller disables symbol-based start but the session continues
// in magic-instruction mode if configured to fall back (§7).
var ErrAbort = fmt.Errorf("introspect: KPCR validation failed")

// Walker enumerates processes and modules from a live kernel CPU.
type Walker struct {
	Machine sim.Machine
	Layout  Layout
	Symbols SymbolSource

	// negativeMisses remembers (module, debugSig) pairs that have already
	// failed symbol resolution once this run, so a missing PDB is queried
	// only once per run (§4.4 step 5).
	negativeMisses map[string]bool
}

// NewWalker builds a Walker; Symbols may be nil when only module
// enumeration (no symbol resolution) is needed.
func NewWalker(m sim.Machine, layout Layout, symbols SymbolSource) *Walker {
	return &Walker{Machine: m, Layout: layout, Symbols: symbols, negativeMisses: map[string]bool{}}
}

// readU64 reads 8 bytes at va through the machine and decodes them
// little-endian.
func readU64(ctx context.Context, m sim.Machine, va uint64) (uint64, error) {
	b, err := m.ReadMem(ctx, va, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// readUnicodeString reads a UNICODE_STRING (Length u16, MaximumLength
// u16, 4 bytes padding, Buffer *u16) at va and decodes its UTF-16LE text.
func readUnicodeString(ctx context.Context, m sim.Machine, va uint64) (string, error) {
	hdr, err := m.ReadMem(ctx, va, 16)
	if err != nil {
		return "", err
	}
	length := binary.LittleEndian.Uint16(hdr[0:2])
	bufPtr := binary.LittleEndian.Uint64(hdr[8:16])
	if length == 0 || bufPtr == 0 {
		return "", nil
	}
	raw, err := m.ReadMem(ctx, bufPtr, int(length))
	if err != nil {
		return "", err
	}
	units := make([]uint16, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		units = append(units, binary.LittleEndian.Uint16(raw[i:i+2]))
	}
	return decodeUTF16(units), nil
}

func decodeUTF16(units []uint16) string {
	out := make([]rune, 0, len(units))
	for i := 0; i < len(units); i++ {
		u := units[i]
		if u >= 0xd800 && u <= 0xdbff && i+1 < len(units) {
			u2 := units[i+1]
			if u2 >= 0xdc00 && u2 <= 0xdfff {
				r := (rune(u-0xd800)<<10 | rune(u2-0xdc00)) + 0x10000
				out = append(out, r)
				i++
				continue
			}
		}
		out = append(out, rune(u))
	}
	return string(out)
}

// ValidateKPCR reads the current CPU's KPCR and checks the
// self-reference and IDT base against the CPU's own reported state
// (§4.4 step 2).
func (w *Walker) ValidateKPCR(ctx context.Context, kpcrVA, gsBase, idtBase uint64) error {
	self, err := readU64(ctx, w.Machine, kpcrVA+w.Layout.KPCRSelf)
	if err != nil {
		return fmt.Errorf("introspect: read KPCR.Self: %w", err)
	}
	idt, err := readU64(ctx, w.Machine, kpcrVA+w.Layout.KPCRIdtBase)
	if err != nil {
		return fmt.Errorf("introspect: read KPCR.IdtBase: %w", err)
	}
	if self != gsBase {
		return fmt.Errorf("%w: Self=0x%x != GS base 0x%x", ErrAbort, self, gsBase)
	}
	if idt != idtBase {
		return fmt.Errorf("%w: IdtBase=0x%x != CPU IDT base 0x%x", ErrAbort, idt, idtBase)
	}
	return nil
}

// Processes walks the circular ActiveProcessLinks list starting from the
// process owning the current thread, per §4.4 steps 3-4. It terminates
// by revisiting the head pointer rather than relying on a NULL terminator
// (§9 "Cyclic structures").
func (w *Walker) Processes(ctx context.Context, kpcrVA uint64) ([]Process, error) {
	l := w.Layout
	kprcbVA := kpcrVA + l.KPCRPrcb
	kthreadVA, err := readU64(ctx, w.Machine, kprcbVA+l.KPRCBCurrentThread)
	if err != nil {
		return nil, fmt.Errorf("introspect: read KPRCB.CurrentThread: %w", err)
	}
	headEProcessVA, err := readU64(ctx, w.Machine, kthreadVA+l.KTHREADProcess)
	if err != nil {
		return nil, fmt.Errorf("introspect: read KTHREAD.Process: %w", err)
	}

	headLinksVA := headEProcessVA + l.EPROCESSActiveProcessLinks
	var out []Process
	cur := headLinksVA
	visited := map[uint64]bool{}
	for {
		if visited[cur] {
			break
		}
		visited[cur] = true

		eprocessVA := cur - l.EPROCESSActiveProcessLinks
		p, err := w.readProcess(ctx, eprocessVA)
		if err != nil {
			Logf(1, "introspect: skipping unreadable EPROCESS at 0x%x: %v", eprocessVA, err)
		} else {
			out = append(out, p)
		}

		next, err := readU64(ctx, w.Machine, cur) // LIST_ENTRY.Flink is first field
		if err != nil {
			return out, fmt.Errorf("introspect: read ActiveProcessLinks.Flink: %w", err)
		}
		if next == headLinksVA {
			break
		}
		cur = next
	}
	return out, nil
}

func (w *Walker) readProcess(ctx context.Context, eprocessVA uint64) (Process, error) {
	l := w.Layout
	pid, err := readU64(ctx, w.Machine, eprocessVA+l.EPROCESSUniqueProcessID)
	if err != nil {
		return Process{}, err
	}
	nameBytes, err := w.Machine.ReadMem(ctx, eprocessVA+l.EPROCESSImageFileName, 15)
	if err != nil {
		return Process{}, err
	}
	name := cString(nameBytes)

	dtb, err := readU64(ctx, w.Machine, eprocessVA+l.EPROCESSDirectoryTableBase)
	if err != nil {
		return Process{}, err
	}
	if dtb == 0 && w.Layout.Build.SupportsUserDirectoryTableBase() {
		udtb, err := readU64(ctx, w.Machine, eprocessVA+l.EPROCESSUserDirectoryTableBase)
		if err == nil {
			dtb = udtb
		}
	}

	pebVA, err := readU64(ctx, w.Machine, eprocessVA+l.EPROCESSPeb)
	if err != nil {
		return Process{}, err
	}

	proc := Process{PID: pid, Name: name, DTB: dtb, PEBBase: pebVA}
	if pebVA != 0 {
		mods, err := w.modules(ctx, pebVA)
		if err != nil {
			Logf(1, "introspect: pid %d: module walk failed: %v", pid, err)
		} else {
			proc.Modules = mods
		}
	}
	return proc, nil
}

// modules walks PEB -> Ldr -> InLoadOrderModuleList, a second circular
// list with the same revisit-against-head termination rule (§9, §4.4
// step 4).
func (w *Walker) modules(ctx context.Context, pebVA uint64) ([]Module, error) {
	l := w.Layout
	ldrVA, err := readU64(ctx, w.Machine, pebVA+l.PEBLdr)
	if err != nil || ldrVA == 0 {
		return nil, err
	}
	headVA := ldrVA + l.PEBLDRDataInLoadOrderModuleList

	var out []Module
	cur, err := readU64(ctx, w.Machine, headVA) // Flink
	if err != nil {
		return nil, err
	}
	visited := map[uint64]bool{}
	for cur != headVA {
		if visited[cur] || cur == 0 {
			break
		}
		visited[cur] = true

		entryVA := cur - l.LDRDataTableEntryInLoadOrderLinks
		base, err1 := readU64(ctx, w.Machine, entryVA+l.LDRDataTableEntryDllBase)
		size, err2 := readU64(ctx, w.Machine, entryVA+l.LDRDataTableEntrySizeOfImage)
		full, err3 := readUnicodeString(ctx, w.Machine, entryVA+l.LDRDataTableEntryFullDllName)
		base2, err4 := readUnicodeString(ctx, w.Machine, entryVA+l.LDRDataTableEntryBaseDllName)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			break
		}
		out = append(out, Module{Base: base, Size: size, FullName: full, BaseName: base2})

		next, err := readU64(ctx, w.Machine, cur)
		if err != nil {
			break
		}
		cur = next
	}
	// The load-order list has no fixed iteration order a test can assert
	// against directly; sort by base address for deterministic output.
	slices.SortFunc(out, func(a, b Module) int {
		switch {
		case a.Base < b.Base:
			return -1
		case a.Base > b.Base:
			return 1
		default:
			return 0
		}
	})
	return out, nil
}

// ResolveSymbol resolves name within module, caching a negative result so
// a missing PDB is only queried once per run (§4.4 step 5).
func (w *Walker) ResolveSymbol(ctx context.Context, mod Module, debugSig, name string) (uint64, bool) {
	if w.Symbols == nil {
		return 0, false
	}
	key := mod.BaseName + "!" + debugSig
	if w.negativeMisses[key] {
		return 0, false
	}
	if mod.DebugInfo == nil {
		syms, err := w.Symbols.Resolve(ctx, mod.BaseName, debugSig)
		if err != nil {
			w.negativeMisses[key] = true
			return 0, false
		}
		mod.DebugInfo = syms
	}
	off, ok := mod.DebugInfo[name]
	if !ok {
		return 0, false
	}
	return mod.Base + off, true
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
