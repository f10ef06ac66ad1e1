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
	"testing"

	"github.com/gmofishsauce/simfuzz/internal/fakesim"
)

func putU64(t *testing.T, m *fakesim.Machine, va, v uint64) {
	t.Helper()
	if err := m.WriteMem(context.Background(), va, binary.LittleEndian.AppendUint64(nil, v)); err != nil {
		t.Fatal(err)
	}
}

func putUnicodeString(t *testing.T, m *fakesim.Machine, hdrVA uint64, s string) {
	t.Helper()
	units := make([]byte, 0, len(s)*2)
	for _, r := range s {
		units = binary.LittleEndian.AppendUint16(units, uint16(r))
	}
	const bufVA = 0x9000
	hdr := make([]byte, 16)
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(len(units)))
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(units)))
	binary.LittleEndian.PutUint64(hdr[8:16], bufVA+hdrVA) // unique buffer per entry
	if err := m.WriteMem(context.Background(), hdrVA, hdr); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteMem(context.Background(), bufVA+hdrVA, units); err != nil {
		t.Fatal(err)
	}
}

// TestProcessAndModuleWalk builds one synthetic EPROCESS with a
// single-element ActiveProcessLinks and InLoadOrderModuleList (both
// circular, closing on themselves) and checks the walker reconstructs
// pid, name, DTB, and the one module (§4.4 algorithm, §9 "Cyclic
// structures": terminate on head revisit).
func TestProcessAndModuleWalk(t *testing.T) {
	m := fakesim.New("x86-64", 0)
	ctx := context.Background()
	layout, ok := ForBuild(BuildNumber{10, 0, 19041})
	if !ok {
		t.Fatal("no layout for test build")
	}

	const (
		kpcrVA     = 0x1000
		idtBase    = 0xfffff800_00000000
		kthreadVA  = 0x2000
		eprocessVA = 0x3000
		pebVA      = 0x4000
		ldrVA      = 0x5000
		entryVA    = 0x6000
	)

	putU64(t, m, kpcrVA+layout.KPCRSelf, kpcrVA)
	putU64(t, m, kpcrVA+layout.KPCRIdtBase, idtBase)
	putU64(t, m, kpcrVA+layout.KPCRPrcb+layout.KPRCBCurrentThread, kthreadVA)
	putU64(t, m, kthreadVA+layout.KTHREADProcess, eprocessVA)

	putU64(t, m, eprocessVA+layout.EPROCESSUniqueProcessID, 4242)
	if err := m.WriteMem(ctx, eprocessVA+layout.EPROCESSImageFileName, append([]byte("test.exe"), 0)); err != nil {
		t.Fatal(err)
	}
	putU64(t, m, eprocessVA+layout.EPROCESSDirectoryTableBase, 0x123000)
	putU64(t, m, eprocessVA+layout.EPROCESSPeb, pebVA)

	headLinksVA := eprocessVA + layout.EPROCESSActiveProcessLinks
	putU64(t, m, headLinksVA, headLinksVA)   // Flink: self-loop
	putU64(t, m, headLinksVA+8, headLinksVA) // Blink

	putU64(t, m, pebVA+layout.PEBLdr, ldrVA)
	headModVA := ldrVA + layout.PEBLDRDataInLoadOrderModuleList
	putU64(t, m, headModVA, entryVA)
	putU64(t, m, entryVA+layout.LDRDataTableEntryInLoadOrderLinks, headModVA)

	putU64(t, m, entryVA+layout.LDRDataTableEntryDllBase, 0x140000000)
	putU64(t, m, entryVA+layout.LDRDataTableEntrySizeOfImage, 0x2000)
	putUnicodeString(t, m, entryVA+layout.LDRDataTableEntryFullDllName, "C:\\test.exe")
	putUnicodeString(t, m, entryVA+layout.LDRDataTableEntryBaseDllName, "test.exe")

	w := NewWalker(m, layout, nil)
	if err := w.ValidateKPCR(ctx, kpcrVA, kpcrVA, idtBase); err != nil {
		t.Fatalf("ValidateKPCR: %v", err)
	}

	procs, err := w.Processes(ctx, kpcrVA)
	if err != nil {
		t.Fatalf("Processes: %v", err)
	}
	if len(procs) != 1 {
		t.Fatalf("got %d processes, want 1", len(procs))
	}
	p := procs[0]
	if p.PID != 4242 {
		t.Errorf("pid = %d, want 4242", p.PID)
	}
	if p.Name != "test.exe" {
		t.Errorf("name = %q, want test.exe", p.Name)
	}
	if p.DTB != 0x123000 {
		t.Errorf("dtb = 0x%x, want 0x123000", p.DTB)
	}
	if len(p.Modules) != 1 {
		t.Fatalf("got %d modules, want 1", len(p.Modules))
	}
	mod := p.Modules[0]
	if mod.Base != 0x140000000 || mod.Size != 0x2000 {
		t.Errorf("module = %+v, want base=0x140000000 size=0x2000", mod)
	}
	if mod.BaseName != "test.exe" {
		t.Errorf("base name = %q, want test.exe", mod.BaseName)
	}
}

func TestValidateKPCRRejectsMismatch(t *testing.T) {
	m := fakesim.New("x86-64", 0)
	ctx := context.Background()
	layout, _ := ForBuild(BuildNumber{10, 0, 19041})
	putU64(t, m, 0x1000+layout.KPCRSelf, 0x1000)
	putU64(t, m, 0x1000+layout.KPCRIdtBase, 0xaaaa)

	w := NewWalker(m, layout, nil)
	if err := w.ValidateKPCR(ctx, 0x1000, 0x1000, 0xbbbb); err == nil {
		t.Fatal("expected ErrAbort on IDT base mismatch")
	}
}
