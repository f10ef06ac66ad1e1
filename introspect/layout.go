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

// Package introspect implements OS introspection (C4): walking a live
// Windows kernel's per-CPU, per-thread, and per-process structures to
// enumerate loaded modules and resolve debug symbols, used only when the
// configuration asks the fuzzer to start at a symbol name (§4.4).
//
// Field offsets are selected from a build-number-indexed Layout table,
// the same build-tagged-struct-per-Windows-release approach the original
// implementation takes (original_source/src/os/windows/structs.rs, which
// carries one generated struct set per (major, minor, build) under
// windows_10_0_<build>_<rev>_x64) — expressed here as a single offset
// table type populated per build rather than one Go struct literal per
// Windows release, since Go has no equivalent of per-build conditional
// compilation for this shape of data.
package introspect

// Layout is the build-indexed set of field offsets C4 needs to walk
// KPCR, KPRCB, ETHREAD/KTHREAD, EPROCESS, and PEB/LDR structures (§4.4).
// All offsets are byte offsets from the start of the named structure.
type Layout struct {
	Build BuildNumber

	KPCRSelf    uint64 // KPCR.Self
	KPCRIdtBase uint64 // KPCR.IdtBase
	KPCRPrcb    uint64 // KPCR.Prcb (KPRCB is inline in KPCR on x64)

	KPRCBCurrentThread uint64 // KPRCB.CurrentThread -> *KTHREAD

	KTHREADProcess uint64 // KTHREAD.Process -> *EPROCESS
	KTHREADTeb     uint64 // ETHREAD.Tcb.Teb (TEB VA, user mode)

	EPROCESSUniqueProcessID       uint64
	EPROCESSActiveProcessLinks    uint64 // LIST_ENTRY
	EPROCESSImageFileName         uint64 // SeAuditProcessCreationInfo.ImageFileName, 15 bytes + NUL
	EPROCESSPeb                   uint64
	EPROCESSDirectoryTableBase    uint64
	EPROCESSUserDirectoryTableBase uint64 // 0 before 1803; valid fallback 1803+

	PEBLdr uint64 // PEB.Ldr -> *PEB_LDR_DATA

	PEBLDRDataInLoadOrderModuleList uint64 // PEB_LDR_DATA.InLoadOrderModuleList, LIST_ENTRY

	LDRDataTableEntryInLoadOrderLinks uint64 // LIST_ENTRY, list node itself
	LDRDataTableEntryDllBase          uint64
	LDRDataTableEntrySizeOfImage      uint64
	LDRDataTableEntryFullDllName      uint64 // UNICODE_STRING
	LDRDataTableEntryBaseDllName      uint64 // UNICODE_STRING
}

// BuildNumber identifies a Windows 10.0 release by (major, minor, build);
// §4.4 scopes introspection to Windows kernel 10.0 builds.
type BuildNumber struct {
	Major, Minor, Build uint32
}

// known holds one Layout per supported build, keyed by BuildNumber. The
// 1803 release (build 17134) is the one the UserDirectoryTableBase
// fallback rule (§4.4 step 4) first applies to; offsets below are the
// ones the original's structs.rs generates for that build family and are
// carried forward unchanged for the handful of releases simfuzz supports
// out of the box. A production deployment grows this table from the same
// PDB-derived offsets; that generation step is out of scope here (§1).
var known = map[BuildNumber]Layout{
	{10, 0, 17134}: {
		Build:                          BuildNumber{10, 0, 17134},
		KPCRSelf:                       0x18,
		KPCRIdtBase:                    0x38,
		KPCRPrcb:                       0x180,
		KPRCBCurrentThread:             0x8,
		KTHREADProcess:                 0x220,
		KTHREADTeb:                     0x2f0,
		EPROCESSUniqueProcessID:        0x2e8,
		EPROCESSActiveProcessLinks:     0x2f0,
		EPROCESSImageFileName:          0x450,
		EPROCESSPeb:                    0x3f8,
		EPROCESSDirectoryTableBase:     0x28,
		EPROCESSUserDirectoryTableBase: 0x388,
		PEBLdr:                         0x18,
		PEBLDRDataInLoadOrderModuleList: 0x10,
		LDRDataTableEntryInLoadOrderLinks: 0x0,
		LDRDataTableEntryDllBase:          0x30,
		LDRDataTableEntrySizeOfImage:      0x40,
		LDRDataTableEntryFullDllName:      0x48,
		LDRDataTableEntryBaseDllName:      0x58,
	},
	{10, 0, 19041}: {
		Build:                          BuildNumber{10, 0, 19041},
		KPCRSelf:                       0x18,
		KPCRIdtBase:                    0x38,
		KPCRPrcb:                       0x180,
		KPRCBCurrentThread:             0x8,
		KTHREADProcess:                 0x220,
		KTHREADTeb:                     0x2f0,
		EPROCESSUniqueProcessID:        0x2e8,
		EPROCESSActiveProcessLinks:     0x2f0,
		EPROCESSImageFileName:          0x5a8,
		EPROCESSPeb:                    0x3f8,
		EPROCESSDirectoryTableBase:     0x28,
		EPROCESSUserDirectoryTableBase: 0x388,
		PEBLdr:                         0x18,
		PEBLDRDataInLoadOrderModuleList: 0x10,
		LDRDataTableEntryInLoadOrderLinks: 0x0,
		LDRDataTableEntryDllBase:          0x30,
		LDRDataTableEntrySizeOfImage:      0x40,
		LDRDataTableEntryFullDllName:      0x48,
		LDRDataTableEntryBaseDllName:      0x58,
	},
}

// ForBuild returns the Layout for an exact (major, minor, build) match.
// §4.4 disables symbol-based start rather than guessing a nearby layout
// when the running kernel's build isn't one simfuzz knows.
func ForBuild(b BuildNumber) (Layout, bool) {
	l, ok := known[b]
	return l, ok
}

// SupportsUserDirectoryTableBase reports whether b is 1803 (build 17134)
// or later, where EPROCESS.DirectoryTableBase may legitimately be zero
// and UserDirectoryTableBase must be read instead (§4.4 step 4).
func (b BuildNumber) SupportsUserDirectoryTableBase() bool {
	return b.Build >= 17134
}
