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

// Package classify decides the outcome of one iteration from a CPU
// exception identity, a magic stop code, and elapsed simulated time. It
// is a pure function over its inputs and never fails (§4.8, §7:
// "Classification never fails"), mirroring the teacher's own
// updateFlags-style helpers that compute a result from arguments with no
// I/O and no error return (emul/exec.go).
package classify

// OutcomeKind tags the classified result of an iteration.
type OutcomeKind uint8

const (
	Continue OutcomeKind = iota
	NormalStop
	Crash
	Timeout

	// InternalError is never produced by Classify itself: it seals an
	// iteration the driver had to abandon (a failed input placement, §7)
	// rather than one the target terminated.
	InternalError
)

// Outcome is the sealed verdict C7 acts on.
type Outcome struct {
	Kind OutcomeKind

	// ExceptionID is set when Kind == Crash.
	ExceptionID uint32

	// MagicCode is set when Kind == NormalStop, carried from the stop
	// event (§4.8: "nonzero code may be remapped to Crash(Abort)").
	MagicCode uint32
}

// Config is the classifier's configurable filter, one instance per
// architecture default set (§4.8, §6 "crash_exceptions"/"ignore_exceptions").
type Config struct {
	CrashExceptions  map[uint32]bool
	IgnoreExceptions map[uint32]bool

	// RemapNonzeroMagicToAbort, when true, turns a nonzero magic stop
	// code into Crash rather than NormalStop (§4.8).
	RemapNonzeroMagicToAbort bool
	AbortExceptionID         uint32
}

// x86-64 default crash set: page fault (14), invalid opcode (6), double
// fault (8), general protection (13).
func DefaultX86_64() Config {
	return Config{
		CrashExceptions:  map[uint32]bool{14: true, 6: true, 8: true, 13: true},
		IgnoreExceptions: map[uint32]bool{0: true, 32: true},
	}
}

// AArch64 default crash set: prefetch abort (synchronous, EL1, 0x21 class
// placeholder) and data abort; represented here by the identities the
// fake simulator and tests use.
func DefaultAArch64() Config {
	return Config{
		CrashExceptions:  map[uint32]bool{0x21: true, 0x25: true},
		IgnoreExceptions: map[uint32]bool{0x01: true},
	}
}

// Classify is the pure decision function (§4.8's decision table). A nil
// exception/magicCode means that signal did not fire this call.
func Classify(exception *uint32, magicCode *uint32, elapsedCycles, timeoutCycles uint64, cfg Config) Outcome {
	if magicCode != nil {
		if *magicCode != 0 && cfg.RemapNonzeroMagicToAbort {
			return Outcome{Kind: Crash, ExceptionID: cfg.AbortExceptionID}
		}
		return Outcome{Kind: NormalStop, MagicCode: *magicCode}
	}
	if exception != nil && !cfg.IgnoreExceptions[*exception] {
		if cfg.CrashExceptions[*exception] {
			return Outcome{Kind: Crash, ExceptionID: *exception}
		}
	}
	if elapsedCycles > timeoutCycles {
		return Outcome{Kind: Timeout}
	}
	return Outcome{Kind: Continue}
}
