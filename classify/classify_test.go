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

package classify

import "testing"

func TestTimeoutBoundary(t *testing.T) {
	cfg := DefaultX86_64()
	const T = 1000
	got := Classify(nil, nil, T, T, cfg)
	if got.Kind != Continue {
		t.Fatalf("at T cycles: got %v, want Continue", got.Kind)
	}
	got = Classify(nil, nil, T+1, T, cfg)
	if got.Kind != Timeout {
		t.Fatalf("at T+1 cycles: got %v, want Timeout", got.Kind)
	}
}

func TestCrashClassification(t *testing.T) {
	cfg := DefaultX86_64()
	exc := uint32(14) // page fault
	got := Classify(&exc, nil, 10, 1000, cfg)
	if got.Kind != Crash || got.ExceptionID != 14 {
		t.Fatalf("got %+v, want Crash(14)", got)
	}
}

func TestMagicStopNormal(t *testing.T) {
	cfg := DefaultX86_64()
	code := uint32(0)
	got := Classify(nil, &code, 10, 1000, cfg)
	if got.Kind != NormalStop {
		t.Fatalf("got %v, want NormalStop", got.Kind)
	}
}

func TestIgnoredExceptionContinues(t *testing.T) {
	cfg := DefaultX86_64()
	exc := uint32(32) // timer interrupt
	got := Classify(&exc, nil, 10, 1000, cfg)
	if got.Kind != Continue {
		t.Fatalf("got %v, want Continue for ignored exception", got.Kind)
	}
}

// TestIgnoredExceptionPastTimeoutStillTimesOut guards against the ignore
// check short-circuiting before the elapsed-cycle check runs: a timer
// interrupt delivered after the budget is exhausted must still seal the
// iteration as a Timeout, not paper over it with Continue.
func TestIgnoredExceptionPastTimeoutStillTimesOut(t *testing.T) {
	cfg := DefaultX86_64()
	exc := uint32(32) // timer interrupt, in IgnoreExceptions
	got := Classify(&exc, nil, 1001, 1000, cfg)
	if got.Kind != Timeout {
		t.Fatalf("got %v, want Timeout for ignored exception past the budget", got.Kind)
	}
}

func TestNonzeroMagicRemappedToAbort(t *testing.T) {
	cfg := DefaultX86_64()
	cfg.RemapNonzeroMagicToAbort = true
	cfg.AbortExceptionID = 0xff
	code := uint32(7)
	got := Classify(nil, &code, 10, 1000, cfg)
	if got.Kind != Crash || got.ExceptionID != 0xff {
		t.Fatalf("got %+v, want Crash(0xff)", got)
	}
}
