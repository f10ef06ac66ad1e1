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

// Package slog is the module's own small leveled logger, in the shape of
// github.com/google/syzkaller/pkg/log (dot-imported by
// mitthu-syzkaller/syz-fuzzer/proc.go as "Logf(1, ...)") — simfuzz cannot
// import syzkaller's internal package from outside its module, so it
// keeps the same call shape as its own package instead of reaching for a
// general-purpose structured logging library.
package slog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

var (
	mu  sync.Mutex
	lvl = 0
)

// SetLevel sets the process-wide verbosity threshold; Logf calls at a
// level above it are dropped.
func SetLevel(v int) {
	mu.Lock()
	defer mu.Unlock()
	lvl = v
}

// Logf writes a leveled, timestamped line to stderr when level is at or
// below the configured verbosity.
func Logf(level int, format string, args ...any) {
	mu.Lock()
	cur := lvl
	mu.Unlock()
	if level > cur {
		return
	}
	ts := time.Now().Format("15:04:05.000")
	fmt.Fprintf(os.Stderr, "%s %s\n", ts, fmt.Sprintf(format, args...))
}

// Fatalf logs unconditionally and terminates the process; reserved for
// programmer errors and unrecoverable session state, matching the
// teacher's sparing use of direct process termination outside panic.
func Fatalf(format string, args ...any) {
	Logf(0, format, args...)
	os.Exit(1)
}