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

// Package snapshot wraps the host's save/restore primitive (C5): one
// snapshot taken at the start harness event, restored at every iteration
// boundary. A restore failure is session-fatal (§4.5, §7), surfaced as
// ErrFatal the way the teacher treats an unrecoverable SD card write
// failure as fatal rather than retried (emul/sdcard.go).
package snapshot

import (
	"fmt"

	"github.com/gmofishsauce/simfuzz/sim"
)

// ErrFatal wraps a restore failure; the caller must stop the session.
type ErrFatal struct {
	Name string
	Err  error
}

func (e *ErrFatal) Error() string {
	return fmt.Sprintf("snapshot: fatal restore failure for %q: %v", e.Name, e.Err)
}

func (e *ErrFatal) Unwrap() error { return e.Err }

// Controller owns exactly one snapshot for the lifetime of a session.
type Controller struct {
	machine sim.Machine
	name    string
	handle  sim.SnapshotHandle
	taken   bool
}

func New(machine sim.Machine) *Controller {
	return &Controller{machine: machine}
}

// Take records the single authoritative pre-fuzz snapshot. Calling it a
// second time replaces the held handle. fuzz.Driver's iteration path
// calls Take only while no snapshot has been taken (at the first start
// event); its TakeSnapshot entry point calls Take unconditionally.
func (c *Controller) Take(name string) error {
	h, err := c.machine.TakeSnapshot(name)
	if err != nil {
		return fmt.Errorf("snapshot: take %q: %w", name, err)
	}
	c.name = name
	c.handle = h
	c.taken = true
	return nil
}

// Taken reports whether Take has succeeded at least once.
func (c *Controller) Taken() bool { return c.taken }

// Restore returns the machine to the held snapshot. A failure is always
// an *ErrFatal; the caller must stop the session (§4.5, §7).
func (c *Controller) Restore() error {
	if !c.taken {
		return &ErrFatal{Name: c.name, Err: fmt.Errorf("no snapshot taken")}
	}
	if err := c.machine.RestoreSnapshot(c.handle); err != nil {
		return &ErrFatal{Name: c.name, Err: err}
	}
	return nil
}
