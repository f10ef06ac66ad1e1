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

// Package console puts stdin in raw mode and reads single-key commands
// through ReadCommand, exactly the way the teacher puts
// its UART's stdin in raw mode during CPU execution
// (emul/main.go's setupTerminal/restoreTerminal). simfuzz reuses the
// same save-state/MakeRaw/Restore sequence for a pause/resume/dump-maps
// status console instead of a UART.
package console

import (
	"bufio"
	"fmt"
	"os"

	"golang.org/x/term"
)

// Command is one recognized single-key console command.
type Command rune

const (
	CmdPause    Command = 'p'
	CmdResume   Command = 'r'
	CmdDumpMaps Command = 'd'
	CmdQuit     Command = 'q'
)

// Console owns the raw-mode terminal state for the lifetime of one
// session; Close always restores the original state, mirroring
// emul/main.go's defer restoreTerminal() right after setup succeeds.
type Console struct {
	fd      int
	state   *term.State
	scanner *bufio.Reader
	raw     bool
}

// Open puts stdin in raw mode if it is a terminal; on a non-terminal
// stdin (piped input, CI) it is a no-op, the same conditional
// setupTerminal does with term.IsTerminal.
func Open() (*Console, error) {
	fd := int(os.Stdin.Fd())
	c := &Console{fd: fd, scanner: bufio.NewReader(os.Stdin)}
	if !term.IsTerminal(fd) {
		return c, nil
	}
	state, err := term.GetState(fd)
	if err != nil {
		return nil, fmt.Errorf("console: get terminal state: %w", err)
	}
	if _, err := term.MakeRaw(fd); err != nil {
		return nil, fmt.Errorf("console: set raw mode: %w", err)
	}
	c.state = state
	c.raw = true
	return c, nil
}

// Close restores the terminal to whatever state Open found it in.
func (c *Console) Close() error {
	if !c.raw {
		return nil
	}
	c.raw = false
	return term.Restore(c.fd, c.state)
}

// ReadCommand reads one byte from stdin and classifies it, returning ok
// = false for any key outside the recognized command set.
func (c *Console) ReadCommand() (Command, bool, error) {
	b, err := c.scanner.ReadByte()
	if err != nil {
		return 0, false, err
	}
	switch Command(b) {
	case CmdPause, CmdResume, CmdDumpMaps, CmdQuit:
		return Command(b), true, nil
	default:
		return 0, false, nil
	}
}
