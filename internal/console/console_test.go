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

package console

import "testing"

// TestOpenOnNonTerminalIsNoOp covers the same conditional
// setupTerminal/restoreTerminal skips when stdin is not a tty (a test
// binary's stdin, or piped input) — Open and Close must both succeed
// without touching any terminal state.
func TestOpenOnNonTerminalIsNoOp(t *testing.T) {
	c, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if c.raw {
		t.Fatal("raw should be false when stdin is not a terminal")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
