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

package channel

import (
	"net"
	"testing"
)

// TestPipeRoundTrip drives an Initialize/Ready and a Run/SharedMemory
// exchange over a net.Pipe standing in for a unix socket (§6: the pipe
// transport over any io.ReadWriteCloser).
func TestPipeRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	host := NewPipeHost(a)
	guest := NewPipeGuest(b)
	defer host.Close()
	defer guest.Close()

	if err := host.Send(HostMsg{Kind: Initialize}); err != nil {
		t.Fatalf("host.Send(Initialize): %v", err)
	}
	m, err := guest.Recv()
	if err != nil {
		t.Fatalf("guest.Recv: %v", err)
	}
	if m.Kind != Initialize {
		t.Fatalf("guest got %v, want Initialize", m.Kind)
	}

	if err := guest.Send(GuestMsg{Kind: Ready}); err != nil {
		t.Fatalf("guest.Send(Ready): %v", err)
	}
	r, err := host.Recv()
	if err != nil {
		t.Fatalf("host.Recv: %v", err)
	}
	if r.Kind != Ready {
		t.Fatalf("host got %v, want Ready", r.Kind)
	}

	input := []byte("fuzz me")
	if err := host.Send(HostMsg{Kind: Run, Input: input}); err != nil {
		t.Fatalf("host.Send(Run): %v", err)
	}
	m, err = guest.Recv()
	if err != nil {
		t.Fatalf("guest.Recv: %v", err)
	}
	if m.Kind != Run || string(m.Input) != string(input) {
		t.Fatalf("guest got %+v, want Run(%q)", m, input)
	}

	if err := guest.Send(GuestMsg{Kind: SharedMemory, Handle: "shm://cov0"}); err != nil {
		t.Fatalf("guest.Send(SharedMemory): %v", err)
	}
	r, err = host.Recv()
	if err != nil {
		t.Fatalf("host.Recv: %v", err)
	}
	if r.Kind != SharedMemory || r.Handle != "shm://cov0" {
		t.Fatalf("host got %+v, want SharedMemory(shm://cov0)", r)
	}
}

func TestUnknownOpcodeIsAnError(t *testing.T) {
	if _, err := decodeHostMsg(0xff, nil); err == nil {
		t.Fatal("expected error decoding an unrecognized host opcode")
	}
	if _, err := decodeGuestMsg(0xff, nil); err == nil {
		t.Fatal("expected error decoding an unrecognized guest opcode")
	}
}
