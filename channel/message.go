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

// Package channel implements the optional inter-process channel (§6):
// when the fuzzer and the simulator run in distinct processes, a
// point-to-point, length-prefixed message pair carries the host->guest
// driver commands and the guest->host status replies, plus an opaque
// shared-memory handle for the coverage/comparand buffers so those
// don't have to be copied frame by frame.
//
// Framing follows the teacher's own device protocol
// (exer/cex/serial_protocol.go, exer/cex/nano.go): a single opcode byte
// identifies the message, a length prefix bounds the payload, and the
// counted bytes follow. CmdSync/CmdGetVer/CmdPoll become this package's
// opHostInitialize/opHostRun/... opcodes.
package channel

import "fmt"

// HostMsgKind tags a host->guest driver message (§6).
type HostMsgKind uint8

const (
	Initialize HostMsgKind = iota
	Run
	Reset
	Stop
)

func (k HostMsgKind) String() string {
	switch k {
	case Initialize:
		return "Initialize"
	case Run:
		return "Run"
	case Reset:
		return "Reset"
	case Stop:
		return "Stop"
	default:
		return "Unknown"
	}
}

// HostMsg is the flat, tagged-struct encoding of the host->guest message
// sum (§3, §6), following the same boolean/kind-tag flat struct idiom as
// trace.Event rather than one Go type per variant.
type HostMsg struct {
	Kind  HostMsgKind
	Input []byte // valid when Kind == Run
}

// GuestMsgKind tags a guest->host status message (§6).
type GuestMsgKind uint8

const (
	Ready GuestMsgKind = iota
	Stopped
	Done
	SharedMemory
)

func (k GuestMsgKind) String() string {
	switch k {
	case Ready:
		return "Ready"
	case Stopped:
		return "Stopped"
	case Done:
		return "Done"
	case SharedMemory:
		return "SharedMemory"
	default:
		return "Unknown"
	}
}

// GuestMsg is the flat encoding of the guest->host message sum.
type GuestMsg struct {
	Kind   GuestMsgKind
	Handle string // valid when Kind == SharedMemory: an opaque shared-memory name or descriptor
}

// Wire opcodes, one per message kind, grounded on the teacher's
// CmdBase..CmdGet range (serial_protocol.go).
const (
	opHostInitialize byte = 0xC0
	opHostRun        byte = 0xC1
	opHostReset      byte = 0xC2
	opHostStop       byte = 0xC3

	opGuestReady        byte = 0xD0
	opGuestStopped      byte = 0xD1
	opGuestDone         byte = 0xD2
	opGuestSharedMemory byte = 0xD3
)

func encodeHostMsg(m HostMsg) (op byte, payload []byte, err error) {
	switch m.Kind {
	case Initialize:
		return opHostInitialize, nil, nil
	case Run:
		return opHostRun, m.Input, nil
	case Reset:
		return opHostReset, nil, nil
	case Stop:
		return opHostStop, nil, nil
	default:
		return 0, nil, fmt.Errorf("channel: unknown HostMsg kind %d", m.Kind)
	}
}

func decodeHostMsg(op byte, payload []byte) (HostMsg, error) {
	switch op {
	case opHostInitialize:
		return HostMsg{Kind: Initialize}, nil
	case opHostRun:
		return HostMsg{Kind: Run, Input: payload}, nil
	case opHostReset:
		return HostMsg{Kind: Reset}, nil
	case opHostStop:
		return HostMsg{Kind: Stop}, nil
	default:
		return HostMsg{}, fmt.Errorf("channel: unrecognized host opcode 0x%x", op)
	}
}

func encodeGuestMsg(m GuestMsg) (op byte, payload []byte, err error) {
	switch m.Kind {
	case Ready:
		return opGuestReady, nil, nil
	case Stopped:
		return opGuestStopped, nil, nil
	case Done:
		return opGuestDone, nil, nil
	case SharedMemory:
		return opGuestSharedMemory, []byte(m.Handle), nil
	default:
		return 0, nil, fmt.Errorf("channel: unknown GuestMsg kind %d", m.Kind)
	}
}

func decodeGuestMsg(op byte, payload []byte) (GuestMsg, error) {
	switch op {
	case opGuestReady:
		return GuestMsg{Kind: Ready}, nil
	case opGuestStopped:
		return GuestMsg{Kind: Stopped}, nil
	case opGuestDone:
		return GuestMsg{Kind: Done}, nil
	case opGuestSharedMemory:
		return GuestMsg{Kind: SharedMemory, Handle: string(payload)}, nil
	default:
		return GuestMsg{}, fmt.Errorf("channel: unrecognized guest opcode 0x%x", op)
	}
}
