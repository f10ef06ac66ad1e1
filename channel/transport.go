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
	"encoding/binary"
	"fmt"
	"io"
)

// maxPayload bounds a single frame's counted bytes; large transfers
// (the coverage/comparand buffers) go through the SharedMemory handle
// instead of being framed directly (§6).
const maxPayload = 16 * 1024 * 1024

// frame is one opcode-tagged, length-prefixed unit on the wire: one
// opcode byte, a big-endian uint32 length, then that many payload bytes.
type frame struct {
	Op      byte
	Payload []byte
}

// frameTransport owns the wire encoding shared by the serial
// (OpenSerialHost/OpenSerialGuest) and pipe (NewPipeHost/NewPipeGuest)
// transports over any io.ReadWriteCloser, plus the one goroutine §5
// allows this package: a read pump that decouples the blocking reader
// from Recv's caller.
type frameTransport struct {
	rw       io.ReadWriteCloser
	incoming chan frame
	readErr  chan error
}

func newFrameTransport(rw io.ReadWriteCloser) *frameTransport {
	ft := &frameTransport{
		rw:       rw,
		incoming: make(chan frame, 16),
		readErr:  make(chan error, 1),
	}
	go ft.readPump()
	return ft
}

func (ft *frameTransport) readPump() {
	for {
		f, err := readFrame(ft.rw)
		if err != nil {
			ft.readErr <- err
			close(ft.incoming)
			return
		}
		ft.incoming <- f
	}
}

func (ft *frameTransport) send(op byte, payload []byte) error {
	return writeFrame(ft.rw, op, payload)
}

func (ft *frameTransport) recv() (frame, error) {
	f, ok := <-ft.incoming
	if !ok {
		return frame{}, <-ft.readErr
	}
	return f, nil
}

func (ft *frameTransport) Close() error {
	return ft.rw.Close()
}

func writeFrame(w io.Writer, op byte, payload []byte) error {
	if len(payload) > maxPayload {
		return fmt.Errorf("channel: payload too large: %d bytes", len(payload))
	}
	hdr := make([]byte, 5)
	hdr[0] = op
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("channel: write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("channel: write frame payload: %w", err)
		}
	}
	return nil
}

func readFrame(r io.Reader) (frame, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return frame{}, fmt.Errorf("channel: read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > maxPayload {
		return frame{}, fmt.Errorf("channel: frame claims %d bytes, over limit", n)
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return frame{}, fmt.Errorf("channel: read frame payload: %w", err)
		}
	}
	return frame{Op: hdr[0], Payload: payload}, nil
}

// HostSide is the driver-process end of the channel: it sends HostMsg
// and receives GuestMsg.
type HostSide struct {
	ft *frameTransport
}

func (h *HostSide) Send(m HostMsg) error {
	op, payload, err := encodeHostMsg(m)
	if err != nil {
		return err
	}
	return h.ft.send(op, payload)
}

func (h *HostSide) Recv() (GuestMsg, error) {
	f, err := h.ft.recv()
	if err != nil {
		return GuestMsg{}, err
	}
	return decodeGuestMsg(f.Op, f.Payload)
}

func (h *HostSide) Close() error { return h.ft.Close() }

// GuestSide is the simulator-process end of the channel: it sends
// GuestMsg and receives HostMsg.
type GuestSide struct {
	ft *frameTransport
}

func (g *GuestSide) Send(m GuestMsg) error {
	op, payload, err := encodeGuestMsg(m)
	if err != nil {
		return err
	}
	return g.ft.send(op, payload)
}

func (g *GuestSide) Recv() (HostMsg, error) {
	f, err := g.ft.recv()
	if err != nil {
		return HostMsg{}, err
	}
	return decodeHostMsg(f.Op, f.Payload)
}

func (g *GuestSide) Close() error { return g.ft.Close() }
