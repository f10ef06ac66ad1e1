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
	"fmt"
	"time"

	"go.bug.st/serial"
)

// opSync is a bare handshake opcode outside the HostMsg/GuestMsg sums,
// used only to establish the link before any real traffic flows —
// grounded on the teacher's own CmdSync (exer/cex/serial_protocol.go),
// acked the same way (Ack(b) = ^b).
const opSync byte = 0xFE

func ack(b byte) byte { return ^b }

// syncRetries and syncDelay mirror nano.go's getSyncResponse: a handful
// of tries with a pause between them, since the far end may still be
// resetting after the port opens.
const syncRetries = 3

var syncDelay = time.Second

// OpenSerialHost opens deviceName at baudRate and performs the sync
// handshake, returning the driver-process end of the channel. Grounded
// on exer/cex/dev/arduino.go's NewArduino (8-N-1, serial.Open) and
// nano.go's CreateSession/getSyncResponse retry loop.
func OpenSerialHost(deviceName string, baudRate int) (*HostSide, error) {
	port, err := openPort(deviceName, baudRate)
	if err != nil {
		return nil, err
	}
	if err := syncHandshake(port); err != nil {
		port.Close()
		return nil, err
	}
	return &HostSide{ft: newFrameTransport(port)}, nil
}

// OpenSerialGuest is the simulator-process counterpart of
// OpenSerialHost, on the same physical line. It answers the host's sync
// handshake rather than initiating one.
func OpenSerialGuest(deviceName string, baudRate int) (*GuestSide, error) {
	port, err := openPort(deviceName, baudRate)
	if err != nil {
		return nil, err
	}
	if err := syncRespond(port); err != nil {
		port.Close()
		return nil, err
	}
	return &GuestSide{ft: newFrameTransport(port)}, nil
}

func openPort(deviceName string, baudRate int) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(deviceName, mode)
	if err != nil {
		return nil, fmt.Errorf("channel: open %s: %w", deviceName, err)
	}
	return port, nil
}

// syncHandshake sends opSync and waits for its one-byte ack, retrying a
// bounded number of times before giving up (nano.go's getSyncResponse
// shape: "slowly send some syncs until we see one sync ack").
func syncHandshake(port serial.Port) error {
	port.SetReadTimeout(syncDelay)
	var lastErr error
	for i := 0; i < syncRetries; i++ {
		if _, err := port.Write([]byte{opSync}); err != nil {
			lastErr = err
			time.Sleep(syncDelay)
			continue
		}
		b := make([]byte, 1)
		n, err := port.Read(b)
		if err != nil || n == 0 {
			lastErr = fmt.Errorf("channel: no sync response: %w", err)
			time.Sleep(syncDelay)
			continue
		}
		if b[0] != ack(opSync) {
			lastErr = fmt.Errorf("channel: bad sync ack 0x%x", b[0])
			time.Sleep(syncDelay)
			continue
		}
		return nil
	}
	return fmt.Errorf("channel: failed to synchronize: %w", lastErr)
}

// syncRespond waits for the host's opSync byte and answers with its ack,
// the responder half of syncHandshake.
func syncRespond(port serial.Port) error {
	port.SetReadTimeout(syncDelay * time.Duration(syncRetries))
	b := make([]byte, 1)
	n, err := port.Read(b)
	if err != nil || n == 0 {
		return fmt.Errorf("channel: no sync request received: %w", err)
	}
	if b[0] != opSync {
		return fmt.Errorf("channel: expected sync byte 0x%x, got 0x%x", opSync, b[0])
	}
	if _, err := port.Write([]byte{ack(opSync)}); err != nil {
		return fmt.Errorf("channel: write sync ack: %w", err)
	}
	return nil
}
