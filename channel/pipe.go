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

import "io"

// NewPipeHost wraps any io.ReadWriteCloser (a unix socket, an os.Pipe
// pair, a stdio redirection) as the driver-process end of the channel,
// for the common same-host, separate-process case that doesn't need a
// serial line (§6).
func NewPipeHost(rw io.ReadWriteCloser) *HostSide {
	return &HostSide{ft: newFrameTransport(rw)}
}

// NewPipeGuest wraps any io.ReadWriteCloser as the simulator-process end
// of the channel.
func NewPipeGuest(rw io.ReadWriteCloser) *GuestSide {
	return &GuestSide{ft: newFrameTransport(rw)}
}
