/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

//go:build unix

package server

import (
	"fmt"
	"net"
	"os"

	"github.com/Psiphon-Labs/thriftd/thriftd/common/errors"
	"golang.org/x/sys/unix"
)

// InheritListener creates a net.Listener from a listening stream socket
// file descriptor passed in by the host process. fd is duplicated; the
// original descriptor is closed.
func InheritListener(fd int) (net.Listener, error) {

	socketType, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return nil, errors.Tracef("fd %d is not a socket: %w", fd, err)
	}
	if socketType != unix.SOCK_STREAM {
		return nil, errors.Tracef("fd %d is not a stream socket", fd)
	}

	accepting, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ACCEPTCONN)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if accepting == 0 {
		return nil, errors.Tracef("fd %d is not listening", fd)
	}

	file := os.NewFile(uintptr(fd), fmt.Sprintf("listener-%d", fd))
	if file == nil {
		return nil, errors.Tracef("invalid fd %d", fd)
	}
	defer file.Close()

	listener, err := net.FileListener(file)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return listener, nil
}
