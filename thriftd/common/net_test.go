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

package common

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloseOnceConn(t *testing.T) {

	client, server := net.Pipe()
	defer server.Close()

	conn := NewCloseOnceConn(client)
	assert.False(t, isPipeClosed(conn))

	require.NoError(t, conn.Close())
	assert.True(t, isPipeClosed(conn))

	// The first result is returned to all callers.
	require.NoError(t, conn.Close())
}

func TestConns(t *testing.T) {

	conns := NewConns()

	var pipes []*CloseOnceConn
	for i := 0; i < 3; i++ {
		client, server := net.Pipe()
		defer server.Close()
		conn := NewCloseOnceConn(client)
		pipes = append(pipes, conn)
		require.True(t, conns.Add(conn))
	}

	conns.Remove(pipes[0])
	assert.Equal(t, 2, conns.Len())

	assert.Equal(t, 2, conns.CloseAll())
	assert.False(t, isPipeClosed(pipes[0]))
	assert.True(t, isPipeClosed(pipes[1]))
	assert.True(t, isPipeClosed(pipes[2]))

	// No adds after CloseAll.
	assert.False(t, conns.Add(pipes[0]))
	pipes[0].Close()
}

// isPipeClosed distinguishes a closed net.Pipe end from an open one with
// an expired read deadline.
func isPipeClosed(conn net.Conn) bool {
	_ = conn.SetReadDeadline(time.Now())
	_, err := conn.Read(make([]byte, 1))
	_ = conn.SetReadDeadline(time.Time{})
	return errors.Is(err, io.ErrClosedPipe)
}

func TestErrorClassification(t *testing.T) {

	reset := fmt.Errorf("read: %w",
		&net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)})
	brokenPipe := fmt.Errorf("write: %w",
		&net.OpError{Op: "write", Net: "tcp", Err: os.NewSyscallError("write", syscall.EPIPE)})
	deadline := fmt.Errorf("read: %w",
		&net.OpError{Op: "read", Net: "tcp", Err: os.ErrDeadlineExceeded})

	assert.True(t, IsConnectionReset(reset))
	assert.True(t, IsBenignDisconnect(reset))
	assert.False(t, IsBrokenPipe(reset))

	assert.True(t, IsBrokenPipe(brokenPipe))
	assert.True(t, IsBenignDisconnect(brokenPipe))

	assert.True(t, IsDeadlineExceeded(deadline))
	assert.False(t, IsBenignDisconnect(deadline))

	assert.True(t, IsEndOfStream(fmt.Errorf("header: %w", io.EOF)))
	assert.False(t, IsEndOfStream(io.ErrUnexpectedEOF))

	assert.True(t, IsClosedConnection(fmt.Errorf("accept: %w", net.ErrClosed)))
	assert.False(t, IsClosedConnection(errors.New("other")))
}

func TestIPAddressFromAddr(t *testing.T) {
	assert.Equal(t, "192.168.0.1",
		IPAddressFromAddr(&net.TCPAddr{IP: net.ParseIP("192.168.0.1"), Port: 80}))
	assert.Equal(t, "::1",
		IPAddressFromAddr(&net.TCPAddr{IP: net.ParseIP("::1"), Port: 80}))
	assert.Equal(t, "/tmp/socket",
		IPAddressFromAddr(&net.UnixAddr{Name: "/tmp/socket", Net: "unix"}))
	assert.Equal(t, "", IPAddressFromAddr(nil))
}
