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
	std_errors "errors"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
)

// IPAddressFromAddr is a helper which extracts an IP address
// from a net.Addr or returns "" if there is no IP address.
func IPAddressFromAddr(addr net.Addr) string {
	ipAddress := ""
	if addr != nil {
		host, _, err := net.SplitHostPort(addr.String())
		if err == nil {
			ipAddress = host
		} else {
			// Unix domain sockets and other non host:port addresses.
			ipAddress = addr.String()
		}
	}
	return ipAddress
}

// CloseOnceConn wraps a net.Conn and ensures the underlying Close is invoked
// at most once, regardless of how many owners race to close it. The result
// of the first Close is returned to all callers.
type CloseOnceConn struct {
	net.Conn
	closeOnce sync.Once
	closeErr  error
}

// NewCloseOnceConn creates a new CloseOnceConn.
func NewCloseOnceConn(conn net.Conn) *CloseOnceConn {
	return &CloseOnceConn{Conn: conn}
}

// Close implements net.Conn.Close.
func (conn *CloseOnceConn) Close() error {
	conn.closeOnce.Do(func() {
		conn.closeErr = conn.Conn.Close()
	})
	return conn.closeErr
}

// Conns is a synchronized list of Conns that is used to coordinate
// closing a set of open connections.
// Once the list is closed, no more items may be added to the
// list.
type Conns struct {
	mutex    sync.Mutex
	isClosed bool
	conns    map[net.Conn]bool
}

// NewConns initializes a new Conns.
func NewConns() *Conns {
	return &Conns{conns: make(map[net.Conn]bool)}
}

// Add inserts conn and returns true, or returns false when the list has
// already been closed. The caller owns conn when Add returns false.
func (conns *Conns) Add(conn net.Conn) bool {
	conns.mutex.Lock()
	defer conns.mutex.Unlock()
	if conns.isClosed {
		return false
	}
	if conns.conns == nil {
		conns.conns = make(map[net.Conn]bool)
	}
	conns.conns[conn] = true
	return true
}

func (conns *Conns) Remove(conn net.Conn) {
	conns.mutex.Lock()
	defer conns.mutex.Unlock()
	delete(conns.conns, conn)
}

func (conns *Conns) Len() int {
	conns.mutex.Lock()
	defer conns.mutex.Unlock()
	return len(conns.conns)
}

// CloseAll closes every conn in the list and marks the list closed. It
// returns the number of conns closed.
func (conns *Conns) CloseAll() int {
	conns.mutex.Lock()
	defer conns.mutex.Unlock()
	conns.isClosed = true
	count := len(conns.conns)
	for conn := range conns.conns {
		conn.Close()
	}
	conns.conns = make(map[net.Conn]bool)
	return count
}

// IsConnectionReset indicates that err was caused by the peer resetting the
// connection.
func IsConnectionReset(err error) bool {
	return std_errors.Is(err, syscall.ECONNRESET)
}

// IsBrokenPipe indicates that err was caused by writing to a connection the
// peer has already closed.
func IsBrokenPipe(err error) bool {
	return std_errors.Is(err, syscall.EPIPE)
}

// IsBenignDisconnect indicates that err is an expected consequence of the
// peer going away and need not be reported as a failure.
func IsBenignDisconnect(err error) bool {
	return IsConnectionReset(err) || IsBrokenPipe(err)
}

// IsEndOfStream indicates that err reports that the peer closed its side of
// the input stream.
func IsEndOfStream(err error) bool {
	return std_errors.Is(err, io.EOF)
}

// IsClosedConnection indicates that err was returned from an operation on a
// locally closed connection or listener.
func IsClosedConnection(err error) bool {
	return std_errors.Is(err, net.ErrClosed)
}

// IsDeadlineExceeded indicates that err was caused by a read or write
// deadline expiring.
func IsDeadlineExceeded(err error) bool {
	return std_errors.Is(err, os.ErrDeadlineExceeded)
}
