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

package server

import (
	"net"
	"time"

	"github.com/Psiphon-Labs/thriftd/thriftd/common/errors"
	"github.com/armon/go-proxyproto"
)

// BindListeners returns the listeners the worker serves: the inherited
// listener file descriptors first, then newly bound ListenAddresses. When
// the config enables it, each listener is wrapped to read a PROXY protocol
// header from accepted connections.
//
// On error, any listeners already opened are closed.
func BindListeners(config *Config) (listeners []net.Listener, retErr error) {

	defer func() {
		if retErr != nil {
			for _, listener := range listeners {
				listener.Close()
			}
			listeners = nil
		}
	}()

	fds, err := config.GetListenerFDs()
	if err != nil {
		return nil, errors.Trace(err)
	}

	for _, fd := range fds {
		listener, err := InheritListener(fd)
		if err != nil {
			return listeners, errors.Trace(err)
		}
		listeners = append(listeners, listener)
	}

	for _, address := range config.ListenAddresses {
		listener, err := net.Listen("tcp", address)
		if err != nil {
			return listeners, errors.Trace(err)
		}
		listeners = append(listeners, listener)
	}

	if len(listeners) == 0 {
		return nil, errors.TraceNew("no listeners")
	}

	if config.ProxyProtocol {
		for i, listener := range listeners {
			listeners[i] = NewProxyProtocolListener(
				listener, config.proxyHeaderTimeout)
		}
	}

	return listeners, nil
}

// NewProxyProtocolListener wraps listener so that the RemoteAddr of
// accepted conns reports the client address sent in a PROXY protocol v1
// header. When the header is absent, RemoteAddr reports the immediate peer.
//
// RemoteAddr must be called before the first Read on an accepted conn, as
// reading the header sets a read deadline and performs a Read. The protocol
// session does this when it starts.
func NewProxyProtocolListener(
	listener net.Listener, headerTimeout time.Duration) net.Listener {

	// Setting a timeout ensures that reading the proxy protocol
	// header completes or times out and RemoteAddr will not block. See:
	// https://godoc.org/github.com/armon/go-proxyproto#Conn.RemoteAddr

	return &proxyproto.Listener{
		Listener:           listener,
		ProxyHeaderTimeout: headerTimeout,
	}
}
