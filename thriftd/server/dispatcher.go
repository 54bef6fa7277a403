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
	"context"
	"fmt"
	"net"
	"runtime/debug"

	"github.com/Psiphon-Labs/thriftd/thriftd/common"
)

// ConnectionDispatcher serves one accepted connection to completion. The
// ListenerPool runs each Handle call in its own goroutine. ctx is
// cancelled when the worker force closes connections.
type ConnectionDispatcher interface {
	Handle(ctx context.Context, conn net.Conn)
}

// SessionDispatcher is the ConnectionDispatcher which runs a Thrift
// protocol session on each connection.
type SessionDispatcher struct {
	config   *Config
	table    *DispatchTable
	recorder AccessRecorder
	shutdown <-chan struct{}
}

// NewSessionDispatcher creates a new SessionDispatcher. Sessions finish
// their current request and close once shutdown is closed; shutdown may be
// nil.
func NewSessionDispatcher(
	config *Config,
	table *DispatchTable,
	recorder AccessRecorder,
	shutdown <-chan struct{}) *SessionDispatcher {

	return &SessionDispatcher{
		config:   config,
		table:    table,
		recorder: recorder,
		shutdown: shutdown,
	}
}

// Handle implements ConnectionDispatcher. The connection is always closed
// before Handle returns.
func (dispatcher *SessionDispatcher) Handle(ctx context.Context, conn net.Conn) {

	defer conn.Close()

	logFields := LogFields{
		"peer": common.IPAddressFromAddr(conn.RemoteAddr()),
	}

	defer func() {
		if r := recover(); r != nil {
			log.LogPanicRecover(r, debug.Stack())
			logFields["error"] = fmt.Sprintf("%v", r)
			log.WithTraceFields(logFields).Error("session panic")
		}
	}()

	session := newProtocolSession(
		dispatcher.config, dispatcher.table, dispatcher.recorder, conn)

	err := session.run(ctx, dispatcher.shutdown)

	switch {
	case err == nil:
	case common.IsConnectionReset(err):
		log.WithTraceFields(logFields).Debug("ignoring connection reset")
	case common.IsBrokenPipe(err):
		log.WithTraceFields(logFields).Debug("ignoring broken pipe")
	case ctx.Err() != nil || common.IsClosedConnection(err):
		log.WithTraceFields(logFields).Debug("connection closed")
	default:
		logFields["error"] = err
		log.WithTraceFields(logFields).Error("session failed")
	}
}
