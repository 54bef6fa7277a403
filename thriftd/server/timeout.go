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
	"sync"
	"time"
)

// DeadlineSetter is implemented by net.Conn.
type DeadlineSetter interface {
	SetDeadline(t time.Time) error
}

// TimeoutGuard bounds the wall clock duration of a single request.
//
// When the timeout expires, the guard cancels its context and sets an
// immediate deadline on the connection. Cancellation is cooperative: it
// takes effect when the handler next blocks on connection I/O or checks
// its context. Handler code that computes without blocking runs to
// completion.
type TimeoutGuard struct {
	ctx       context.Context
	cancel    context.CancelFunc
	conn      DeadlineSetter
	mutex     sync.Mutex
	timer     *time.Timer
	triggered bool
	disarmed  bool
}

// ArmTimeoutGuard starts a guard. When timeout is 0 or negative the guard
// never triggers; its context is still cancelled by Disarm. conn may be
// nil, in which case only the context is cancelled.
func ArmTimeoutGuard(
	ctx context.Context, timeout time.Duration, conn DeadlineSetter) *TimeoutGuard {

	guardCtx, cancel := context.WithCancel(ctx)

	guard := &TimeoutGuard{
		ctx:    guardCtx,
		cancel: cancel,
		conn:   conn,
	}

	if timeout > 0 {
		guard.timer = time.AfterFunc(timeout, guard.fire)
	}

	return guard
}

func (guard *TimeoutGuard) fire() {
	guard.mutex.Lock()
	defer guard.mutex.Unlock()

	if guard.disarmed {
		return
	}
	guard.triggered = true
	// The deadline is set first so that a handler which observes the
	// cancellation cannot then complete a reply.
	if guard.conn != nil {
		_ = guard.conn.SetDeadline(time.Now())
	}
	guard.cancel()
}

// Context returns the context to pass to the guarded invocation.
func (guard *TimeoutGuard) Context() context.Context {
	return guard.ctx
}

// Disarm stops the guard and reports whether it triggered before being
// disarmed. Any deadline set by the guard is cleared. Disarm may be called
// any number of times and on a nil guard.
func (guard *TimeoutGuard) Disarm() bool {
	if guard == nil {
		return false
	}

	guard.mutex.Lock()
	defer guard.mutex.Unlock()

	if !guard.disarmed {
		guard.disarmed = true
		if guard.timer != nil {
			guard.timer.Stop()
		}
		if guard.triggered && guard.conn != nil {
			_ = guard.conn.SetDeadline(time.Time{})
		}
		guard.cancel()
	}

	return guard.triggered
}
