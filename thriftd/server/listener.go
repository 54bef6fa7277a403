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
	"net"
	"sync"
	"sync/atomic"

	"github.com/Psiphon-Labs/thriftd/thriftd/common"
	"github.com/Psiphon-Labs/thriftd/thriftd/common/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ListenerPool accepts connections on a set of listeners and runs each
// connection through a ConnectionDispatcher in its own goroutine.
//
// At most maxSessions connections are served concurrently. A session slot
// is acquired before each Accept, so once the bound is reached further
// connections wait in the listen backlog rather than being rejected.
type ListenerPool struct {
	listeners          []net.Listener
	dispatcher         ConnectionDispatcher
	slots              *semaphore.Weighted
	acceptLoops        *errgroup.Group
	acceptCtx          context.Context
	stopAccepting      context.CancelFunc
	sessionCtx         context.Context
	stopSessions       context.CancelFunc
	acceptErrorLimiter *rate.Limiter
	conns              *common.Conns
	sessions           sync.WaitGroup
	activeCount        atomic.Int64
	peakCount          atomic.Int64
	startOnce          sync.Once
	closeListenersOnce sync.Once
	idle               chan struct{}
	listenerErrors     chan error
}

// NewListenerPool creates a new ListenerPool. The pool takes ownership of
// listeners and closes them when accepting stops.
func NewListenerPool(
	listeners []net.Listener,
	maxSessions int,
	dispatcher ConnectionDispatcher) *ListenerPool {

	if maxSessions < 1 {
		maxSessions = 1
	}

	acceptCtx, stopAccepting := context.WithCancel(context.Background())
	acceptLoops, acceptCtx := errgroup.WithContext(acceptCtx)
	sessionCtx, stopSessions := context.WithCancel(context.Background())

	return &ListenerPool{
		listeners:     listeners,
		dispatcher:    dispatcher,
		slots:         semaphore.NewWeighted(int64(maxSessions)),
		acceptLoops:   acceptLoops,
		acceptCtx:     acceptCtx,
		stopAccepting: stopAccepting,
		sessionCtx:    sessionCtx,
		stopSessions:  stopSessions,
		acceptErrorLimiter: rate.NewLimiter(
			rate.Every(ACCEPT_ERROR_RETRY_PERIOD), ACCEPT_ERROR_RETRY_BURST),
		conns:          common.NewConns(),
		idle:           make(chan struct{}),
		listenerErrors: make(chan error, len(listeners)),
	}
}

// Start launches one accept loop per listener. Start may be called more
// than once; only the first call has an effect.
func (pool *ListenerPool) Start() {
	pool.startOnce.Do(func() {

		// Closing the listeners interrupts blocked Accept calls.
		context.AfterFunc(pool.acceptCtx, pool.closeListeners)

		for _, listener := range pool.listeners {
			listener := listener
			pool.acceptLoops.Go(func() error {
				return pool.acceptLoop(listener)
			})
		}

		go func() {
			_ = pool.acceptLoops.Wait()
			pool.sessions.Wait()
			close(pool.idle)
		}()
	})
}

// StopAccepting stops accepting new connections. Sessions already running
// are not affected. StopAccepting is idempotent.
func (pool *ListenerPool) StopAccepting() {
	pool.stopAccepting()
}

// ForceCloseAll stops accepting, cancels every running session and closes
// its connection. It returns the number of connections closed.
func (pool *ListenerPool) ForceCloseAll() int {
	pool.StopAccepting()
	pool.stopSessions()
	return pool.conns.CloseAll()
}

// ActiveCount returns the number of sessions currently running.
func (pool *ListenerPool) ActiveCount() int64 {
	return pool.activeCount.Load()
}

// PeakCount returns the highest number of concurrently running sessions.
func (pool *ListenerPool) PeakCount() int64 {
	return pool.peakCount.Load()
}

// Idle returns a channel which is closed once all accept loops have
// stopped and no sessions are running.
func (pool *ListenerPool) Idle() <-chan struct{} {
	return pool.idle
}

// ListenerErrors returns a channel which receives unrecoverable accept
// errors. A listener error stops all accept loops.
func (pool *ListenerPool) ListenerErrors() <-chan error {
	return pool.listenerErrors
}

func (pool *ListenerPool) closeListeners() {
	pool.closeListenersOnce.Do(func() {
		for _, listener := range pool.listeners {
			listener.Close()
		}
	})
}

func (pool *ListenerPool) acceptLoop(listener net.Listener) error {

	for {
		err := pool.slots.Acquire(pool.acceptCtx, 1)
		if err != nil {
			// Accepting stopped while waiting for a free slot.
			return nil
		}

		conn, err := listener.Accept()

		if pool.acceptCtx.Err() != nil {
			pool.slots.Release(1)
			if err == nil {
				conn.Close()
			}
			return nil
		}

		if err != nil {
			pool.slots.Release(1)

			if e, ok := err.(net.Error); ok && e.Temporary() {
				log.WithTraceFields(LogFields{"error": err}).Error("accept failed")
				// Temporary error, keep running
				_ = pool.acceptErrorLimiter.Wait(pool.acceptCtx)
				continue
			}

			err = errors.Trace(err)
			select {
			case pool.listenerErrors <- err:
			default:
			}
			return err
		}

		pool.startSession(conn)
	}
}

// startSession runs a session for conn. The caller must hold a session
// slot, which is released when the session ends.
func (pool *ListenerPool) startSession(rawConn net.Conn) {

	conn := common.NewCloseOnceConn(rawConn)

	if !pool.conns.Add(conn) {
		// ForceCloseAll has run.
		conn.Close()
		pool.slots.Release(1)
		return
	}

	pool.sessions.Add(1)
	greaterThanSwapInt64(&pool.peakCount, pool.activeCount.Add(1))

	go func() {
		defer func() {
			pool.conns.Remove(conn)
			conn.Close()
			pool.activeCount.Add(-1)
			pool.slots.Release(1)
			pool.sessions.Done()
		}()

		pool.dispatcher.Handle(pool.sessionCtx, conn)
	}()
}
