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
	std_errors "errors"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Psiphon-Labs/thriftd/thriftd/common"
	"github.com/Psiphon-Labs/thriftd/thriftd/common/errors"
	"github.com/apache/thrift/lib/go/thrift"
)

// protocolSession serves the sequential stream of Thrift messages sent on
// one client connection.
//
// A session alternates between awaiting a message header and dispatching
// the message. Each dispatched message produces exactly one access record,
// with these exceptions: the peer reset the connection mid request, or the
// worker force closed the connection. In those cases the session ends with
// no record.
//
// A timeout that interrupts reading the request arguments leaves the input
// stream at an unknown position, so the session closes after recording it.
//
// Once the worker begins shutdown, a session finishes the request in
// progress, if any, and closes. A session blocked awaiting the next header
// is woken by an immediate read deadline.
type protocolSession struct {
	config         *Config
	table          *DispatchTable
	recorder       AccessRecorder
	conn           net.Conn
	peerAddress    string
	protocolConfig *thrift.TConfiguration
	reader         *sessionReader
	input          thrift.TProtocol
	output         thrift.TProtocol

	mutex    sync.Mutex
	awaiting bool
	stopping bool
}

func newProtocolSession(
	config *Config,
	table *DispatchTable,
	recorder AccessRecorder,
	conn net.Conn) *protocolSession {

	protocolConfig := &thrift.TConfiguration{
		MaxMessageSize:     int32(config.MaxMessageSizeBytes),
		TBinaryStrictRead:  thrift.BoolPtr(false),
		TBinaryStrictWrite: thrift.BoolPtr(true),
	}

	reader := &sessionReader{conn: conn}

	session := &protocolSession{
		config:         config,
		table:          table,
		recorder:       recorder,
		conn:           conn,
		peerAddress:    common.IPAddressFromAddr(conn.RemoteAddr()),
		protocolConfig: protocolConfig,
		reader:         reader,
		input: thrift.NewTBinaryProtocolConf(
			thrift.NewStreamTransportR(reader), protocolConfig),
	}
	session.resetOutput()

	return session
}

var errInputInterrupted = std_errors.New("request input interrupted")

// sessionReader records the last error returned by a connection read.
type sessionReader struct {
	conn net.Conn
	err  error
}

func (reader *sessionReader) Read(p []byte) (int, error) {
	n, err := reader.conn.Read(p)
	if err != nil {
		reader.err = err
	}
	return n, err
}

func (reader *sessionReader) deadlineExceeded() bool {
	return reader.err != nil && common.IsDeadlineExceeded(reader.err)
}

// resetOutput replaces the output protocol, discarding any buffered
// partial reply. The underlying bufio.Writer retains the first write error,
// so it must also be replaced after any failed write.
func (session *protocolSession) resetOutput() {
	session.output = thrift.NewTBinaryProtocolConf(
		thrift.NewStreamTransportW(session.conn), session.protocolConfig)
}

// run serves messages until the peer closes the connection, a transport
// error occurs, or the worker shuts down. ctx is cancelled when the worker
// force closes connections. shutdown is closed when the worker begins
// shutdown.
//
// run returns nil when the session ends cleanly.
func (session *protocolSession) run(
	ctx context.Context, shutdown <-chan struct{}) error {

	stopAfterShutdown := afterClosed(shutdown, session.stopWhenIdle)
	defer stopAfterShutdown()

	for {
		if !session.setAwaiting(true) {
			return nil
		}

		name, messageType, seqID, err := session.input.ReadMessageBegin(ctx)

		stopping := !session.setAwaiting(false)

		if err != nil {
			if common.IsEndOfStream(err) ||
				ctx.Err() != nil ||
				(stopping && common.IsDeadlineExceeded(err)) {
				return nil
			}
			return errors.Trace(err)
		}

		if stopping {
			// The header arrived before the wake up deadline took effect.
			// Serve this request, then close.
			_ = session.conn.SetReadDeadline(time.Time{})
		}

		err = session.dispatch(ctx, name, messageType, seqID)
		if err == errInputInterrupted {
			return nil
		}
		if err != nil {
			return errors.Trace(err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// setAwaiting updates the awaiting state and returns false when the
// session is stopping.
func (session *protocolSession) setAwaiting(awaiting bool) bool {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	session.awaiting = awaiting
	return !session.stopping
}

func (session *protocolSession) stopWhenIdle() {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	session.stopping = true
	if session.awaiting {
		_ = session.conn.SetReadDeadline(time.Now())
	}
}

// dispatch serves one message whose header has been read. A non-nil
// return value ends the session.
func (session *protocolSession) dispatch(
	ctx context.Context,
	name string,
	messageType thrift.TMessageType,
	seqID int32) error {

	requestStart := time.Now()

	session.reader.err = nil

	guard := ArmTimeoutGuard(ctx, session.config.GetRequestTimeout(), session.conn)

	outcome := OutcomeOK
	inputInterrupted := false
	var err error

	handler, ok := session.table.Lookup(name)
	if !ok {
		outcome = OutcomeFuncNotFound
		err = session.replyUnknownMethod(guard.Context(), name, seqID)
	} else {
		err = session.invoke(guard.Context(), handler, seqID)
	}

	timedOut := guard.Disarm()

	elapsed := time.Since(requestStart)

	if ctx.Err() != nil {
		// Force closed by the worker.
		return nil
	}

	logFields := LogFields{
		"peer":         session.peerAddress,
		"method":       name,
		"message_type": messageType,
		"seqid":        seqID,
		"elapsed":      elapsed.String(),
	}

	switch {

	case timedOut:
		outcome = OutcomeTimeout
		session.resetOutput()
		inputInterrupted = session.reader.deadlineExceeded()
		logFields["input_interrupted"] = inputInterrupted
		log.WithTraceFields(logFields).Warning("request timeout")

	case err != nil && common.IsBenignDisconnect(err):
		return errors.Trace(err)

	case err != nil:
		outcome = OutcomeServerError
		session.resetOutput()
		logFields["error"] = err
		log.WithTraceFields(logFields).Error("request failed")

	case outcome == OutcomeFuncNotFound:
		log.WithTraceFields(logFields).Warning("unknown method")
	}

	session.recorder.Record(
		&AccessRecord{
			PeerAddress: session.peerAddress,
			Method:      name,
			Outcome:     outcome,
			Elapsed:     elapsed,
			Timestamp:   time.Now(),
		})

	if inputInterrupted {
		return errInputInterrupted
	}
	return nil
}

// invoke runs a processor function. Panics are recovered and returned as
// errors.
func (session *protocolSession) invoke(
	ctx context.Context,
	handler thrift.TProcessorFunction,
	seqID int32) (retErr error) {

	defer func() {
		if r := recover(); r != nil {
			log.LogPanicRecover(r, debug.Stack())
			retErr = errors.Tracef("handler panic: %v", r)
		}
	}()

	_, exception := handler.Process(ctx, seqID, session.input, session.output)
	if exception != nil {
		return exception
	}
	return nil
}

// replyUnknownMethod discards the request arguments and replies with an
// UNKNOWN_METHOD application exception carrying the request seqid.
func (session *protocolSession) replyUnknownMethod(
	ctx context.Context, name string, seqID int32) error {

	err := session.input.Skip(ctx, thrift.STRUCT)
	if err != nil {
		return errors.Trace(err)
	}
	err = session.input.ReadMessageEnd(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	exception := thrift.NewTApplicationException(
		thrift.UNKNOWN_METHOD, "Unknown function "+name)

	err = session.output.WriteMessageBegin(ctx, name, thrift.EXCEPTION, seqID)
	if err == nil {
		err = exception.Write(ctx, session.output)
	}
	if err == nil {
		err = session.output.WriteMessageEnd(ctx)
	}
	if err == nil {
		err = session.output.Flush(ctx)
	}
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

// afterClosed arranges for f to run in its own goroutine once signal is
// closed. The returned stop function prevents f from running, if it has
// not already started. A nil signal never fires.
func afterClosed(signal <-chan struct{}, f func()) (stop func()) {
	if signal == nil {
		return func() {}
	}
	stopped := make(chan struct{})
	var once sync.Once
	go func() {
		select {
		case <-signal:
			f()
		case <-stopped:
		}
	}()
	return func() { once.Do(func() { close(stopped) }) }
}
