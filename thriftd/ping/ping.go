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

// Package ping implements the Ping sample service: a single send_ping
// method which echoes its message. It provides a Thrift processor, for
// hosting in a thriftd worker, and a client.
//
// The wire format matches the Thrift IDL:
//
//	service Ping {
//	    string send_ping(1: string msg)
//	}
package ping

import (
	"context"
	"fmt"
	"net"

	"github.com/Psiphon-Labs/thriftd/thriftd/common"
	"github.com/Psiphon-Labs/thriftd/thriftd/common/errors"
	"github.com/apache/thrift/lib/go/thrift"
)

const (
	SERVICE_NAME     = "Ping"
	SEND_PING_METHOD = "send_ping"
)

// Handler implements the Ping service.
type Handler interface {
	SendPing(ctx context.Context, msg string) (string, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg string) (string, error)

// SendPing implements Handler.
func (f HandlerFunc) SendPing(ctx context.Context, msg string) (string, error) {
	return f(ctx, msg)
}

// Service is the sample Handler. It echoes each message.
type Service struct {
	logger common.Logger
}

// NewService creates a new Service. logger may be nil.
func NewService(logger common.Logger) *Service {
	return &Service{logger: logger}
}

// SendPing implements Handler.
func (service *Service) SendPing(ctx context.Context, msg string) (string, error) {
	if service.logger != nil {
		service.logger.WithTraceFields(
			common.LogFields{"length": len(msg)}).Debug("send_ping")
	}
	return msg, nil
}

// NewServiceProcessor returns a processor serving a new Service. Its
// signature matches the processor constructor expected by
// server.RunServices.
func NewServiceProcessor(logger common.Logger) (thrift.TProcessor, error) {
	return NewProcessor(NewService(logger)), nil
}

// Processor is the thrift.TProcessor for the Ping service.
type Processor struct {
	processorMap map[string]thrift.TProcessorFunction
	handler      Handler
}

// NewProcessor creates a Processor which dispatches to handler.
func NewProcessor(handler Handler) *Processor {
	processor := &Processor{
		processorMap: make(map[string]thrift.TProcessorFunction),
		handler:      handler,
	}
	processor.processorMap[SEND_PING_METHOD] = &sendPingProcessor{handler: handler}
	return processor
}

// AddToProcessorMap implements thrift.TProcessor.
func (processor *Processor) AddToProcessorMap(key string, function thrift.TProcessorFunction) {
	processor.processorMap[key] = function
}

// ProcessorMap implements thrift.TProcessor.
func (processor *Processor) ProcessorMap() map[string]thrift.TProcessorFunction {
	return processor.processorMap
}

// Process implements thrift.TProcessor. It serves one message.
func (processor *Processor) Process(
	ctx context.Context, iprot, oprot thrift.TProtocol) (bool, thrift.TException) {

	name, _, seqID, err := iprot.ReadMessageBegin(ctx)
	if err != nil {
		return false, thrift.WrapTException(err)
	}

	if function, ok := processor.processorMap[name]; ok {
		return function.Process(ctx, seqID, iprot, oprot)
	}

	iprot.Skip(ctx, thrift.STRUCT)
	iprot.ReadMessageEnd(ctx)
	exception := thrift.NewTApplicationException(
		thrift.UNKNOWN_METHOD, "Unknown function "+name)
	oprot.WriteMessageBegin(ctx, name, thrift.EXCEPTION, seqID)
	exception.Write(ctx, oprot)
	oprot.WriteMessageEnd(ctx)
	oprot.Flush(ctx)
	return false, exception
}

type sendPingProcessor struct {
	handler Handler
}

// Process implements thrift.TProcessorFunction.
func (p *sendPingProcessor) Process(
	ctx context.Context,
	seqID int32,
	iprot, oprot thrift.TProtocol) (bool, thrift.TException) {

	args := sendPingArgs{}
	err := args.Read(ctx, iprot)
	if err == nil {
		err = iprot.ReadMessageEnd(ctx)
	}
	if err != nil {
		exception := thrift.NewTApplicationException(thrift.PROTOCOL_ERROR, err.Error())
		writeException(ctx, oprot, seqID, exception)
		return false, thrift.WrapTException(err)
	}

	retval, err := p.handler.SendPing(ctx, args.Msg)
	if err != nil {
		exception := thrift.NewTApplicationException(
			thrift.INTERNAL_ERROR,
			"Internal error processing send_ping: "+err.Error())
		writeException(ctx, oprot, seqID, exception)
		return true, thrift.WrapTException(err)
	}

	result := sendPingResult{Success: &retval}

	err = oprot.WriteMessageBegin(ctx, SEND_PING_METHOD, thrift.REPLY, seqID)
	if err == nil {
		err = result.Write(ctx, oprot)
	}
	if err == nil {
		err = oprot.WriteMessageEnd(ctx)
	}
	if err == nil {
		err = oprot.Flush(ctx)
	}
	if err != nil {
		return false, thrift.WrapTException(err)
	}

	return true, nil
}

func writeException(
	ctx context.Context,
	oprot thrift.TProtocol,
	seqID int32,
	exception thrift.TApplicationException) {

	// Best effort; the caller reports the original error.
	oprot.WriteMessageBegin(ctx, SEND_PING_METHOD, thrift.EXCEPTION, seqID)
	exception.Write(ctx, oprot)
	oprot.WriteMessageEnd(ctx)
	oprot.Flush(ctx)
}

type sendPingArgs struct {
	Msg string
}

func (p *sendPingArgs) Read(ctx context.Context, iprot thrift.TProtocol) error {

	_, err := iprot.ReadStructBegin(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	for {
		_, fieldType, fieldID, err := iprot.ReadFieldBegin(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if fieldType == thrift.STOP {
			break
		}
		if fieldID == 1 && fieldType == thrift.STRING {
			p.Msg, err = iprot.ReadString(ctx)
		} else {
			err = iprot.Skip(ctx, fieldType)
		}
		if err != nil {
			return errors.Trace(err)
		}
		err = iprot.ReadFieldEnd(ctx)
		if err != nil {
			return errors.Trace(err)
		}
	}

	return errors.Trace(iprot.ReadStructEnd(ctx))
}

func (p *sendPingArgs) Write(ctx context.Context, oprot thrift.TProtocol) error {
	err := oprot.WriteStructBegin(ctx, "send_ping_args")
	if err == nil {
		err = oprot.WriteFieldBegin(ctx, "msg", thrift.STRING, 1)
	}
	if err == nil {
		err = oprot.WriteString(ctx, p.Msg)
	}
	if err == nil {
		err = oprot.WriteFieldEnd(ctx)
	}
	if err == nil {
		err = oprot.WriteFieldStop(ctx)
	}
	if err == nil {
		err = oprot.WriteStructEnd(ctx)
	}
	return errors.Trace(err)
}

type sendPingResult struct {
	Success *string
}

func (p *sendPingResult) Read(ctx context.Context, iprot thrift.TProtocol) error {

	_, err := iprot.ReadStructBegin(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	for {
		_, fieldType, fieldID, err := iprot.ReadFieldBegin(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if fieldType == thrift.STOP {
			break
		}
		if fieldID == 0 && fieldType == thrift.STRING {
			var value string
			value, err = iprot.ReadString(ctx)
			p.Success = &value
		} else {
			err = iprot.Skip(ctx, fieldType)
		}
		if err != nil {
			return errors.Trace(err)
		}
		err = iprot.ReadFieldEnd(ctx)
		if err != nil {
			return errors.Trace(err)
		}
	}

	return errors.Trace(iprot.ReadStructEnd(ctx))
}

func (p *sendPingResult) Write(ctx context.Context, oprot thrift.TProtocol) error {
	err := oprot.WriteStructBegin(ctx, "send_ping_result")
	if err == nil && p.Success != nil {
		err = oprot.WriteFieldBegin(ctx, "success", thrift.STRING, 0)
		if err == nil {
			err = oprot.WriteString(ctx, *p.Success)
		}
		if err == nil {
			err = oprot.WriteFieldEnd(ctx)
		}
	}
	if err == nil {
		err = oprot.WriteFieldStop(ctx)
	}
	if err == nil {
		err = oprot.WriteStructEnd(ctx)
	}
	return errors.Trace(err)
}

// Client is a Ping service client over a single connection. Calls on a
// Client must not be made concurrently.
type Client struct {
	conn   net.Conn
	client *thrift.TStandardClient
}

// NewClient creates a Client which uses conn. The Client takes ownership
// of conn.
func NewClient(conn net.Conn) *Client {
	transport := thrift.NewStreamTransportRW(conn)
	protocolFactory := thrift.NewTBinaryProtocolFactoryConf(nil)
	return &Client{
		conn: conn,
		client: thrift.NewTStandardClient(
			protocolFactory.GetProtocol(transport),
			protocolFactory.GetProtocol(transport)),
	}
}

// Dial connects to a Ping service at address.
func Dial(ctx context.Context, address string) (*Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewClient(conn), nil
}

// Conn returns the client's underlying connection.
func (client *Client) Conn() net.Conn {
	return client.conn
}

// SendPing calls send_ping.
func (client *Client) SendPing(ctx context.Context, msg string) (string, error) {
	return client.Call(ctx, SEND_PING_METHOD, msg)
}

// Call invokes method with a send_ping argument struct. Server errors are
// returned as thrift.TApplicationException values.
func (client *Client) Call(ctx context.Context, method string, msg string) (string, error) {

	args := &sendPingArgs{Msg: msg}
	result := &sendPingResult{}

	_, err := client.client.Call(ctx, method, args, result)
	if err != nil {
		// Not traced, so callers may type assert
		// thrift.TApplicationException.
		return "", err
	}

	if result.Success == nil {
		return "", thrift.NewTApplicationException(
			thrift.MISSING_RESULT, fmt.Sprintf("%s failed: unknown result", method))
	}

	return *result.Success, nil
}

// Close closes the client's connection.
func (client *Client) Close() error {
	return client.conn.Close()
}
