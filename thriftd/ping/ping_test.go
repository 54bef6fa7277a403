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

package ping

import (
	"context"
	std_errors "errors"
	"net"
	"testing"

	"github.com/apache/thrift/lib/go/thrift"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessorSendPing(t *testing.T) {

	ctx := context.Background()

	input := thrift.NewTMemoryBuffer()
	output := thrift.NewTMemoryBuffer()
	iprot := thrift.NewTBinaryProtocolConf(input, nil)
	oprot := thrift.NewTBinaryProtocolConf(output, nil)

	require.NoError(t, iprot.WriteMessageBegin(ctx, SEND_PING_METHOD, thrift.CALL, 7))
	args := &sendPingArgs{Msg: "hello"}
	require.NoError(t, args.Write(ctx, iprot))
	require.NoError(t, iprot.WriteMessageEnd(ctx))

	processor := NewProcessor(NewService(nil))

	ok, err := processor.Process(ctx, iprot, oprot)
	require.True(t, ok)
	require.Nil(t, err)

	name, messageType, seqID, readErr := oprot.ReadMessageBegin(ctx)
	require.NoError(t, readErr)
	assert.Equal(t, SEND_PING_METHOD, name)
	assert.Equal(t, thrift.REPLY, messageType)
	assert.Equal(t, int32(7), seqID)

	result := &sendPingResult{}
	require.NoError(t, result.Read(ctx, oprot))
	require.NotNil(t, result.Success)
	assert.Equal(t, "hello", *result.Success)
}

func TestProcessorUnknownMethod(t *testing.T) {

	ctx := context.Background()

	input := thrift.NewTMemoryBuffer()
	output := thrift.NewTMemoryBuffer()
	iprot := thrift.NewTBinaryProtocolConf(input, nil)
	oprot := thrift.NewTBinaryProtocolConf(output, nil)

	require.NoError(t, iprot.WriteMessageBegin(ctx, "missing", thrift.CALL, 9))
	args := &sendPingArgs{Msg: "hello"}
	require.NoError(t, args.Write(ctx, iprot))
	require.NoError(t, iprot.WriteMessageEnd(ctx))

	processor := NewProcessor(NewService(nil))

	ok, err := processor.Process(ctx, iprot, oprot)
	require.False(t, ok)
	require.NotNil(t, err)

	name, messageType, seqID, readErr := oprot.ReadMessageBegin(ctx)
	require.NoError(t, readErr)
	assert.Equal(t, "missing", name)
	assert.Equal(t, thrift.EXCEPTION, messageType)
	assert.Equal(t, int32(9), seqID)

	exception := thrift.NewTApplicationException(thrift.UNKNOWN_APPLICATION_EXCEPTION, "")
	require.NoError(t, exception.Read(ctx, oprot))
	assert.Equal(t, int32(thrift.UNKNOWN_METHOD), exception.TypeId())
}

func TestArgsSkipUnknownFields(t *testing.T) {

	ctx := context.Background()

	buffer := thrift.NewTMemoryBuffer()
	protocol := thrift.NewTBinaryProtocolConf(buffer, nil)

	require.NoError(t, protocol.WriteStructBegin(ctx, "send_ping_args"))
	require.NoError(t, protocol.WriteFieldBegin(ctx, "extra", thrift.I32, 2))
	require.NoError(t, protocol.WriteI32(ctx, 99))
	require.NoError(t, protocol.WriteFieldEnd(ctx))
	require.NoError(t, protocol.WriteFieldBegin(ctx, "msg", thrift.STRING, 1))
	require.NoError(t, protocol.WriteString(ctx, "hello"))
	require.NoError(t, protocol.WriteFieldEnd(ctx))
	require.NoError(t, protocol.WriteFieldStop(ctx))
	require.NoError(t, protocol.WriteStructEnd(ctx))

	args := &sendPingArgs{}
	require.NoError(t, args.Read(ctx, protocol))
	assert.Equal(t, "hello", args.Msg)
}

func TestClient(t *testing.T) {

	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	handler := HandlerFunc(func(ctx context.Context, msg string) (string, error) {
		if msg == "fail" {
			return "", std_errors.New("failed")
		}
		return "pong: " + msg, nil
	})

	go func() {
		ctx := context.Background()
		transport := thrift.NewStreamTransportRW(serverConn)
		protocol := thrift.NewTBinaryProtocolConf(transport, nil)
		processor := NewProcessor(handler)
		for {
			_, err := processor.Process(ctx, protocol, protocol)
			if err != nil {
				var appException thrift.TApplicationException
				if !std_errors.As(err, &appException) &&
					err.Error() != "failed" {
					return
				}
			}
		}
	}()

	client := NewClient(clientConn)
	defer client.Close()

	ctx := context.Background()

	reply, err := client.SendPing(ctx, "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong: ping", reply)

	_, err = client.SendPing(ctx, "fail")
	require.Error(t, err)
	var appException thrift.TApplicationException
	require.True(t, std_errors.As(err, &appException))
	assert.Equal(t, int32(thrift.INTERNAL_ERROR), appException.TypeId())

	_, err = client.Call(ctx, "missing", "ping")
	require.Error(t, err)
	require.True(t, std_errors.As(err, &appException))
	assert.Equal(t, int32(thrift.UNKNOWN_METHOD), appException.TypeId())

	reply, err = client.SendPing(ctx, "again")
	require.NoError(t, err)
	assert.Equal(t, "pong: again", reply)
}
