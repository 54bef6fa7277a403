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
	"fmt"
	"net"
	"strconv"

	"github.com/Psiphon-Labs/thriftd/thriftd/common/errors"
)

const STATSD_SAMPLE_RATE = 1.0

// StatsdClient is a MetricsSink which sends statsd datagrams over UDP.
// Each metric is one datagram; there is no batching.
type StatsdClient struct {
	conn net.Conn
}

// NewStatsdClient creates a StatsdClient sending to address, a
// "<host>:<port>" string.
func NewStatsdClient(address string) (*StatsdClient, error) {
	conn, err := net.Dial("udp", address)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &StatsdClient{conn: conn}, nil
}

// Increment implements MetricsSink.
func (client *StatsdClient) Increment(name string, count int64) error {
	return client.send(
		fmt.Sprintf("%s:%d|c|@%.1f", name, count, STATSD_SAMPLE_RATE))
}

// Histogram implements MetricsSink. value is in milliseconds.
func (client *StatsdClient) Histogram(name string, value float64) error {
	return client.send(
		fmt.Sprintf("%s:%s|ms", name, strconv.FormatFloat(value, 'f', -1, 64)))
}

// Close closes the underlying socket.
func (client *StatsdClient) Close() error {
	return client.conn.Close()
}

func (client *StatsdClient) send(datagram string) error {
	_, err := client.conn.Write([]byte(datagram))
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}
