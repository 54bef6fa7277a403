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
	"bytes"
	std_errors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testMetric struct {
	name  string
	value float64
}

type testMetricsSink struct {
	mutex      sync.Mutex
	increments []testMetric
	histograms []testMetric
	err        error
	panicValue interface{}
}

func (sink *testMetricsSink) Increment(name string, count int64) error {
	if sink.panicValue != nil {
		panic(sink.panicValue)
	}
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	sink.increments = append(sink.increments, testMetric{name, float64(count)})
	return sink.err
}

func (sink *testMetricsSink) Histogram(name string, value float64) error {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	sink.histograms = append(sink.histograms, testMetric{name, value})
	return sink.err
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, std_errors.New("disk full")
}

func loadAccessTestConfig(t *testing.T, extraConfigJSON string) *Config {
	config, err := LoadConfig([]byte(fmt.Sprintf(
		`{"ProcName": "myproject:worker 1"%s}`, extraConfigJSON)))
	require.NoError(t, err)
	return config
}

func TestOutcomeStatusCodes(t *testing.T) {

	testCases := []struct {
		outcome    Outcome
		name       string
		statusCode int
	}{
		{OutcomeOK, "OK", 200},
		{OutcomeTimeout, "TIMEOUT", 504},
		{OutcomeFuncNotFound, "FUNC_NOT_FOUND", 404},
		{OutcomeServerError, "SERVER_ERROR", 500},
	}

	for _, testCase := range testCases {
		assert.Equal(t, testCase.name, testCase.outcome.String())
		assert.Equal(t, testCase.statusCode, testCase.outcome.StatusCode())
	}
}

func TestFormatAccessLine(t *testing.T) {

	record := &AccessRecord{
		PeerAddress: "192.168.1.10",
		Method:      "send_ping",
		Outcome:     OutcomeOK,
		Elapsed:     12500 * time.Microsecond,
		Timestamp:   time.Date(2024, time.March, 7, 15, 4, 5, 0, time.FixedZone("", 2*60*60)),
	}

	line := FormatAccessLine(record, 200, 12.5, 4242)

	assert.Equal(t,
		"192.168.1.10 [07/Mar/2024:15:04:05 +0200] send_ping 200 12.500 <4242>\n",
		line)

	record.Method = "bad method\n"
	line = FormatAccessLine(record, 404, 0, 1)
	assert.Equal(t,
		"192.168.1.10 [07/Mar/2024:15:04:05 +0200] bad_method_ 404 0.000 <1>\n",
		line)
}

func TestAccessLogRecorder(t *testing.T) {

	config := loadAccessTestConfig(t, `, "AccessLogSkipMethods": ["health*"]`)

	accessLog := new(bytes.Buffer)
	metrics := &testMetricsSink{}

	recorder := NewAccessLogRecorder(config, accessLog, metrics)

	recorder.Record(
		&AccessRecord{
			PeerAddress: "127.0.0.1",
			Method:      "send_ping",
			Outcome:     OutcomeTimeout,
			Elapsed:     250 * time.Millisecond,
			Timestamp:   time.Now(),
		})

	recorder.Record(
		&AccessRecord{
			PeerAddress: "127.0.0.1",
			Method:      "health_check",
			Outcome:     OutcomeOK,
			Elapsed:     time.Millisecond,
			Timestamp:   time.Now(),
		})

	lines := bytes.Split(bytes.TrimSuffix(accessLog.Bytes(), []byte("\n")), []byte("\n"))
	require.Len(t, lines, 1)
	assert.Contains(t, string(lines[0]), "127.0.0.1 [")
	assert.Contains(t, string(lines[0]), "] send_ping 504 250.000 <")

	require.Equal(t,
		[]testMetric{
			{"thrift.myproject.send_ping.504", 1},
			{"thrift.myproject.health_check.200", 1},
		},
		metrics.increments)

	require.Equal(t,
		[]testMetric{
			{"thrift.myproject.send_ping", 250},
			{"thrift.myproject.health_check", 1},
		},
		metrics.histograms)
}

func TestAccessLogRecorderFailures(t *testing.T) {

	hook := test.NewLocal(log.Logger)

	config := loadAccessTestConfig(t, "")

	record := &AccessRecord{
		PeerAddress: "127.0.0.1",
		Method:      "send_ping",
		Outcome:     OutcomeOK,
		Timestamp:   time.Now(),
	}

	// Access log write failure is logged, and metrics are still sent.

	metrics := &testMetricsSink{}
	recorder := NewAccessLogRecorder(config, failingWriter{}, metrics)

	recorder.Record(record)

	require.Len(t, metrics.increments, 1)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, "write access log failed", hook.LastEntry().Message)

	// Metrics failures are logged, but not on every request.

	hook.Reset()
	metrics = &testMetricsSink{err: std_errors.New("connection refused")}
	recorder = NewAccessLogRecorder(config, nil, metrics)

	for i := 0; i < 10; i++ {
		recorder.Record(record)
	}

	require.Len(t, metrics.increments, 10)
	count := 0
	for _, entry := range hook.AllEntries() {
		if entry.Message == "emit metrics failed" {
			count += 1
		}
	}
	assert.Equal(t, 3, count)

	// A panicking sink does not propagate.

	hook.Reset()
	metrics = &testMetricsSink{panicValue: "sink panic"}
	recorder = NewAccessLogRecorder(config, nil, metrics)

	require.NotPanics(t, func() { recorder.Record(record) })
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "access record failed", hook.LastEntry().Message)
}

func TestMetricBaseName(t *testing.T) {

	config := loadAccessTestConfig(t, "")
	recorder := NewAccessLogRecorder(config, nil, nil)

	assert.Equal(t, "thrift.myproject.send_ping", recorder.getMetricBaseName("send_ping"))
	assert.Equal(t, "thrift.myproject.a_b_c_d", recorder.getMetricBaseName("a:b|c@d"))
	assert.Equal(t, "thrift.myproject.-", recorder.getMetricBaseName(""))

	// Cached
	assert.Equal(t, "thrift.myproject.send_ping", recorder.getMetricBaseName("send_ping"))
}
