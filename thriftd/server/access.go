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
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	lrucache "github.com/cognusion/go-cache-lru"
	"golang.org/x/time/rate"
)

// Outcome is the classification assigned to a completed or abandoned
// request.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeTimeout
	OutcomeFuncNotFound
	OutcomeServerError
)

const ACCESS_LOG_TIME_FORMAT = "02/Jan/2006:15:04:05 -0700"

var outcomeNames = [...]string{
	OutcomeOK:           "OK",
	OutcomeTimeout:      "TIMEOUT",
	OutcomeFuncNotFound: "FUNC_NOT_FOUND",
	OutcomeServerError:  "SERVER_ERROR",
}

var outcomeStatusCodes = [...]int{
	OutcomeOK:           200,
	OutcomeTimeout:      504,
	OutcomeFuncNotFound: 404,
	OutcomeServerError:  500,
}

func (outcome Outcome) String() string {
	if outcome < 0 || int(outcome) >= len(outcomeNames) {
		return "UNKNOWN"
	}
	return outcomeNames[outcome]
}

// StatusCode returns the HTTP-like status code reported for outcome in
// access logs and metrics keys.
func (outcome Outcome) StatusCode() int {
	if outcome < 0 || int(outcome) >= len(outcomeStatusCodes) {
		return outcomeStatusCodes[OutcomeServerError]
	}
	return outcomeStatusCodes[outcome]
}

// AccessRecord is the result of one dispatched request.
type AccessRecord struct {
	PeerAddress string
	Method      string
	Outcome     Outcome
	Elapsed     time.Duration
	Timestamp   time.Time
}

// AccessRecorder consumes one AccessRecord per dispatched request.
// Implementations must not block for long and must not panic; the
// protocol session calls Record inline.
type AccessRecorder interface {
	Record(record *AccessRecord)
}

// MetricsSink receives counters and timings. Delivery is best effort.
type MetricsSink interface {
	Increment(name string, count int64) error
	Histogram(name string, value float64) error
}

// AccessLogRecorder is the AccessRecorder used by the worker. It writes
// one line per request to an optional access log and emits per method
// counters and timers to an optional MetricsSink.
//
// Failures are reported to the error log and never returned to the
// caller.
type AccessLogRecorder struct {
	config         *Config
	pid            int
	accessLogMutex sync.Mutex
	accessLog      io.Writer
	metrics        MetricsSink
	metricNames    *lrucache.Cache
	errorLogLimit  rate.Sometimes
}

// NewAccessLogRecorder creates a new AccessLogRecorder. accessLog and
// metrics may each be nil to disable that output.
func NewAccessLogRecorder(
	config *Config,
	accessLog io.Writer,
	metrics MetricsSink) *AccessLogRecorder {

	return &AccessLogRecorder{
		config:    config,
		pid:       os.Getpid(),
		accessLog: accessLog,
		metrics:   metrics,
		metricNames: lrucache.NewWithLRU(
			lrucache.NoExpiration, 1*time.Minute, METRIC_NAME_CACHE_MAX_ENTRIES),
		errorLogLimit: rate.Sometimes{First: 3, Interval: 1 * time.Minute},
	}
}

// Record implements AccessRecorder.
func (recorder *AccessLogRecorder) Record(record *AccessRecord) {

	defer func() {
		if r := recover(); r != nil {
			log.WithTraceFields(
				LogFields{
					"method": record.Method,
					"error":  fmt.Sprintf("%v", r),
				}).Error("access record failed")
		}
	}()

	statusCode := record.Outcome.StatusCode()
	elapsedMilliseconds := float64(record.Elapsed) / float64(time.Millisecond)

	if recorder.accessLog != nil && !recorder.config.SkipAccessLog(record.Method) {
		err := recorder.writeAccessLine(record, statusCode, elapsedMilliseconds)
		if err != nil {
			log.WithTraceFields(
				LogFields{"error": err}).Error("write access log failed")
		}
	}

	if recorder.metrics != nil {
		baseName := recorder.getMetricBaseName(record.Method)
		err := recorder.metrics.Increment(
			baseName+"."+strconv.Itoa(statusCode), 1)
		if err == nil {
			err = recorder.metrics.Histogram(baseName, elapsedMilliseconds)
		}
		if err != nil {
			// A missing statsd daemon fails every send; log a sample only.
			recorder.errorLogLimit.Do(func() {
				log.WithTraceFields(
					LogFields{"error": err}).Error("emit metrics failed")
			})
		}
	}
}

func (recorder *AccessLogRecorder) writeAccessLine(
	record *AccessRecord, statusCode int, elapsedMilliseconds float64) error {

	line := FormatAccessLine(record, statusCode, elapsedMilliseconds, recorder.pid)

	recorder.accessLogMutex.Lock()
	defer recorder.accessLogMutex.Unlock()

	_, err := io.WriteString(recorder.accessLog, line)
	return err
}

// FormatAccessLine formats one access log line:
// "<host> [<time>] <method> <status> <elapsed ms> <<pid>>".
func FormatAccessLine(
	record *AccessRecord, statusCode int, elapsedMilliseconds float64, pid int) string {

	return fmt.Sprintf(
		"%s [%s] %s %d %s <%d>\n",
		record.PeerAddress,
		record.Timestamp.Format(ACCESS_LOG_TIME_FORMAT),
		sanitizeMethodName(record.Method),
		statusCode,
		strconv.FormatFloat(elapsedMilliseconds, 'f', 3, 64),
		pid)
}

// getMetricBaseName returns "thrift.<project>.<method>". Method names are
// client supplied, so the name cache is bounded.
func (recorder *AccessLogRecorder) getMetricBaseName(method string) string {
	if name, ok := recorder.metricNames.Get(method); ok {
		return name.(string)
	}
	name := fmt.Sprintf(
		"thrift.%s.%s",
		sanitizeMethodName(recorder.config.GetProjectName()),
		sanitizeMethodName(method))
	recorder.metricNames.Set(method, name, lrucache.NoExpiration)
	return name
}

// sanitizeMethodName replaces characters which would break an access log
// line or a statsd datagram.
func sanitizeMethodName(name string) string {
	if name == "" {
		return "-"
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) ||
			r == ':' || r == '|' || r == '@' {
			return '_'
		}
		return r
	}, name)
}
