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
	"encoding/json"
	"fmt"
	"io"
	go_log "log"
	"os"
	"time"

	rotate "github.com/Psiphon-Inc/rotate-safe-writer"
	"github.com/Psiphon-Labs/thriftd/thriftd/common"
	"github.com/Psiphon-Labs/thriftd/thriftd/common/errors"
	"github.com/Psiphon-Labs/thriftd/thriftd/common/stacktrace"
	"github.com/sirupsen/logrus"
)

// TraceLogger adds single frame stack trace information to the underlying
// logging facilities.
type TraceLogger struct {
	*logrus.Logger
}

// LogFields is an alias for the field struct in the underlying logging
// package.
type LogFields logrus.Fields

// WithTrace adds a "trace" field containing the caller's function name
// and source file line number. Use this function when the log has no
// fields.
func (logger *TraceLogger) WithTrace() *logrus.Entry {
	return logger.WithFields(
		logrus.Fields{
			"trace": stacktrace.GetParentFunctionName(),
		})
}

// WithTraceFields adds a "trace" field containing the caller's function
// name and source file line number. Use this function when the log has
// fields. Note that any existing "trace" field will be renamed to
// "field.trace".
func (logger *TraceLogger) WithTraceFields(fields LogFields) *logrus.Entry {
	_, ok := fields["trace"]
	if ok {
		fields["fields.trace"] = fields["trace"]
	}
	fields["trace"] = stacktrace.GetParentFunctionName()
	return logger.WithFields(logrus.Fields(fields))
}

// LogRawFieldsWithTimestamp directly logs the supplied fields adding only
// an additional "timestamp" field. The stock "msg" and "level" fields are
// omitted. This log is emitted at the Error level so that it is never
// filtered by the configured level.
func (logger *TraceLogger) LogRawFieldsWithTimestamp(fields LogFields) {
	logger.WithFields(logrus.Fields(fields)).Error(
		customJSONFormatterLogRawFieldsWithTimestamp)
}

// LogPanicRecover calls LogRawFieldsWithTimestamp with standard fields
// for logging recovered panics.
func (logger *TraceLogger) LogPanicRecover(recoverValue interface{}, stack []byte) {
	logger.LogRawFieldsWithTimestamp(
		LogFields{
			"event_name":    "panic",
			"recover_value": fmt.Sprintf("%v", recoverValue),
			"stack":         string(stack),
		})
}

type commonLogger struct {
	traceLogger *TraceLogger
}

// CommonLogger returns a common.Logger which writes to traceLogger. It is
// passed to hosted applications so their logs share the worker log.
func CommonLogger(traceLogger *TraceLogger) common.Logger {
	return &commonLogger{traceLogger: traceLogger}
}

func (logger *commonLogger) WithTrace() common.LogTrace {
	// Inlined to preserve the caller frame.
	return logger.traceLogger.WithFields(
		logrus.Fields{
			"trace": stacktrace.GetParentFunctionName(),
		})
}

func (logger *commonLogger) WithTraceFields(fields common.LogFields) common.LogTrace {
	_, ok := fields["trace"]
	if ok {
		fields["fields.trace"] = fields["trace"]
	}
	fields["trace"] = stacktrace.GetParentFunctionName()
	return logger.traceLogger.WithFields(logrus.Fields(fields))
}

// CustomJSONFormatter is a customized version of logrus.JSONFormatter
type CustomJSONFormatter struct {
}

const customJSONFormatterLogRawFieldsWithTimestamp = "CustomJSONFormatter.LogRawFieldsWithTimestamp"

// Format implements logrus.Formatter. This is a customized version
// of the standard logrus.JSONFormatter adapted from:
// https://github.com/Sirupsen/logrus/blob/f1addc29722ba9f7651bc42b4198d0944b66e7c4/json_formatter.go
//
// The changes are:
// - "time" is renamed to "timestamp"
// - there's an option to omit the standard "msg" and "level" fields
func (f *CustomJSONFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(logrus.Fields, len(entry.Data)+3)
	for k, v := range entry.Data {
		switch v := v.(type) {
		case error:
			// Otherwise errors are ignored by `encoding/json`
			// https://github.com/Sirupsen/logrus/issues/137
			data[k] = v.Error()
		default:
			data[k] = v
		}
	}

	if t, ok := data["timestamp"]; ok {
		data["fields.timestamp"] = t
	}

	data["timestamp"] = entry.Time.Format(time.RFC3339)

	if entry.Message != customJSONFormatterLogRawFieldsWithTimestamp {

		if m, ok := data["msg"]; ok {
			data["fields.msg"] = m
		}

		if l, ok := data["level"]; ok {
			data["fields.level"] = l
		}

		data["msg"] = entry.Message
		data["level"] = entry.Level.String()
	}

	serialized, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields to JSON, %v", err)
	}

	return append(serialized, '\n'), nil
}

var log *TraceLogger

// InitLogging configures a logger according to the specified
// config params. If not called, the default logger set by the
// package init() is used.
// Concurrency note: should only be called from the main
// goroutine.
func InitLogging(config *Config) error {

	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		return errors.Trace(err)
	}

	var logWriter io.Writer = os.Stderr

	if config.LogFilename != "" {
		logWriter, err = openLogFile(config.LogFilename)
		if err != nil {
			return errors.Trace(err)
		}
	}

	log = &TraceLogger{
		&logrus.Logger{
			Out:       logWriter,
			Formatter: &CustomJSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     level,
		},
	}

	return nil
}

// OpenAccessLog returns the access log sink named by the config, or nil
// when access logging is disabled.
func OpenAccessLog(config *Config) (io.Writer, error) {
	switch config.AccessLogFilename {
	case "":
		return nil, nil
	case ACCESS_LOG_STDOUT:
		return os.Stdout, nil
	}
	writer, err := openLogFile(config.AccessLogFilename)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return writer, nil
}

// openLogFile opens filename for appending. The returned writer detects
// logrotate moving the file and reopens it.
func openLogFile(filename string) (*rotate.RotatableFileWriter, error) {
	writer, err := rotate.NewRotatableFileWriter(
		filename,
		ROTATABLE_LOG_FILE_REOPEN_RETRIES,
		ROTATABLE_LOG_FILE_CREATE,
		ROTATABLE_LOG_FILE_MODE)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return writer, nil
}

func init() {

	// Suppress standard "log" package logging performed by other packages.
	go_log.SetOutput(io.Discard)

	log = &TraceLogger{
		&logrus.Logger{
			Out:       os.Stderr,
			Formatter: &CustomJSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.DebugLevel,
		},
	}
}
