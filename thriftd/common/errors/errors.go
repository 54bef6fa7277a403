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

/*

Package errors provides error wrapping helpers that add inline, single frame
stack trace information to error messages.

All wrapping uses %w, so errors.Is and errors.As continue to match the
underlying error, which the worker relies on to classify socket failures.

*/
package errors

import (
	std_errors "errors"
	"fmt"
	"runtime"

	"github.com/Psiphon-Labs/thriftd/thriftd/common/stacktrace"
)

// TraceNew returns a new error with the given message, wrapped with the caller
// stack frame information.
func TraceNew(message string) error {
	return fmt.Errorf("%s: %w", callerFrame(), std_errors.New(message))
}

// Tracef returns a new error with the given formatted message, wrapped with
// the caller stack frame information. A %w verb in format is honored.
func Tracef(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", callerFrame(), fmt.Errorf(format, args...))
}

// Trace wraps the given error with the caller stack frame information.
func Trace(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", callerFrame(), err)
}

// Is and As are re-exported so callers importing this package in place of
// the standard library package retain classification.
func Is(err, target error) bool {
	return std_errors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return std_errors.As(err, target)
}

// callerFrame must be called directly from an exported function in this
// package; it reports the frame of that function's caller.
func callerFrame() string {
	pc, _, line, ok := runtime.Caller(2)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s#%d", stacktrace.GetFunctionName(pc), line)
}
