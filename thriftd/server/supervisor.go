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
	std_errors "errors"
	"os"
	"time"

	"github.com/Psiphon-Labs/thriftd/thriftd/common/errors"
	"github.com/shirou/gopsutil/v4/process"
)

// ErrSupervisorChanged is returned by Worker.Run when the worker detects
// that its supervising process has gone away.
var ErrSupervisorChanged = std_errors.New("supervisor changed")

// Supervisor is the worker's view of the host process which started it.
type Supervisor interface {

	// Notify signals liveness to the host. It is called once per tick.
	Notify() error

	// ParentChanged indicates whether the host process is no longer the
	// one which started the worker.
	ParentChanged() bool
}

// ProcessSupervisor is a Supervisor for a worker started by a parent
// process. Liveness is signalled by touching a heartbeat file; the parent
// is identified by its pid and process creation time.
type ProcessSupervisor struct {
	heartbeatFilename string
	parentPID         int
	parentCreateTime  int64
}

// NewProcessSupervisor records the identity of the current parent
// process. When heartbeatFilename is blank, Notify does nothing.
func NewProcessSupervisor(heartbeatFilename string) *ProcessSupervisor {

	parentPID := os.Getppid()

	// A zero create time disables the create time check, for example when
	// the parent is not visible to this process.
	createTime, _ := getProcessCreateTime(parentPID)

	return &ProcessSupervisor{
		heartbeatFilename: heartbeatFilename,
		parentPID:         parentPID,
		parentCreateTime:  createTime,
	}
}

// Notify implements Supervisor.
func (supervisor *ProcessSupervisor) Notify() error {

	if supervisor.heartbeatFilename == "" {
		return nil
	}

	now := time.Now()
	err := os.Chtimes(supervisor.heartbeatFilename, now, now)
	if os.IsNotExist(err) {
		err = os.WriteFile(supervisor.heartbeatFilename, nil, 0600)
	}
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

// ParentChanged implements Supervisor.
func (supervisor *ProcessSupervisor) ParentChanged() bool {

	if os.Getppid() != supervisor.parentPID {
		return true
	}

	if supervisor.parentCreateTime == 0 {
		return false
	}

	// Detects the parent exiting and its pid being reused, in environments
	// where orphans are not reparented away from the original ppid.
	createTime, err := getProcessCreateTime(supervisor.parentPID)
	if err != nil {
		return true
	}
	return createTime != supervisor.parentCreateTime
}

func getProcessCreateTime(pid int) (int64, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, errors.Trace(err)
	}
	createTime, err := proc.CreateTime()
	if err != nil {
		return 0, errors.Trace(err)
	}
	return createTime, nil
}
