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

Package buildinfo reports the build identity of the running binary, for
inclusion in startup and load logs.

Values may be set at link time, for example:

	-ldflags "-X github.com/Psiphon-Labs/thriftd/thriftd/common/buildinfo.buildRev=`git rev-parse --short HEAD`"

When not set, the revision and date recorded by the Go toolchain, if any,
are used.

*/
package buildinfo

import (
	"runtime"
	"runtime/debug"
	"strings"
)

// -X github.com/Psiphon-Labs/thriftd/thriftd/common/buildinfo.buildDate=`date --iso-8601=seconds`
var buildDate string

// -X github.com/Psiphon-Labs/thriftd/thriftd/common/buildinfo.buildRepo=`git config --get remote.origin.url`
var buildRepo string

// -X github.com/Psiphon-Labs/thriftd/thriftd/common/buildinfo.buildRev=`git rev-parse --short HEAD`
var buildRev string

// BuildInfo is the build identity of the running binary.
type BuildInfo struct {
	BuildDate string `json:"buildDate"`
	BuildRepo string `json:"buildRepo"`
	BuildRev  string `json:"buildRev"`
	GoVersion string `json:"goVersion"`
	Modified  bool   `json:"modified,omitempty"`
}

// ToMap returns the build info as log fields.
func (info *BuildInfo) ToMap() map[string]interface{} {
	fields := map[string]interface{}{
		"buildDate": info.BuildDate,
		"buildRepo": info.BuildRepo,
		"buildRev":  info.BuildRev,
		"goVersion": info.GoVersion,
	}
	if info.Modified {
		fields["modified"] = true
	}
	return fields
}

// GetBuildInfo returns the build info.
func GetBuildInfo() *BuildInfo {

	info := &BuildInfo{
		BuildDate: strings.TrimSpace(buildDate),
		BuildRepo: strings.TrimSpace(buildRepo),
		BuildRev:  strings.TrimSpace(buildRev),
		GoVersion: runtime.Version(),
	}

	toolchainInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}

	if info.BuildRepo == "" {
		info.BuildRepo = toolchainInfo.Main.Path
	}

	for _, setting := range toolchainInfo.Settings {
		switch setting.Key {
		case "vcs.revision":
			if info.BuildRev == "" {
				info.BuildRev = setting.Value
			}
		case "vcs.time":
			if info.BuildDate == "" {
				info.BuildDate = setting.Value
			}
		case "vcs.modified":
			info.Modified = setting.Value == "true"
		}
	}

	return info
}
