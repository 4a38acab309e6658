// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"runtime"
	"strconv"
	"strings"
)

// caller returns "file:line" of the function depth frames above the
// caller of caller, or "???:0" if it is unknown.
func caller(depth int) string {
	_, file, line, ok := runtime.Caller(depth + 2)
	if !ok {
		return "???:0"
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return file + ":" + strconv.Itoa(line)
}

// splitSubsys splits a line logged on behalf of a GPU subsystem, such as
// "MSPDEC: init completed", into the subsystem name and the rest. Names
// are an upper case letter followed by up to 15 upper case letters or
// digits. Other lines are returned unchanged with an empty name.
func splitSubsys(line string) (string, string) {
	name, rest, ok := strings.Cut(line, ": ")
	if !ok || len(name) == 0 || len(name) > 16 || name[0] < 'A' || name[0] > 'Z' {
		return "", line
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return "", line
		}
	}
	return name, rest
}
