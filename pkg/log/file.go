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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// OpenFile opens a log file for appending, creating parent directories as
// needed. In logPattern, %TIMESTAMP% is replaced with start, %COMMAND% with
// command and %PID% with the process id, so that one pattern can serve
// several nvkmctl invocations.
//
// It returns (nil, nil) if logPattern is empty.
func OpenFile(logPattern, command string, start time.Time) (*os.File, error) {
	if logPattern == "" {
		return nil, nil
	}
	path := strings.NewReplacer(
		"%TIMESTAMP%", start.Format("20060102-150405.000000"),
		"%COMMAND%", command,
		"%PID%", strconv.Itoa(os.Getpid()),
	).Replace(logPattern)

	if err := os.MkdirAll(filepath.Dir(path), 0775); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0664)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}
