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
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// glogStamp is the glog timestamp layout, mmdd hh:mm:ss.uuuuuu.
const glogStamp = "0102 15:04:05.000000"

// glogLevels maps levels to their glog severity letter.
var glogLevels = map[Level]byte{
	Warning: 'W',
	Info:    'I',
	Debug:   'D',
}

// glogPid is the thread id column, padded to the 7 characters glog uses.
var glogPid = fmt.Sprintf("%7d", os.Getpid())

// Emit emits the message, google-style:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] msg
//
// The header is prepended to format, so arguments are formatted once by
// the underlying emitter.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var local [256]byte
	b := append(local[:0], glogLevels[level])
	b = timestamp.AppendFormat(b, glogStamp)
	b = append(b, ' ')
	b = append(b, glogPid...)
	b = append(b, ' ')
	b = append(b, caller(depth)...)
	b = append(b, "] "...)
	b = append(b, format...)
	b = append(b, '\n')
	g.Emitter.Emit(depth+1, level, timestamp, string(b), args...)
}
