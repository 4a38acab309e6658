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
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger drops messages over its limit. The next message that
// gets through reports how many were dropped, so an interrupt storm shows
// up as one line with a count rather than silence.
type rateLimitedLogger struct {
	logger  Logger
	limit   *rate.Limiter
	dropped atomic.Uint64
}

func (rl *rateLimitedLogger) emit(level Level, format string, v []any) {
	if !rl.limit.Allow() {
		rl.dropped.Add(1)
		return
	}
	if n := rl.dropped.Swap(0); n != 0 {
		format += " (%d similar messages suppressed)"
		v = append(v[:len(v):len(v)], n)
	}
	switch level {
	case Warning:
		rl.logger.Warningf(format, v...)
	case Info:
		rl.logger.Infof(format, v...)
	default:
		rl.logger.Debugf(format, v...)
	}
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	rl.emit(Debug, format, v)
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	rl.emit(Info, format, v)
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	rl.emit(Warning, format, v)
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return BurstRateLimitedLogger(globalLogger{}, every, 1)
}

// BurstRateLimitedLogger returns a Logger that logs to logger no more than
// once per every on average, with bursts of up to burst messages.
func BurstRateLimitedLogger(logger Logger, every time.Duration, burst int) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), burst),
	}
}

// globalLogger forwards to whatever Log() is at the time of the call, so a
// rate-limited logger created before SetTarget still reaches the new target.
type globalLogger struct{}

func (globalLogger) Debugf(format string, v ...any) {
	Log().DebugfAtDepth(3, format, v...)
}

func (globalLogger) Infof(format string, v ...any) {
	Log().InfofAtDepth(3, format, v...)
}

func (globalLogger) Warningf(format string, v ...any) {
	Log().WarningfAtDepth(3, format, v...)
}

func (globalLogger) IsLogging(level Level) bool {
	return Log().IsLogging(level)
}
