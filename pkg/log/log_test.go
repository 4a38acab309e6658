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
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	want := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestWriterAppendsNewline(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("no newline")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}
	if diff := cmp.Diff([]string{"no newline", "\n"}, tw.lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

type countingLogger struct {
	n int
}

func (c *countingLogger) Debugf(string, ...any)   { c.n++ }
func (c *countingLogger) Infof(string, ...any)    { c.n++ }
func (c *countingLogger) Warningf(string, ...any) { c.n++ }
func (c *countingLogger) IsLogging(Level) bool    { return true }

func TestRateLimitedLogger(t *testing.T) {
	c := &countingLogger{}
	l := BurstRateLimitedLogger(c, time.Hour, 1)
	for i := 0; i < 10; i++ {
		l.Warningf("message %d", i)
	}
	if c.n != 1 {
		t.Errorf("rate limited logger emitted %d messages, want 1", c.n)
	}

	c = &countingLogger{}
	l = BurstRateLimitedLogger(c, time.Hour, 4)
	for i := 0; i < 10; i++ {
		l.Infof("message %d", i)
	}
	if c.n != 4 {
		t.Errorf("burst rate limited logger emitted %d messages, want 4", c.n)
	}
}

func TestGoogleEmitter(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Info, Emitter: GoogleEmitter{&Writer{Next: &buf}}}
	l.Infof("hello %s", "falcon")
	l.Debugf("not emitted")

	got := buf.String()
	if !strings.HasPrefix(got, "I") {
		t.Errorf("line %q does not start with the info level marker", got)
	}
	if !strings.Contains(got, "log_test.go:") {
		t.Errorf("line %q does not name the caller", got)
	}
	if !strings.HasSuffix(got, "] hello falcon\n") {
		t.Errorf("line %q does not end with the message", got)
	}
	if strings.Contains(got, "not emitted") {
		t.Errorf("debug message emitted at info level: %q", got)
	}
}

func TestLogrusEmitter(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Debug, Emitter: NewLogrusEmitter(&buf)}
	l.Warningf("ring %d busy", 3)

	got := buf.String()
	for _, want := range []string{"level=warning", `msg="ring 3 busy"`, `caller="log_test.go:`} {
		if !strings.Contains(got, want) {
			t.Errorf("logrus line %q does not contain %q", got, want)
		}
	}
}

func TestLogrusEmitterSubsys(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Debug, Emitter: NewLogrusEmitter(&buf)}
	l.Infof("PMU: %s", "ready")

	got := buf.String()
	for _, want := range []string{"subsys=PMU", "msg=ready"} {
		if !strings.Contains(got, want) {
			t.Errorf("logrus line %q does not contain %q", got, want)
		}
	}
}

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Debugf(format string, v ...any) {
	r.lines = append(r.lines, fmt.Sprintf(format, v...))
}
func (r *recordingLogger) Infof(format string, v ...any)    { r.Debugf(format, v...) }
func (r *recordingLogger) Warningf(format string, v ...any) { r.Debugf(format, v...) }
func (r *recordingLogger) IsLogging(Level) bool             { return true }

func TestRateLimitedLoggerReportsDropped(t *testing.T) {
	r := &recordingLogger{}
	l := BurstRateLimitedLogger(r, 100*time.Millisecond, 1)
	for i := 0; i < 3; i++ {
		l.Warningf("irq %#x", 0x10)
	}
	time.Sleep(150 * time.Millisecond)
	l.Warningf("irq %#x", 0x20)

	want := []string{"irq 0x10", "irq 0x20 (2 similar messages suppressed)"}
	if diff := cmp.Diff(want, r.lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}
