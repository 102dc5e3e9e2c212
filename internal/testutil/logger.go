// Package testutil holds helpers shared by package tests.
package testutil

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// NewTestLogger returns a debug-level logger that writes to t.Log, so output
// only shows for failing tests or with -v.
func NewTestLogger(t testing.TB) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(testWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// LogRecorder keeps every line logged through its logger for assertions.
type LogRecorder struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// NewRecordingLogger returns a logger that writes to t.Log and to the
// returned recorder.
func NewRecordingLogger(t testing.TB) (*slog.Logger, *LogRecorder) {
	t.Helper()
	rec := &LogRecorder{}
	w := testWriter{t: t, tee: rec}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})), rec
}

// Lines returns the recorded log lines.
func (r *LogRecorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Split(strings.TrimSpace(r.buf.String()), "\n")
}

// Contains reports whether any recorded line holds every given fragment.
func (r *LogRecorder) Contains(fragments ...string) bool {
	for _, line := range r.Lines() {
		matched := true
		for _, f := range fragments {
			if !strings.Contains(line, f) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

type testWriter struct {
	t   testing.TB
	tee *LogRecorder
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	if w.tee != nil {
		w.tee.mu.Lock()
		w.tee.buf.Write(p)
		w.tee.mu.Unlock()
	}
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}
