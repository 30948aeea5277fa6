// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
)

// Logger returns a debug-level text logger whose output goes to t.Log,
// so log lines appear next to the failing test. Lines written after
// the test's cleanup phase are discarded; t.Log panics once a test has
// finished and server goroutines may still be unwinding.
func Logger(t testing.TB) *slog.Logger {
	t.Helper()
	writer := &testWriter{t: t}
	t.Cleanup(func() { writer.done.Store(true) })
	return slog.New(slog.NewTextHandler(writer, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testWriter struct {
	t    testing.TB
	done atomic.Bool
}

func (w *testWriter) Write(p []byte) (int, error) {
	if !w.done.Load() {
		w.t.Log(strings.TrimRight(string(p), "\n"))
	}
	return len(p), nil
}
