// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package ocftest

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
)

// TestingLog creates a testing logger.
func TestingLog(t *testing.T) io.Writer { return (*testLog)(t) }

type testLog testing.T

// Write implements io.Writer.
func (t *testLog) Write(p []byte) (int, error) {
	(*testing.T)(t).Helper()
	(*testing.T)(t).Log(string(bytes.TrimSpace(p)))
	return len(p), nil
}

// SetDefaultLogger routes the default slog logger to the test log at debug
// level until the test ends.
func SetDefaultLogger(t *testing.T) {
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(TestingLog(t), &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
}
