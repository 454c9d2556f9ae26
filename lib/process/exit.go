// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// DebugEnvironment turns on debug logging in every canister binary.
const DebugEnvironment = "BUREAU_DEBUG"

// Fatal prints "error: err" to stderr and exits 1. main calls it with
// the error from run, when the logger may not exist yet.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// NewLogger returns the JSON logger a binary writes to w, tagged with
// component. The level is Info, or Debug when DebugEnvironment is set.
func NewLogger(w io.Writer, component string) *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv(DebugEnvironment) != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})).
		With("component", component)
}
