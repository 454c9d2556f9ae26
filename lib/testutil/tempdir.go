// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"os"
	"sync/atomic"
	"testing"
)

// SocketDir returns a short directory under /tmp for Unix sockets,
// removed when the test ends. sun_path holds 108 bytes, which
// t.TempDir() paths under a build system's TEST_TMPDIR can exceed.
func SocketDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "canister-test-*")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(directory) })
	return directory
}

var sequence atomic.Uint64

// UniqueID returns prefix-N with N unique within the test binary, for
// socket names and canister IDs shared across parallel subtests.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, sequence.Add(1))
}
