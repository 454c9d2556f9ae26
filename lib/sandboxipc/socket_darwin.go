// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandboxipc

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Darwin has no SOCK_SEQPACKET for Unix sockets; Receive reassembles
// split tags.
const descriptorSocketType = unix.SOCK_STREAM

// CreateSharedMemory returns an unlinked temporary file of size bytes,
// readable as zeros, that can be passed to another process.
func CreateSharedMemory(name string, size int64) (*os.File, error) {
	file, err := os.CreateTemp("", name+"-*")
	if err != nil {
		return nil, fmt.Errorf("creating shared memory %s: %w", name, err)
	}
	if err := os.Remove(file.Name()); err != nil {
		file.Close()
		return nil, fmt.Errorf("unlinking shared memory %s: %w", name, err)
	}
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, fmt.Errorf("sizing shared memory %s to %d bytes: %w", name, size, err)
	}
	return file, nil
}
