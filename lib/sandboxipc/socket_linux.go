// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandboxipc

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Sequenced packets keep each descriptor with its tag.
const descriptorSocketType = unix.SOCK_SEQPACKET

// CreateSharedMemory returns an anonymous memory-backed file of size
// bytes, readable as zeros, that can be passed to another process.
func CreateSharedMemory(name string, size int64) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create %s: %w", name, err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sizing shared memory %s to %d bytes: %w", name, size, err)
	}
	return os.NewFile(uintptr(fd), name), nil
}
