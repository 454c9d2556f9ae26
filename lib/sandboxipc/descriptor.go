// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package sandboxipc

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// descriptorTagSize is the payload accompanying each passed descriptor.
const descriptorTagSize = 8

// DescriptorChannel passes open files between processes. Each file is
// tagged with a caller-chosen ID so the receiver can match it to the
// message that refers to it.
type DescriptorChannel struct {
	conn *net.UnixConn

	sendMu sync.Mutex
}

// NewDescriptorChannel wraps a Unix socket.
func NewDescriptorChannel(conn *net.UnixConn) *DescriptorChannel {
	return &DescriptorChannel{conn: conn}
}

// Send passes file with the given ID. The caller keeps its own copy of
// the descriptor and may close it once Send returns.
func (d *DescriptorChannel) Send(id uint64, file *os.File) error {
	tag := binary.BigEndian.AppendUint64(nil, id)
	rights := unix.UnixRights(int(file.Fd()))

	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	written, _, err := d.conn.WriteMsgUnix(tag, rights, nil)
	if err != nil {
		return disconnected(fmt.Errorf("sending descriptor %d: %w", id, err))
	}
	if written != len(tag) {
		return fmt.Errorf("sending descriptor %d: short write of %d bytes", id, written)
	}
	return nil
}

// Receive returns the next passed file and its ID.
func (d *DescriptorChannel) Receive() (uint64, *os.File, error) {
	tag := make([]byte, descriptorTagSize)
	oob := make([]byte, unix.CmsgSpace(4))
	read, oobRead, flags, _, err := d.conn.ReadMsgUnix(tag, oob)
	if err != nil {
		return 0, nil, disconnected(fmt.Errorf("receiving descriptor: %w", err))
	}
	if read == 0 && oobRead == 0 {
		return 0, nil, disconnected(fmt.Errorf("receiving descriptor: %w", io.EOF))
	}
	if flags&unix.MSG_CTRUNC != 0 {
		return 0, nil, fmt.Errorf("receiving descriptor: control message truncated")
	}

	messages, err := unix.ParseSocketControlMessage(oob[:oobRead])
	if err != nil {
		return 0, nil, fmt.Errorf("parsing control message: %w", err)
	}
	var descriptors []int
	for _, message := range messages {
		rights, err := unix.ParseUnixRights(&message)
		if err != nil {
			continue
		}
		descriptors = append(descriptors, rights...)
	}
	if len(descriptors) != 1 {
		for _, descriptor := range descriptors {
			unix.Close(descriptor)
		}
		return 0, nil, fmt.Errorf("expected one descriptor, got %d", len(descriptors))
	}
	unix.CloseOnExec(descriptors[0])

	// On a stream socket the tag may arrive split.
	if read < descriptorTagSize {
		if _, err := io.ReadFull(d.conn, tag[read:]); err != nil {
			unix.Close(descriptors[0])
			return 0, nil, disconnected(fmt.Errorf("reading descriptor tag: %w", err))
		}
	}
	id := binary.BigEndian.Uint64(tag)
	return id, os.NewFile(uintptr(descriptors[0]), fmt.Sprintf("region-%d", id)), nil
}

// Close closes the socket.
func (d *DescriptorChannel) Close() error {
	return d.conn.Close()
}
