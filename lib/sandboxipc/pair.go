// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package sandboxipc

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Descriptor numbers of the endpoint inside a worker process.
const (
	MessageFD    = 3
	DescriptorFD = 4
)

// Endpoint is one side of a controller-worker connection.
type Endpoint struct {
	Messages    *Channel
	Descriptors *DescriptorChannel
}

// Close closes both channels.
func (e *Endpoint) Close() error {
	return errors.Join(e.Messages.Close(), e.Descriptors.Close())
}

// ChildFiles are the worker's ends of a pair, to be passed as
// exec.Cmd.ExtraFiles in this order so they become fds 3 and 4.
type ChildFiles struct {
	Messages    *os.File
	Descriptors *os.File
}

// ExtraFiles returns the files in inheritance order.
func (c ChildFiles) ExtraFiles() []*os.File {
	return []*os.File{c.Messages, c.Descriptors}
}

// Close closes the parent's copies after the child has started.
func (c ChildFiles) Close() error {
	return errors.Join(c.Messages.Close(), c.Descriptors.Close())
}

// socketPair returns both ends of a Unix socket pair as files.
func socketPair(socketType int, name string) (*os.File, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, socketType, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("creating %s socketpair: %w", name, err)
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	return os.NewFile(uintptr(fds[0]), name+"-parent"), os.NewFile(uintptr(fds[1]), name+"-child"), nil
}

// fileEndpoint converts two socket files into an Endpoint. The files
// are closed: net.FileConn holds its own duplicates.
func fileEndpoint(messages, descriptors *os.File) (*Endpoint, error) {
	defer messages.Close()
	defer descriptors.Close()

	messageConn, err := net.FileConn(messages)
	if err != nil {
		return nil, fmt.Errorf("converting message socket: %w", err)
	}
	descriptorConn, err := net.FileConn(descriptors)
	if err != nil {
		messageConn.Close()
		return nil, fmt.Errorf("converting descriptor socket: %w", err)
	}
	unixConn, ok := descriptorConn.(*net.UnixConn)
	if !ok {
		messageConn.Close()
		descriptorConn.Close()
		return nil, fmt.Errorf("descriptor socket is %T, not a Unix socket", descriptorConn)
	}
	return &Endpoint{
		Messages:    NewChannel(messageConn),
		Descriptors: NewDescriptorChannel(unixConn),
	}, nil
}

// NewPair creates a connection for a new worker. The returned endpoint
// is the controller's; the child files go to the worker process and
// must be closed by the caller once it has started.
func NewPair() (*Endpoint, ChildFiles, error) {
	messageParent, messageChild, err := socketPair(unix.SOCK_STREAM, "canister-messages")
	if err != nil {
		return nil, ChildFiles{}, err
	}
	descriptorParent, descriptorChild, err := socketPair(descriptorSocketType, "canister-descriptors")
	if err != nil {
		messageParent.Close()
		messageChild.Close()
		return nil, ChildFiles{}, err
	}
	endpoint, err := fileEndpoint(messageParent, descriptorParent)
	if err != nil {
		messageChild.Close()
		descriptorChild.Close()
		return nil, ChildFiles{}, err
	}
	return endpoint, ChildFiles{Messages: messageChild, Descriptors: descriptorChild}, nil
}

// NewLocalPair returns both endpoints of a connection inside one
// process, for running a worker on a goroutine.
func NewLocalPair() (controller, worker *Endpoint, err error) {
	controller, child, err := NewPair()
	if err != nil {
		return nil, nil, err
	}
	worker, err = fileEndpoint(child.Messages, child.Descriptors)
	if err != nil {
		controller.Close()
		return nil, nil, err
	}
	return controller, worker, nil
}

// InheritedEndpoint returns the worker's endpoint from fds 3 and 4.
func InheritedEndpoint() (*Endpoint, error) {
	messages := os.NewFile(MessageFD, "canister-messages")
	descriptors := os.NewFile(DescriptorFD, "canister-descriptors")
	if messages == nil || descriptors == nil {
		return nil, errors.New("worker was started without inherited IPC descriptors")
	}
	endpoint, err := fileEndpoint(messages, descriptors)
	if err != nil {
		return nil, fmt.Errorf("inherited IPC descriptors: %w", err)
	}
	return endpoint, nil
}
