// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandboxipc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/bureau-foundation/canister/lib/codec"
)

// MaxFrameSize bounds one encoded frame. Bulk data does not travel in
// frames: dirty pages go through a shared memory region and system
// call data is split into MaxSystemCallData pieces.
const MaxFrameSize = 64 << 20

// MaxSystemCallData bounds the data carried by one system call or its
// reply.
const MaxSystemCallData = 1 << 20

// ErrDisconnected reports that the peer closed its end or died.
var ErrDisconnected = errors.New("sandbox ipc: peer disconnected")

// ErrFrameTooLarge is returned by Send for a frame over MaxFrameSize.
// Nothing is written and the channel stays usable.
var ErrFrameTooLarge = errors.New("sandbox ipc: frame too large")

// disconnected wraps err with ErrDisconnected if it means the peer is
// gone.
func disconnected(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDisconnected):
		return err
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET):
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	default:
		return err
	}
}

// Channel sends and receives frames over a byte stream. Send is safe
// for concurrent use; Receive must be called from one goroutine.
type Channel struct {
	conn   io.ReadWriteCloser
	reader *bufio.Reader

	sendMu sync.Mutex
}

// NewChannel wraps conn.
func NewChannel(conn io.ReadWriteCloser) *Channel {
	return &Channel{conn: conn, reader: bufio.NewReader(conn)}
}

// Send writes one frame.
func (c *Channel) Send(frame Frame) error {
	message, err := encodeFrame(frame)
	if err != nil {
		return err
	}
	return c.write(frame.Kind, message)
}

// encodeFrame returns the length-prefixed encoding of frame.
func encodeFrame(frame Frame) ([]byte, error) {
	data, err := codec.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", frame.Kind, err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %s frame of %d bytes exceeds maximum %d", ErrFrameTooLarge, frame.Kind, len(data), MaxFrameSize)
	}
	message := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(message[:4], uint32(len(data)))
	copy(message[4:], data)
	return message, nil
}

func (c *Channel) write(kind Kind, message []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if _, err := c.conn.Write(message); err != nil {
		return disconnected(fmt.Errorf("writing %s frame: %w", kind, err))
	}
	return nil
}

// SendMessage encodes body and sends it as a frame.
func (c *Channel) SendMessage(kind Kind, id uint64, body any) error {
	frame, err := NewFrame(kind, id, body)
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// Receive reads one frame.
func (c *Channel) Receive() (Frame, error) {
	var lengthPrefix [4]byte
	if _, err := io.ReadFull(c.reader, lengthPrefix[:]); err != nil {
		return Frame{}, disconnected(fmt.Errorf("reading frame length: %w", err))
	}
	length := binary.BigEndian.Uint32(lengthPrefix[:])
	if length > MaxFrameSize {
		return Frame{}, fmt.Errorf("frame size %d exceeds maximum %d", length, MaxFrameSize)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(c.reader, data); err != nil {
		return Frame{}, disconnected(fmt.Errorf("reading frame body: %w", err))
	}
	var frame Frame
	if err := codec.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	return frame, nil
}

// Close closes the underlying stream. A blocked Receive returns
// ErrDisconnected.
func (c *Channel) Close() error {
	return c.conn.Close()
}
