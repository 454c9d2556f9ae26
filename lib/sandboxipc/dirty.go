// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package sandboxipc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/bureau-foundation/canister/lib/pagemap"
)

// dirtyRecordSize is the size of one dirty page in a dirty region: an
// 8-byte big-endian page index followed by the page content.
const dirtyRecordSize = 8 + pagemap.PageSize

// SendReply sends the reply to the execution frame id. Dirty pages are
// written to a shared memory region tagged id and passed on the
// descriptor channel first. The frame is encoded before anything is
// sent, so an ErrFrameTooLarge leaves both channels untouched.
func (e *Endpoint) SendReply(id uint64, reply ExecuteReply) error {
	pages := reply.DirtyPages
	if len(pages) > 0 {
		reply.DirtyPages = nil
		reply.DirtyRegion = id
		reply.DirtyCount = uint64(len(pages))
	}
	frame, err := NewFrame(KindReply, id, reply)
	if err != nil {
		return err
	}
	message, err := encodeFrame(frame)
	if err != nil {
		return err
	}

	if len(pages) > 0 {
		region, err := writeDirtyRegion(pages)
		if err != nil {
			return err
		}
		defer region.Close()
		if err := e.Descriptors.Send(id, region); err != nil {
			return err
		}
	}
	return e.Messages.write(KindReply, message)
}

// ReceiveDirtyPages fills reply.DirtyPages from the region the worker
// passed with it. A reply without a region is left alone.
func (e *Endpoint) ReceiveDirtyPages(reply *ExecuteReply) error {
	if reply.DirtyCount == 0 {
		return nil
	}
	region, file, err := e.Descriptors.Receive()
	if err != nil {
		return fmt.Errorf("receiving dirty page region: %w", err)
	}
	defer file.Close()
	if region != reply.DirtyRegion {
		return fmt.Errorf("received dirty page region %d, reply names %d", region, reply.DirtyRegion)
	}
	pages, err := readDirtyRegion(file, reply.DirtyCount)
	if err != nil {
		return err
	}
	reply.DirtyPages = pages
	reply.DirtyRegion, reply.DirtyCount = 0, 0
	return nil
}

func writeDirtyRegion(pages []DirtyPage) (*os.File, error) {
	size := int64(len(pages)) * dirtyRecordSize
	region, err := CreateSharedMemory("canister-dirty", size)
	if err != nil {
		return nil, err
	}
	writer := bufio.NewWriterSize(io.NewOffsetWriter(region, 0), 16*dirtyRecordSize)
	record := make([]byte, dirtyRecordSize)
	for _, page := range pages {
		if len(page.Data) > pagemap.PageSize {
			region.Close()
			return nil, fmt.Errorf("dirty page %d is %d bytes, maximum is %d", page.Index, len(page.Data), pagemap.PageSize)
		}
		clear(record)
		binary.BigEndian.PutUint64(record[:8], page.Index)
		copy(record[8:], page.Data)
		if _, err := writer.Write(record); err != nil {
			region.Close()
			return nil, fmt.Errorf("writing dirty page region: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		region.Close()
		return nil, fmt.Errorf("writing dirty page region: %w", err)
	}
	return region, nil
}

func readDirtyRegion(file *os.File, count uint64) ([]DirtyPage, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("inspecting dirty page region: %w", err)
	}
	if count > uint64(info.Size())/dirtyRecordSize {
		return nil, fmt.Errorf("dirty page region of %d bytes cannot hold %d pages", info.Size(), count)
	}
	reader := bufio.NewReaderSize(io.NewSectionReader(file, 0, int64(count)*dirtyRecordSize), 16*dirtyRecordSize)
	pages := make([]DirtyPage, count)
	var index [8]byte
	for position := range pages {
		if _, err := io.ReadFull(reader, index[:]); err != nil {
			return nil, fmt.Errorf("reading dirty page region: %w", err)
		}
		data := make([]byte, pagemap.PageSize)
		if _, err := io.ReadFull(reader, data); err != nil {
			return nil, fmt.Errorf("reading dirty page region: %w", err)
		}
		pages[position] = DirtyPage{Index: binary.BigEndian.Uint64(index[:]), Data: data}
	}
	return pages, nil
}
