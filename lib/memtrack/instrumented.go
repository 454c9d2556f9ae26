// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package memtrack

import (
	"sync"

	"github.com/bureau-foundation/canister/lib/pagemap"
)

// instrumentedRegion tracks writes in software over a Go buffer.
type instrumentedRegion struct {
	mu       sync.Mutex
	data     []byte
	dirty    pageSet
	released bool
}

func newInstrumentedRegion(pages uint64, source Source) (*instrumentedRegion, error) {
	data := make([]byte, pages*PageSize)
	if err := fill(data, pages, source); err != nil {
		return nil, err
	}
	return &instrumentedRegion{data: data, dirty: newPageSet(pages)}, nil
}

func (r *instrumentedRegion) Size() uint64 { return uint64(len(r.data)) }

func (r *instrumentedRegion) Read(offset uint64, dst []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return ErrReleased
	}
	if err := checkRange(offset, len(dst), uint64(len(r.data))); err != nil {
		return err
	}
	copy(dst, r.data[offset:])
	return nil
}

func (r *instrumentedRegion) Write(offset uint64, src []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return ErrReleased
	}
	if err := checkRange(offset, len(src), uint64(len(r.data))); err != nil {
		return err
	}
	if len(src) == 0 {
		return nil
	}
	last := (offset + uint64(len(src)) - 1) / PageSize
	for index := offset / PageSize; index <= last; index++ {
		r.dirty.add(index)
	}
	copy(r.data[offset:], src)
	return nil
}

func (r *instrumentedRegion) Page(index pagemap.PageIndex) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil, ErrReleased
	}
	if err := checkRange(index.Offset(), PageSize, uint64(len(r.data))); err != nil {
		return nil, err
	}
	page := make([]byte, PageSize)
	copy(page, r.data[index.Offset():])
	return page, nil
}

func (r *instrumentedRegion) dirtyPages() []pagemap.PageIndex {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty.sorted()
}

func (r *instrumentedRegion) release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = true
	r.data = nil
	return nil
}
