// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package memtrack

import (
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/canister/lib/pagemap"
)

// mprotect is replaced in tests to simulate protection failures.
var mprotect = unix.Mprotect

// ProtectSupported reports whether the Protect mechanism can run on
// this host: tracking granularity must equal the hardware page size.
func ProtectSupported() bool {
	return os.Getpagesize() == PageSize
}

// protectedRegion is a memory mapping whose clean pages are read-only.
type protectedRegion struct {
	// mu serialises writes, so at most one fault is being resolved.
	mu       sync.Mutex
	data     []byte
	dirty    pageSet
	failed   error
	released bool
}

func newProtectedRegion(pages uint64, source Source) (*protectedRegion, error) {
	if !ProtectSupported() {
		return nil, fmt.Errorf("host page size %d differs from tracking page size %d", os.Getpagesize(), PageSize)
	}
	region := &protectedRegion{dirty: newPageSet(pages)}
	if pages == 0 {
		return region, nil
	}
	size := int(pages * PageSize)

	// Shared memory from the controller is mapped copy-on-write:
	// the worker's writes never reach the controller's copy.
	if file, ok := source.(*FileSource); ok && file.NumPages() >= pages {
		data, err := unix.Mmap(int(file.file.Fd()), 0, size, unix.PROT_READ, unix.MAP_PRIVATE)
		if err != nil {
			return nil, &ProtectionError{Op: "mmap", Err: err}
		}
		region.data = data
		return region, nil
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, &ProtectionError{Op: "mmap", Err: err}
	}
	if err := fill(data, pages, source); err != nil {
		unix.Munmap(data)
		return nil, err
	}
	if err := mprotect(data, unix.PROT_READ); err != nil {
		unix.Munmap(data)
		return nil, &ProtectionError{Op: "write-protect", Err: err}
	}
	region.data = data
	return region, nil
}

func (r *protectedRegion) Size() uint64 { return uint64(len(r.data)) }

func (r *protectedRegion) usable() error {
	if r.released {
		return ErrReleased
	}
	return r.failed
}

func (r *protectedRegion) Read(offset uint64, dst []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.usable(); err != nil {
		return err
	}
	if err := checkRange(offset, len(dst), uint64(len(r.data))); err != nil {
		return err
	}
	return r.guarded(func() { copy(dst, r.data[offset:]) })
}

func (r *protectedRegion) Page(index pagemap.PageIndex) ([]byte, error) {
	page := make([]byte, PageSize)
	if err := r.Read(index.Offset(), page); err != nil {
		return nil, err
	}
	return page, nil
}

// Write copies src into the region. Each clean page the copy touches
// faults once; the fault unprotects the page, marks it dirty and the
// copy starts over. Copying is idempotent, so replaying the prefix that
// already landed is harmless, and the loop ends after at most one
// fault per spanned page.
func (r *protectedRegion) Write(offset uint64, src []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.usable(); err != nil {
		return err
	}
	if err := checkRange(offset, len(src), uint64(len(r.data))); err != nil {
		return err
	}
	if len(src) == 0 {
		return nil
	}
	for {
		address, faulted := r.tryCopy(r.data[offset:], src)
		if !faulted {
			return nil
		}
		if err := r.resolveFault(address); err != nil {
			return err
		}
	}
}

// tryCopy performs one copy attempt, converting a memory fault into the
// faulting address.
func (r *protectedRegion) tryCopy(dst, src []byte) (address uintptr, faulted bool) {
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if recovered := recover(); recovered != nil {
			fault, ok := recovered.(interface{ Addr() uintptr })
			if !ok {
				panic(recovered)
			}
			address, faulted = fault.Addr(), true
		}
	}()
	copy(dst, src)
	return 0, false
}

// guarded runs a read with fault interception. A read fault on a
// mapping means the backing file shrank underneath it.
func (r *protectedRegion) guarded(read func()) (err error) {
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if recovered := recover(); recovered != nil {
			fault, ok := recovered.(interface{ Addr() uintptr })
			if !ok {
				panic(recovered)
			}
			err = &FaultError{Addr: fault.Addr()}
		}
	}()
	read()
	return nil
}

// resolveFault decides whether a write fault at address is the first
// write to a tracked page. If it is, the page becomes writable and
// dirty. Anything else is returned as an error.
func (r *protectedRegion) resolveFault(address uintptr) error {
	start := uintptr(unsafe.Pointer(&r.data[0]))
	if address < start || address >= start+uintptr(len(r.data)) {
		return &FaultError{Addr: address}
	}
	index := uint64(address-start) / PageSize
	if r.dirty.contains(index) {
		// Already writable: the fault was not a protection fault.
		return &FaultError{Addr: address}
	}
	page := r.data[index*PageSize : (index+1)*PageSize]
	if err := mprotect(page, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		r.failed = &ProtectionError{Op: "unprotect", Page: pagemap.PageIndex(index), Err: err}
		return r.failed
	}
	r.dirty.add(index)
	return nil
}

func (r *protectedRegion) dirtyPages() []pagemap.PageIndex {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty.sorted()
}

func (r *protectedRegion) release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil
	}
	r.released = true
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	if err != nil {
		return fmt.Errorf("unmapping region: %w", err)
	}
	return nil
}
