// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package memtrack

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/bureau-foundation/canister/lib/pagemap"
)

// PageSize is the tracking granularity.
const PageSize = pagemap.PageSize

var (
	// ErrOutOfBounds is returned for an access that does not lie
	// entirely inside the region. Engines report it as a trap.
	ErrOutOfBounds = errors.New("memory access out of bounds")

	// ErrReleased is returned for access through a Memory after the
	// tracker that produced it was reset.
	ErrReleased = errors.New("memory region released")

	// ErrActive is returned by Begin while a previous region has not
	// been reset.
	ErrActive = errors.New("tracker already has an active region")

	// ErrProtectionFailure matches every ProtectionError.
	ErrProtectionFailure = errors.New("memory protection failed")
)

// ProtectionError reports a failed protection syscall. Dirty tracking
// for the region is no longer trustworthy once one occurs.
type ProtectionError struct {
	Op   string
	Page pagemap.PageIndex
	Err  error
}

func (e *ProtectionError) Error() string {
	return fmt.Sprintf("%s page %d: %v", e.Op, e.Page, e.Err)
}

func (e *ProtectionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrProtectionFailure) true for any
// ProtectionError.
func (e *ProtectionError) Is(target error) bool { return target == ErrProtectionFailure }

// FaultError is a memory fault the tracker could not attribute to a
// first write of a tracked page. It indicates a defect in the engine or
// an access to memory outside the region.
type FaultError struct {
	Addr uintptr
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("unexpected memory fault at %#x", e.Addr)
}

// Mechanism selects how first writes are detected.
type Mechanism int

const (
	// Protect uses page write-protection and fault interception.
	Protect Mechanism = iota + 1

	// Instrumented checks every write in software.
	Instrumented
)

func (m Mechanism) String() string {
	switch m {
	case Protect:
		return "protect"
	case Instrumented:
		return "instrumented"
	default:
		return fmt.Sprintf("Mechanism(%d)", int(m))
	}
}

// ParseMechanism parses a configuration name. The empty string selects
// [DefaultMechanism].
func ParseMechanism(name string) (Mechanism, error) {
	switch name {
	case "":
		return DefaultMechanism(), nil
	case "protect":
		if !ProtectSupported() {
			return 0, fmt.Errorf("tracker mechanism %q is not supported on this host", name)
		}
		return Protect, nil
	case "instrumented":
		return Instrumented, nil
	default:
		return 0, fmt.Errorf("unknown tracker mechanism %q", name)
	}
}

// DefaultMechanism returns Protect where the host supports it and
// Instrumented elsewhere.
func DefaultMechanism() Mechanism {
	if ProtectSupported() {
		return Protect
	}
	return Instrumented
}

// Source supplies the initial content of a region. Pages at or past
// NumPages read as zeros. *pagemap.PageMap satisfies Source.
type Source interface {
	NumPages() uint64
	ReadPage(index pagemap.PageIndex, dst []byte) error
}

// FileSource is region content held in a file, typically a
// shared-memory object handed over by the controller. The Protect
// mechanism maps it copy-on-write instead of copying it.
type FileSource struct {
	file  *os.File
	pages uint64
}

// NewFileSource wraps file, which must be at least pages*PageSize
// bytes. The caller keeps ownership of file.
func NewFileSource(file *os.File, pages uint64) (*FileSource, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", file.Name(), err)
	}
	if uint64(info.Size()) < pages*PageSize {
		return nil, fmt.Errorf("%s is %d bytes, need %d pages (%d bytes)", file.Name(), info.Size(), pages, pages*PageSize)
	}
	return &FileSource{file: file, pages: pages}, nil
}

// NumPages implements Source.
func (s *FileSource) NumPages() uint64 { return s.pages }

// ReadPage implements Source.
func (s *FileSource) ReadPage(index pagemap.PageIndex, dst []byte) error {
	if uint64(index) >= s.pages {
		return fmt.Errorf("page %d of %d: %w", index, s.pages, ErrOutOfBounds)
	}
	_, err := s.file.ReadAt(dst[:PageSize], int64(index.Offset()))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading page %d of %s: %w", index, s.file.Name(), err)
	}
	return nil
}

// Memory is the engine-facing view of a tracked region. Offsets are
// byte offsets from the start of the region.
type Memory interface {
	Size() uint64
	Read(offset uint64, dst []byte) error
	Write(offset uint64, src []byte) error

	// Page returns a copy of the current content of one page.
	Page(index pagemap.PageIndex) ([]byte, error)
}

// region is a Memory owned by a Tracker.
type region interface {
	Memory
	dirtyPages() []pagemap.PageIndex
	release() error
}

// Tracker owns at most one active region at a time. A worker keeps one
// Tracker per memory (heap, stable) and begins it once per execution.
type Tracker struct {
	mechanism Mechanism
	logger    *slog.Logger

	mu     sync.Mutex
	active region
}

// NewTracker returns a Tracker using mechanism. A nil logger means
// slog.Default().
func NewTracker(mechanism Mechanism, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{mechanism: mechanism, logger: logger}
}

// Mechanism returns the tracker's mechanism.
func (t *Tracker) Mechanism() Mechanism { return t.mechanism }

// Begin maps a region of pages pages, loads its content from source,
// and starts tracking. Every page starts clean.
func (t *Tracker) Begin(pages uint64, source Source) (Memory, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active != nil {
		return nil, ErrActive
	}

	var (
		active region
		err    error
	)
	switch t.mechanism {
	case Protect:
		active, err = newProtectedRegion(pages, source)
	case Instrumented:
		active, err = newInstrumentedRegion(pages, source)
	default:
		return nil, fmt.Errorf("unknown tracker mechanism %d", int(t.mechanism))
	}
	if err != nil {
		return nil, err
	}
	t.active = active
	return active, nil
}

// DirtyPages returns the pages written since Begin, ascending. Safe to
// call at any time, including while the engine is running; the result
// only grows until Reset.
func (t *Tracker) DirtyPages() []pagemap.PageIndex {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return nil
	}
	return t.active.dirtyPages()
}

// Active reports whether a region is mapped.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active != nil
}

// Reset tears down the active region and forgets its dirty set. It is
// a no-op without an active region, so every exit path can call it.
func (t *Tracker) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return nil
	}
	err := t.active.release()
	t.active = nil
	if err != nil {
		t.logger.Error("releasing tracked region", "mechanism", t.mechanism.String(), "error", err)
		return err
	}
	return nil
}

// fill copies source content into data, which is pages*PageSize bytes.
func fill(data []byte, pages uint64, source Source) error {
	if source == nil {
		return nil
	}
	limit := min(pages, source.NumPages())
	for index := uint64(0); index < limit; index++ {
		offset := index * PageSize
		if err := source.ReadPage(pagemap.PageIndex(index), data[offset:offset+PageSize]); err != nil {
			return fmt.Errorf("loading page %d: %w", index, err)
		}
	}
	return nil
}

// checkRange validates an access of length bytes at offset against a
// region of size bytes.
func checkRange(offset uint64, length int, size uint64) error {
	end := offset + uint64(length)
	if end < offset || end > size {
		return fmt.Errorf("[%d, %d) in %d bytes: %w", offset, end, size, ErrOutOfBounds)
	}
	return nil
}
