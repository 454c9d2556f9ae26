// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pagemap

import (
	"errors"
	"fmt"
	"io"
	"maps"
)

// ErrOutOfRange is returned for reads past the end of the address space.
var ErrOutOfRange = errors.New("pagemap: read past end of address space")

// layer is one frozen set of pages. Base and delta layers share the
// representation; the base additionally anchors the version chain.
// Layers are never mutated after construction and are shared between
// every PageMap version that includes them.
type layer struct {
	version  uint64
	numPages uint64
	pages    map[PageIndex]*Page
}

func (l *layer) lookup(index PageIndex) (*Page, bool) {
	page, ok := l.pages[index]
	return page, ok
}

// PageMap is one immutable version of a paged address space. The zero
// value is not usable; construct with [New], [FromBytes], or
// [Store.Load].
type PageMap struct {
	base     *layer
	deltas   []*layer // oldest first
	numPages uint64
	version  uint64
}

// New returns an all-zero address space of numPages pages at version 0.
func New(numPages uint64) *PageMap {
	return &PageMap{
		base:     &layer{numPages: numPages, pages: map[PageIndex]*Page{}},
		numPages: numPages,
	}
}

// FromBytes returns a version-0 map whose content is data, padded with
// zeros to a page boundary. All-zero pages are not stored.
func FromBytes(data []byte) *PageMap {
	numPages := PagesFor(uint64(len(data)))
	pages := make(map[PageIndex]*Page)
	for index := uint64(0); index < numPages; index++ {
		start := index * PageSize
		end := min(start+PageSize, uint64(len(data)))
		page := new(Page)
		copy(page[:], data[start:end])
		if !page.IsZero() {
			pages[PageIndex(index)] = page
		}
	}
	return &PageMap{
		base:     &layer{numPages: numPages, pages: pages},
		numPages: numPages,
	}
}

// Version returns the version number. Each Apply produces version+1.
func (m *PageMap) Version() uint64 { return m.version }

// NumPages returns the length of the address space in pages.
func (m *PageMap) NumPages() uint64 { return m.numPages }

// Size returns the length of the address space in bytes.
func (m *PageMap) Size() uint64 { return m.numPages * PageSize }

// BaseVersion returns the version at which the base layer was created
// (by construction, load, or flatten).
func (m *PageMap) BaseVersion() uint64 { return m.base.version }

// DeltaCount returns the number of delta layers above the base.
func (m *PageMap) DeltaCount() int { return len(m.deltas) }

// DeltaPages returns the total number of page entries across all delta
// layers. A page written in three rounds counts three times, matching
// its contribution to lookup and flatten cost.
func (m *PageMap) DeltaPages() uint64 {
	var total uint64
	for _, delta := range m.deltas {
		total += uint64(len(delta.pages))
	}
	return total
}

// page returns the effective content of a page: the newest delta entry
// covering it, else the base entry, else zeros.
func (m *PageMap) page(index PageIndex) *Page {
	for position := len(m.deltas) - 1; position >= 0; position-- {
		if page, ok := m.deltas[position].lookup(index); ok {
			return page
		}
	}
	if page, ok := m.base.lookup(index); ok {
		return page
	}
	return &zeroPage
}

// ReadPage copies the content of page index into dst, which must be at
// least PageSize bytes.
func (m *PageMap) ReadPage(index PageIndex, dst []byte) error {
	if uint64(index) >= m.numPages {
		return fmt.Errorf("page %d of %d: %w", index, m.numPages, ErrOutOfRange)
	}
	if len(dst) < PageSize {
		return fmt.Errorf("page buffer is %d bytes, need %d", len(dst), PageSize)
	}
	copy(dst, m.page(index)[:])
	return nil
}

// Read fills dst with the bytes starting at offset. The whole range
// must lie inside the address space.
func (m *PageMap) Read(offset uint64, dst []byte) error {
	end := offset + uint64(len(dst))
	if end < offset || end > m.Size() {
		return fmt.Errorf("range [%d, %d) of %d bytes: %w", offset, end, m.Size(), ErrOutOfRange)
	}
	for copied := 0; copied < len(dst); {
		position := offset + uint64(copied)
		page := m.page(PageOf(position))
		within := position % PageSize
		copied += copy(dst[copied:], page[within:])
	}
	return nil
}

// Apply returns a new version with delta layered on top. The receiver
// is not modified and remains readable. An empty delta still produces
// a new version so that version numbers count rounds, not writes.
func (m *PageMap) Apply(delta *PageDelta) (*PageMap, error) {
	if delta == nil {
		return nil, errors.New("pagemap: nil delta")
	}
	numPages := max(m.numPages, delta.RequiredPages())
	frozen := &layer{
		version:  m.version + 1,
		numPages: numPages,
		pages:    maps.Clone(delta.pages),
	}

	// Copy the slice header's backing array so that two versions
	// derived from the same parent never share an append target.
	deltas := make([]*layer, len(m.deltas), len(m.deltas)+1)
	copy(deltas, m.deltas)
	deltas = append(deltas, frozen)

	return &PageMap{
		base:     m.base,
		deltas:   deltas,
		numPages: numPages,
		version:  frozen.version,
	}, nil
}

// Flatten merges every delta into a new base layer and returns a map at
// the same version with no deltas. Content is identical to the
// receiver's; the receiver is not modified. Zero pages are dropped from
// the merged base.
func (m *PageMap) Flatten() *PageMap {
	merged := maps.Clone(m.base.pages)
	for _, delta := range m.deltas {
		maps.Copy(merged, delta.pages)
	}
	maps.DeleteFunc(merged, func(_ PageIndex, page *Page) bool {
		return page.IsZero()
	})
	return &PageMap{
		base: &layer{
			version:  m.version,
			numPages: m.numPages,
			pages:    merged,
		},
		numPages: m.numPages,
		version:  m.version,
	}
}

// Rebase replaces the history of m up to ancestor with flattened, which
// must be ancestor.Flatten() (or content-equal to it at the same
// version). The deltas m gained after ancestor are kept on top. This is
// how a flatten computed off the critical path is installed while new
// rounds kept applying deltas in the meantime.
//
// Returns an error if ancestor is not a prefix of m's history.
func (m *PageMap) Rebase(flattened, ancestor *PageMap) (*PageMap, error) {
	if flattened.version != ancestor.version || len(flattened.deltas) != 0 {
		return nil, fmt.Errorf("pagemap: rebase target is version %d with %d deltas, want flattened version %d",
			flattened.version, len(flattened.deltas), ancestor.version)
	}
	if !m.descendsFrom(ancestor) {
		return nil, fmt.Errorf("pagemap: version %d does not descend from version %d", m.version, ancestor.version)
	}
	newer := m.deltas[len(ancestor.deltas):]
	deltas := make([]*layer, len(newer))
	copy(deltas, newer)
	return &PageMap{
		base:     flattened.base,
		deltas:   deltas,
		numPages: m.numPages,
		version:  m.version,
	}, nil
}

// descendsFrom reports whether ancestor's layers are a prefix of m's.
// Layers are compared by identity: content-equal layers built
// separately are different history.
func (m *PageMap) descendsFrom(ancestor *PageMap) bool {
	if m.base != ancestor.base || len(ancestor.deltas) > len(m.deltas) {
		return false
	}
	for position, delta := range ancestor.deltas {
		if m.deltas[position] != delta {
			return false
		}
	}
	return true
}

// Materialize writes the full content of the address space to w, which
// must read as zeros wherever nothing is written (a freshly truncated
// file or shared-memory object). Only non-zero pages are written, in
// ascending index order.
func (m *PageMap) Materialize(w io.WriterAt) error {
	for _, index := range m.WrittenPages() {
		page := m.page(index)
		if page.IsZero() {
			continue
		}
		if _, err := w.WriteAt(page[:], int64(index.Offset())); err != nil {
			return fmt.Errorf("writing page %d: %w", index, err)
		}
	}
	return nil
}

// WrittenPages returns, in ascending order, every index that some layer
// stores explicitly. Pages not listed read as zeros.
func (m *PageMap) WrittenPages() []PageIndex {
	union := make(map[PageIndex]*Page, len(m.base.pages))
	maps.Copy(union, m.base.pages)
	for _, delta := range m.deltas {
		maps.Copy(union, delta.pages)
	}
	return sortedIndices(union)
}

// Bytes returns the whole address space as one buffer. Intended for
// tests and small maps; large maps should be read page by page.
func (m *PageMap) Bytes() []byte {
	buffer := make([]byte, m.Size())
	for _, index := range m.WrittenPages() {
		copy(buffer[index.Offset():], m.page(index)[:])
	}
	return buffer
}
