// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pagemap

import "fmt"

// PageDelta collects the page writes of one execution round. Build it
// with Set, then hand it to [PageMap.Apply]; Apply takes a private copy
// of the index table, so the delta may be discarded or reused
// afterwards without affecting the new version.
//
// A PageDelta is not safe for concurrent mutation.
type PageDelta struct {
	pages    map[PageIndex]*Page
	minPages uint64
}

// NewDelta returns an empty delta.
func NewDelta() *PageDelta {
	return &PageDelta{pages: make(map[PageIndex]*Page)}
}

// Set records new contents for a page. Contents are copied and
// zero-padded to PageSize. Setting the same index twice keeps the
// last value.
func (d *PageDelta) Set(index PageIndex, contents []byte) error {
	page, err := NewPage(contents)
	if err != nil {
		return fmt.Errorf("page %d: %w", index, err)
	}
	d.pages[index] = page
	return nil
}

// SetPage records an already-built page. The page must not be modified
// afterwards.
func (d *PageDelta) SetPage(index PageIndex, page *Page) {
	d.pages[index] = page
}

// Get returns the page recorded for index, if any.
func (d *PageDelta) Get(index PageIndex) (*Page, bool) {
	page, ok := d.pages[index]
	return page, ok
}

// Len returns the number of pages in the delta.
func (d *PageDelta) Len() int {
	return len(d.pages)
}

// Indices returns the page indices in ascending order.
func (d *PageDelta) Indices() []PageIndex {
	return sortedIndices(d.pages)
}

// EnsurePages records that the address space must be at least pages
// long after the delta is applied, even if no page near the end was
// written. Used when stable memory grows without being written.
func (d *PageDelta) EnsurePages(pages uint64) {
	d.minPages = max(d.minPages, pages)
}

// RequiredPages returns the address-space length the delta needs: one
// past its highest written page, or the EnsurePages floor, whichever is
// larger.
func (d *PageDelta) RequiredPages() uint64 {
	required := d.minPages
	for index := range d.pages {
		required = max(required, uint64(index)+1)
	}
	return required
}

// Empty reports whether applying the delta would change nothing.
func (d *PageDelta) Empty() bool {
	return len(d.pages) == 0 && d.minPages == 0
}

// NewDeltaFromPages builds a delta from a set of page contents keyed by
// index, as received from a worker reply.
func NewDeltaFromPages(pages map[PageIndex][]byte) (*PageDelta, error) {
	delta := NewDelta()
	for index, contents := range pages {
		if err := delta.Set(index, contents); err != nil {
			return nil, err
		}
	}
	return delta, nil
}

// Pages returns the recorded pages in ascending index order. The pages
// are shared with the delta and must not be modified.
func (d *PageDelta) Pages() []IndexedPage {
	indexed := make([]IndexedPage, 0, len(d.pages))
	for _, index := range d.Indices() {
		indexed = append(indexed, IndexedPage{Index: index, Page: d.pages[index]})
	}
	return indexed
}

// IndexedPage pairs a page with its position.
type IndexedPage struct {
	Index PageIndex
	Page  *Page
}
