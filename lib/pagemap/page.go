// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pagemap

import (
	"fmt"
	"slices"
)

// PageSize is the size in bytes of one page. It matches the host page
// size on every supported platform, which the memory tracker relies on
// to write-protect pages individually.
const PageSize = 4096

// PageIndex is the zero-based position of a page within an address
// space. Byte offset = index * PageSize.
type PageIndex uint64

// Offset returns the byte offset of the first byte of the page.
func (index PageIndex) Offset() uint64 {
	return uint64(index) * PageSize
}

// PageOf returns the index of the page containing byte offset.
func PageOf(offset uint64) PageIndex {
	return PageIndex(offset / PageSize)
}

// PagesFor returns the number of pages needed to hold size bytes.
func PagesFor(size uint64) uint64 {
	return (size + PageSize - 1) / PageSize
}

// Page is the content of one page. Pages are immutable once they have
// been handed to a [PageDelta]; everything that accepts page content
// copies it.
type Page [PageSize]byte

// zeroPage is returned for pages that no layer covers.
var zeroPage Page

// NewPage copies contents into a fresh page. Contents shorter than
// PageSize are zero-padded; longer contents are an error.
func NewPage(contents []byte) (*Page, error) {
	if len(contents) > PageSize {
		return nil, fmt.Errorf("page contents are %d bytes, maximum is %d", len(contents), PageSize)
	}
	page := new(Page)
	copy(page[:], contents)
	return page, nil
}

// IsZero reports whether every byte of the page is zero.
func (p *Page) IsZero() bool {
	return *p == zeroPage
}

// sortedIndices returns the keys of pages in ascending order.
func sortedIndices(pages map[PageIndex]*Page) []PageIndex {
	indices := make([]PageIndex, 0, len(pages))
	for index := range pages {
		indices = append(indices, index)
	}
	slices.Sort(indices)
	return indices
}
