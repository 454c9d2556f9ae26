// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package memtrack

import (
	"math/bits"

	"github.com/bureau-foundation/canister/lib/pagemap"
)

// pageSet is a bitset of page indices.
type pageSet struct {
	words []uint64
	count int
}

func newPageSet(pages uint64) pageSet {
	return pageSet{words: make([]uint64, (pages+63)/64)}
}

// add inserts index and reports whether it was absent.
func (s *pageSet) add(index uint64) bool {
	word, bit := index/64, uint64(1)<<(index%64)
	if s.words[word]&bit != 0 {
		return false
	}
	s.words[word] |= bit
	s.count++
	return true
}

func (s *pageSet) contains(index uint64) bool {
	return s.words[index/64]&(uint64(1)<<(index%64)) != 0
}

// sorted returns the members in ascending order.
func (s *pageSet) sorted() []pagemap.PageIndex {
	indices := make([]pagemap.PageIndex, 0, s.count)
	for position, word := range s.words {
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			indices = append(indices, pagemap.PageIndex(uint64(position)*64+uint64(bit)))
			word &= word - 1
		}
	}
	return indices
}
