// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package systemapi

import (
	"github.com/bureau-foundation/canister/lib/engine"
	"github.com/bureau-foundation/canister/lib/pagemap"
)

// pagesPerStablePage is the number of tracking pages in one stable
// memory growth unit.
const pagesPerStablePage = engine.StablePageSize / pagemap.PageSize

// DefaultMaxStablePages limits stable memory to 8 GiB.
const DefaultMaxStablePages = 8 * 1024 * 1024 * 1024 / engine.StablePageSize

// State is the controller-held state one execution's system API calls
// act on. Stable memory writes go to a private delta over the
// canister's stable page map; the caller decides afterwards whether to
// apply it. A State is used by one execution at a time.
type State struct {
	stable         *pagemap.PageMap
	delta          *pagemap.PageDelta
	stablePages    uint64
	maxStablePages uint64

	balance uint64
	calls   []engine.Call
}

// NewState returns the state for an execution against stable with the
// given cycle balance. maxStablePages of zero means
// DefaultMaxStablePages.
func NewState(stable *pagemap.PageMap, balance, maxStablePages uint64) *State {
	if maxStablePages == 0 {
		maxStablePages = DefaultMaxStablePages
	}
	return &State{
		stable:         stable,
		delta:          pagemap.NewDelta(),
		stablePages:    (stable.NumPages() + pagesPerStablePage - 1) / pagesPerStablePage,
		maxStablePages: maxStablePages,
		balance:        balance,
	}
}

var _ Backend = (*State)(nil)

func (s *State) stableBytes() uint64 { return s.stablePages * engine.StablePageSize }

func (s *State) checkStable(operation string, offset, length uint64) error {
	end := offset + length
	if end < offset || end > s.stableBytes() {
		return engine.Trapf("%s [%d, %d) out of bounds of %d stable bytes", operation, offset, end, s.stableBytes())
	}
	return nil
}

// StableSize implements Backend.
func (s *State) StableSize() (uint64, error) { return s.stablePages, nil }

// StableGrow implements Backend.
func (s *State) StableGrow(pages uint64) (int64, error) {
	previous := s.stablePages
	if previous >= s.maxStablePages || pages > s.maxStablePages-previous {
		return -1, nil
	}
	s.stablePages += pages
	s.delta.EnsurePages(s.stablePages * pagesPerStablePage)
	return int64(previous), nil
}

// page returns the current content of one stable page: the execution's
// own write if any, else the canister's.
func (s *State) page(index pagemap.PageIndex) (*pagemap.Page, error) {
	if page, ok := s.delta.Get(index); ok {
		return page, nil
	}
	page := new(pagemap.Page)
	if uint64(index) < s.stable.NumPages() {
		if err := s.stable.ReadPage(index, page[:]); err != nil {
			return nil, err
		}
	}
	return page, nil
}

// StableRead implements Backend.
func (s *State) StableRead(offset, length uint64) ([]byte, error) {
	if err := s.checkStable("stable read", offset, length); err != nil {
		return nil, err
	}
	data := make([]byte, length)
	for copied := uint64(0); copied < length; {
		position := offset + copied
		page, err := s.page(pagemap.PageOf(position))
		if err != nil {
			return nil, err
		}
		copied += uint64(copy(data[copied:], page[position%pagemap.PageSize:]))
	}
	return data, nil
}

// StableWrite implements Backend.
func (s *State) StableWrite(offset uint64, data []byte) error {
	if err := s.checkStable("stable write", offset, uint64(len(data))); err != nil {
		return err
	}
	for written := 0; written < len(data); {
		position := offset + uint64(written)
		index := pagemap.PageOf(position)
		current, err := s.page(index)
		if err != nil {
			return err
		}
		updated := *current
		written += copy(updated[position%pagemap.PageSize:], data[written:])
		s.delta.SetPage(index, &updated)
	}
	return nil
}

// CycleBalance implements Backend.
func (s *State) CycleBalance() (uint64, error) { return s.balance, nil }

// CallPerform implements Backend. Attached cycles leave the balance
// immediately.
func (s *State) CallPerform(call engine.Call) error {
	if call.Callee == "" || call.Method == "" {
		return engine.Trapf("call needs a callee and a method")
	}
	if call.Cycles > s.balance {
		return engine.Trapf("call attaches %d cycles, balance is %d", call.Cycles, s.balance)
	}
	s.balance -= call.Cycles
	s.calls = append(s.calls, call)
	return nil
}

// StableDelta returns the stable pages written, including any growth.
func (s *State) StableDelta() *pagemap.PageDelta { return s.delta }

// Calls returns the outgoing calls in issue order.
func (s *State) Calls() []engine.Call { return s.calls }

// Balance returns the cycle balance after debits.
func (s *State) Balance() uint64 { return s.balance }
