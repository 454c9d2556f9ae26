// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/canister/lib/pagemap"
)

// Canister is what Install needs to create a canister.
type Canister struct {
	Engine string
	Module []byte

	// Heap and Stable are the initial memories. Nil means empty.
	Heap   *pagemap.PageMap
	Stable *pagemap.PageMap

	Balance       uint64
	CertifiedData []byte
}

// CanisterState is one immutable version of a canister. Its page maps
// may be read concurrently with executions and with each other.
type CanisterState struct {
	ID     string
	Engine string
	Module []byte

	Heap   *pagemap.PageMap
	Stable *pagemap.PageMap

	Balance       uint64
	CertifiedData []byte

	// Executions counts completed executions merged into the state.
	Executions uint64
}

// canister holds the current version. Readers load it without locks;
// writers (the completion path and maintenance) serialise on writeMu.
type canister struct {
	current atomic.Pointer[CanisterState]
	writeMu sync.Mutex

	// busy is set while an execution for the canister is in flight.
	// Guarded by Controller.mu.
	busy bool
}

// update replaces the current state with change applied to it.
func (c *canister) update(change func(*CanisterState) (*CanisterState, error)) (*CanisterState, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	next, err := change(c.current.Load())
	if err != nil {
		return nil, err
	}
	c.current.Store(next)
	return next, nil
}

// Install creates a canister. The ID must not be in use.
func (c *Controller) Install(id string, definition Canister) error {
	if id == "" {
		return errors.New("canister ID is required")
	}
	if definition.Engine == "" {
		return fmt.Errorf("canister %s: engine is required", id)
	}
	if len(definition.Module) > MaxModuleBytes {
		return fmt.Errorf("canister %s: module of %d bytes exceeds maximum %d", id, len(definition.Module), MaxModuleBytes)
	}
	heap := definition.Heap
	if heap == nil {
		heap = pagemap.New(0)
	}
	stable := definition.Stable
	if stable == nil {
		stable = pagemap.New(0)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrShutdown
	}
	if _, exists := c.canisters[id]; exists {
		return fmt.Errorf("canister %s is already installed", id)
	}
	entry := &canister{}
	entry.current.Store(&CanisterState{
		ID:            id,
		Engine:        definition.Engine,
		Module:        definition.Module,
		Heap:          heap,
		Stable:        stable,
		Balance:       definition.Balance,
		CertifiedData: definition.CertifiedData,
	})
	c.canisters[id] = entry
	c.logger.Info("canister installed",
		"canister_id", id,
		"engine", definition.Engine,
		"heap_pages", heap.NumPages(),
		"stable_pages", stable.NumPages(),
	)
	return nil
}

// Snapshot returns the canister's current version.
func (c *Controller) Snapshot(id string) (*CanisterState, error) {
	c.mu.Lock()
	entry, ok := c.canisters[id]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownCanister, id)
	}
	return entry.current.Load(), nil
}

// Uninstall removes a canister. It fails while an execution for the
// canister is in flight; queued requests for it fail with
// ErrUnknownCanister when they reach the head of the queue.
func (c *Controller) Uninstall(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.canisters[id]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownCanister, id)
	}
	if entry.busy {
		return fmt.Errorf("canister %s has an execution in flight", id)
	}
	delete(c.canisters, id)
	c.logger.Info("canister uninstalled", "canister_id", id)
	for _, pool := range c.pools {
		c.dispatchLocked(pool)
	}
	return nil
}

// Canisters returns the installed canister IDs.
func (c *Controller) Canisters() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.canisters))
	for id := range c.canisters {
		ids = append(ids, id)
	}
	return ids
}
