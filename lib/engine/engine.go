// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Memory is a byte-addressed region. Offsets are relative to the start
// of the region; an access that does not fit is an error.
type Memory interface {
	Size() uint64
	Read(offset uint64, dst []byte) error
	Write(offset uint64, src []byte) error
}

// StablePageSize is the unit of stable memory growth.
const StablePageSize = 64 * 1024

// Limits from the system API contract. Exceeding one traps.
const (
	MaxDebugPrintBytes    = 32 * 1024
	MaxTrapMessageBytes   = 16 * 1024
	MaxCertifiedDataBytes = 32

	// MaxReplyBytes bounds the reply an execution may build and the
	// payload of one outgoing call.
	MaxReplyBytes = 2 * 1024 * 1024

	// MaxDebugLogBytes bounds the debug output kept for one
	// execution. Messages past it are charged and dropped.
	MaxDebugLogBytes = 1024 * 1024
)

// Call is an outgoing inter-canister call issued during an execution.
type Call struct {
	Callee  string `cbor:"callee"`
	Method  string `cbor:"method"`
	Payload []byte `cbor:"payload,omitempty"`
	Cycles  uint64 `cbor:"cycles,omitempty"`
}

// SystemAPI is the surface an executing canister uses to reach outside
// its heap. Stable memory is addressed in bytes and grown in
// StablePageSize units.
//
// Errors returned by SystemAPI methods abort the execution: engines
// return them unchanged.
type SystemAPI interface {
	// ArgData returns the message argument. The slice must not be
	// modified.
	ArgData() []byte

	// Reply appends data to the reply.
	Reply(data []byte) error

	// StableSize returns the stable memory size in StablePageSize pages.
	StableSize() (uint64, error)

	// StableGrow grows stable memory by pages pages. It returns the
	// previous size, or -1 if the growth would exceed the limit.
	StableGrow(pages uint64) (int64, error)

	StableRead(offset uint64, dst []byte) error
	StableWrite(offset uint64, src []byte) error

	// CycleBalance returns the canister's cycle balance.
	CycleBalance() (uint64, error)

	// CallPerform issues an outgoing call. Attached cycles are
	// debited from the balance.
	CallPerform(call Call) error

	DebugPrint(message []byte) error
	CertifiedDataSet(data []byte) error
}

// Execution is everything an engine needs to run one entry point.
type Execution struct {
	// Module is the engine-specific code image.
	Module []byte

	// Entry names the entry point inside Module.
	Entry string

	Heap   Memory
	System SystemAPI
	Meter  *Meter
}

// Engine executes modules of one format.
type Engine interface {
	// Name is the identifier requests use to select this engine.
	Name() string

	// Execute runs execution.Entry to completion. It must charge
	// execution.Meter for its work and stop with
	// ErrInstructionLimitExceeded once the meter is exhausted. ctx is
	// cancelled only when the worker shuts down.
	Execute(ctx context.Context, execution Execution) error
}

// ErrUnknownEngine is returned by Registry.Lookup for an unregistered
// name.
var ErrUnknownEngine = errors.New("unknown engine")

// Registry maps engine names to engines. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry returns a registry holding engines.
func NewRegistry(engines ...Engine) *Registry {
	registry := &Registry{engines: make(map[string]Engine)}
	for _, engine := range engines {
		registry.Register(engine)
	}
	return registry
}

// Register adds or replaces an engine.
func (r *Registry) Register(engine Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[engine.Name()] = engine
}

// Lookup returns the engine registered under name.
func (r *Registry) Lookup(name string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	engine, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %v)", ErrUnknownEngine, name, r.namesLocked())
	}
	return engine, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
